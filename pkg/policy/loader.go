package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads site policies from disk.
//
// A .rego file becomes one policy named after the file. Its leading comment
// block is the description, except for "severity:" and "tags:" lines which
// set those fields; the default severity is warning. A .json file holds a
// Policy document with the Rego inline. Rego unit tests (_test.rego) are
// skipped.
type Loader struct {
	logger zerolog.Logger
}

type policyDecoder func(path string, data []byte) (*Policy, error)

var decoders = map[string]policyDecoder{
	".rego": decodeRego,
	".json": decodeJSON,
}

// NewLoader creates a loader logging to logger.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy file named by paths or found below them.
// A named file that cannot be read or decoded is an error; inside a
// directory such files are logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, root := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		if !info.IsDir() {
			p, err := loadPolicyFile(root)
			if err != nil {
				return nil, err
			}
			policies = append(policies, *p)
			continue
		}

		found, err := l.walk(root)
		if err != nil {
			return nil, fmt.Errorf("policy directory %s: %w", root, err)
		}
		policies = append(policies, found...)
	}

	l.logger.Debug().Int("policies", len(policies)).Strs("paths", paths).Msg("Loaded site policies")
	return policies, nil
}

func (l *Loader) walk(root string) ([]Policy, error) {
	var policies []Policy
	err := fs.WalkDir(os.DirFS(root), ".", func(rel string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isPolicyFile(rel) {
			return err
		}

		path := filepath.Join(root, filepath.FromSlash(rel))
		p, err := loadPolicyFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	return policies, err
}

func isPolicyFile(name string) bool {
	if strings.HasSuffix(name, "_test.rego") {
		return false
	}
	_, ok := decoders[filepath.Ext(name)]
	return ok
}

func loadPolicyFile(path string) (*Policy, error) {
	decode, ok := decoders[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("policy file %s: unsupported extension", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	p.Source = path
	return p, nil
}

func decodeRego(path string, data []byte) (*Policy, error) {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
	}

	var description []string
	scanner := bufio.NewScanner(strings.NewReader(p.Rego))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)

		key, value, _ := strings.Cut(comment, ":")
		switch strings.ToLower(key) {
		case "severity":
			sev := Severity(strings.TrimSpace(value))
			if !sev.valid() {
				return nil, fmt.Errorf("unknown severity %q", sev)
			}
			p.Severity = sev
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		default:
			if comment != "" {
				description = append(description, comment)
			}
		}
	}
	p.Description = strings.Join(description, " ")
	return p, scanner.Err()
}

func decodeJSON(_ string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, errors.New("policy has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.valid() {
		return nil, fmt.Errorf("unknown severity %q", p.Severity)
	}
	return &p, nil
}

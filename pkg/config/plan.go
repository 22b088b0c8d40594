package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Format is a plan file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFor picks the encoding from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported plan file extension: %q", filepath.Ext(path))
	}
}

// PlanDocument is the file form of an engine.ChangePlan.
type PlanDocument struct {
	ID                   string         `yaml:"id" json:"id" validate:"required"`
	Description          string         `yaml:"description,omitempty" json:"description,omitempty"`
	Concurrency          int            `yaml:"concurrency,omitempty" json:"concurrency,omitempty" validate:"min=0"`
	RollbackOnAnyFailure *bool          `yaml:"rollback_on_any_failure,omitempty" json:"rollback_on_any_failure,omitempty"`
	Deadline             string         `yaml:"deadline,omitempty" json:"deadline,omitempty"`
	Devices              []DeviceChange `yaml:"devices" json:"devices" validate:"required,min=1,dive"`
}

// DeviceChange lists the edits for one device.
type DeviceChange struct {
	Device    string         `yaml:"device" json:"device" validate:"required"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty" validate:"dive,required"`
	Edits     []EditDocument `yaml:"edits" json:"edits" validate:"required,min=1,dive"`
}

// EditDocument is one field edit.
type EditDocument struct {
	Path  string `yaml:"path" json:"path" validate:"required,startswith=/"`
	Op    string `yaml:"op" json:"op" validate:"required,oneof=merge replace create delete"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// ValidationError locates one problem in a plan file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a plan file is well-formed but invalid.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid plan: " + strings.Join(msgs, "; ")
}

// LoadPlan reads a plan file and converts it to a change plan.
func LoadPlan(path string) (*engine.ChangePlan, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return ParsePlan(data, format, path)
}

// ParsePlan decodes, validates and converts a plan document.
func ParsePlan(data []byte, format Format, source string) (*engine.ChangePlan, error) {
	doc, err := decodePlan(data, format, source)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(source); err != nil {
		return nil, err
	}
	return doc.ChangePlan()
}

func decodePlan(data []byte, format Format, source string) (*PlanDocument, error) {
	var doc PlanDocument
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse plan %s: %w", source, err)
		}
	case FormatJSON:
		if err := decodeJSON(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse plan %s: %w", source, err)
		}
	case FormatCUE:
		out, err := compileCUE(data, source)
		if err != nil {
			return nil, err
		}
		if err := decodeJSON(out, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode plan %s: %w", source, err)
		}
	default:
		return nil, fmt.Errorf("unsupported plan format: %q", format)
	}

	for i := range doc.Devices {
		for j := range doc.Devices[i].Edits {
			v, err := normalizeValue(doc.Devices[i].Edits[j].Value)
			if err != nil {
				return nil, fmt.Errorf("plan %s: devices[%d].edits[%d].value: %w", source, i, j, err)
			}
			doc.Devices[i].Edits[j].Value = v
		}
	}
	return &doc, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// normalizeValue converts a decoded value into the tree shape device reads
// produce (map[string]any, []any, float64), so equal data compares equal.
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks the document's fields.
func (d *PlanDocument) Validate(source string) error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid plan: %w", err)
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			File:    source,
			Path:    fe.Namespace(),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// ChangePlan converts the document to an engine plan.
func (d *PlanDocument) ChangePlan() (*engine.ChangePlan, error) {
	plan := &engine.ChangePlan{
		ID:                   d.ID,
		Description:          d.Description,
		Concurrency:          d.Concurrency,
		RollbackOnAnyFailure: d.RollbackOnAnyFailure,
	}
	if d.Deadline != "" {
		deadline, err := time.ParseDuration(d.Deadline)
		if err != nil {
			return nil, fmt.Errorf("invalid plan deadline %q: %w", d.Deadline, err)
		}
		plan.Deadline = deadline
	}

	for _, dc := range d.Devices {
		dp := engine.DevicePlan{
			DeviceID:  dc.Device,
			DependsOn: append([]string(nil), dc.DependsOn...),
		}
		for _, e := range dc.Edits {
			dp.Edits = append(dp.Edits, engine.FieldEdit{
				Path:      e.Path,
				Operation: engine.EditOperation(e.Op),
				Value:     e.Value,
			})
		}
		plan.Devices = append(plan.Devices, dp)
	}
	return plan, nil
}

// NewPlanDocument converts an engine plan to its file form.
func NewPlanDocument(plan *engine.ChangePlan) *PlanDocument {
	doc := &PlanDocument{
		ID:                   plan.ID,
		Description:          plan.Description,
		Concurrency:          plan.Concurrency,
		RollbackOnAnyFailure: plan.RollbackOnAnyFailure,
	}
	if plan.Deadline > 0 {
		doc.Deadline = plan.Deadline.String()
	}
	for _, dp := range plan.Devices {
		dc := DeviceChange{Device: dp.DeviceID, DependsOn: dp.DependsOn}
		for _, e := range dp.Edits {
			dc.Edits = append(dc.Edits, EditDocument{Path: e.Path, Op: string(e.Operation), Value: e.Value})
		}
		doc.Devices = append(doc.Devices, dc)
	}
	return doc
}

// EncodePlan renders a plan in the given format.
func EncodePlan(plan *engine.ChangePlan, format Format) ([]byte, error) {
	doc := NewPlanDocument(plan)
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		return append(out, '\n'), nil
	case FormatCUE:
		return formatCUE(doc)
	default:
		return nil, fmt.Errorf("unsupported plan format: %q", format)
	}
}

// WritePlan writes a plan to path, choosing the format from the extension.
func WritePlan(path string, plan *engine.ChangePlan) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	data, err := EncodePlan(plan, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

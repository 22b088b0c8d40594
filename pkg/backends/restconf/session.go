package restconf

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

type session struct {
	backend   *Backend
	device    engine.Device
	dataURL   string
	yangPatch bool
	logger    zerolog.Logger

	// progress counts the edits of a ReplaceDirect batch already applied, so a
	// retried batch resumes instead of repeating a create.
	progress map[string]int
}

var _ engine.Session = (*session)(nil)

func unsupported(op string) error {
	return engine.NewFatalError(op+" is not supported over RESTCONF", nil).WithCode(engine.ErrCodeUnsupported)
}

func parse(path string) ([]engine.PathSegment, error) {
	segments, err := engine.ParsePath(path)
	if err != nil {
		return nil, engine.NewFatalError("invalid path", err).WithCode(engine.ErrCodeMalformedEdit)
	}
	return segments, nil
}

// Read implements engine.Session with a GET on the running datastore.
func (s *session) Read(ctx context.Context, path string) (engine.PathValue, error) {
	segments, err := parse(path)
	if err != nil {
		return engine.PathValue{}, err
	}

	url := s.dataURL + resourcePath(segments)
	resp, err := s.backend.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return engine.PathValue{}, err
	}

	switch resp.status {
	case http.StatusOK:
		data, err := decodeNode(segments, resp.body)
		if err != nil {
			return engine.PathValue{}, engine.NewFatalError("malformed response", err).
				WithCode(engine.ErrCodeDeviceError)
		}
		return engine.PathValue{Path: path, Data: data, Exists: true}, nil
	case http.StatusNoContent:
		return engine.PathValue{Path: path, Exists: true}, nil
	case http.StatusNotFound:
		return engine.PathValue{Path: path}, nil
	default:
		return engine.PathValue{}, classifyStatus(http.MethodGet, url, resp.status, resp.body)
	}
}

func (s *session) Lock(context.Context, string) (engine.LockToken, error) {
	return engine.LockToken{}, unsupported("lock")
}

func (s *session) Unlock(context.Context, engine.LockToken) error {
	return unsupported("unlock")
}

func (s *session) Stage(context.Context, engine.LockToken, []engine.FieldEdit) error {
	return unsupported("stage")
}

func (s *session) Validate(context.Context, engine.LockToken) error {
	return unsupported("validate")
}

func (s *session) Commit(context.Context, engine.LockToken) error {
	return unsupported("commit")
}

// ReplaceDirect implements engine.Session. With YANG-Patch a multi-edit batch
// is one atomic PATCH; otherwise edits are sent one request at a time.
func (s *session) ReplaceDirect(ctx context.Context, edits []engine.FieldEdit) error {
	if len(edits) == 0 {
		return nil
	}
	if s.yangPatch && len(edits) > 1 {
		return s.patch(ctx, edits)
	}

	key := batchKey(edits)
	for i := s.progress[key]; i < len(edits); i++ {
		if err := s.apply(ctx, edits[i]); err != nil {
			return err
		}
		s.progress[key] = i + 1
	}
	delete(s.progress, key)
	return nil
}

func batchKey(edits []engine.FieldEdit) string {
	data, err := json.Marshal(edits)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *session) apply(ctx context.Context, edit engine.FieldEdit) error {
	segments, err := parse(edit.Path)
	if err != nil {
		return err
	}

	var (
		method = http.MethodPut
		url    = s.dataURL + resourcePath(segments)
		body   []byte
		ok     = []int{http.StatusOK, http.StatusCreated, http.StatusNoContent}
	)

	switch edit.Operation {
	case engine.EditReplace:
	case engine.EditMerge:
		method = http.MethodPatch
	case engine.EditCreate:
		// POST goes to the parent and carries the new child.
		method = http.MethodPost
		url = s.dataURL + resourcePath(segments[:len(segments)-1])
	case engine.EditDelete:
		method = http.MethodDelete
		ok = append(ok, http.StatusNotFound)
	default:
		return engine.NewFatalError("unknown edit operation "+string(edit.Operation), nil).
			WithCode(engine.ErrCodeMalformedEdit)
	}

	if edit.Operation != engine.EditDelete {
		body, err = encodeNode(segments, edit.Value)
		if err != nil {
			return engine.NewFatalError("encoding edit value", err).WithCode(engine.ErrCodeMalformedEdit)
		}
	}

	contentType := ""
	if body != nil {
		contentType = MediaYangData
	}

	s.logger.Debug().Str("method", method).Str("path", edit.Path).Msg("Sending edit")
	resp, err := s.backend.do(ctx, method, url, contentType, body)
	if err != nil {
		return err
	}
	for _, code := range ok {
		if resp.status == code {
			return nil
		}
	}
	return classifyStatus(method, url, resp.status, resp.body)
}

func (s *session) patch(ctx context.Context, edits []engine.FieldEdit) error {
	body, err := encodeYangPatch(uuid.New().String(), edits)
	if err != nil {
		return engine.NewFatalError("encoding YANG-Patch", err).WithCode(engine.ErrCodeMalformedEdit)
	}

	s.logger.Debug().Int("edits", len(edits)).Msg("Sending YANG-Patch")
	resp, err := s.backend.do(ctx, http.MethodPatch, s.dataURL, MediaYangPatch, body)
	if err != nil {
		return err
	}
	if resp.status == http.StatusOK || resp.status == http.StatusNoContent {
		return nil
	}
	return classifyStatus(http.MethodPatch, s.dataURL, resp.status, resp.body)
}

// Close implements engine.Session. The HTTP client is shared, so there is nothing to release.
func (s *session) Close() error { return nil }

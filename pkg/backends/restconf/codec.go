package restconf

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Media types used on the wire.
const (
	MediaYangData  = "application/yang-data+json"
	MediaYangPatch = "application/yang-patch+json"
)

// FeatureYangPatch is the capability feature that enables atomic multi-edit PATCH.
const FeatureYangPatch = "yang-patch"

// resourcePath renders parsed segments as a RESTCONF data resource path,
// e.g. /ietf-interfaces:interfaces/interface=Gi0%2F1/description.
// List keys are joined by commas and percent-encoded.
func resourcePath(segments []engine.PathSegment) string {
	var sb strings.Builder
	for _, s := range segments {
		sb.WriteByte('/')
		if s.Module != "" {
			sb.WriteString(s.Module)
			sb.WriteByte(':')
		}
		sb.WriteString(s.Name)
		if len(s.Keys) == 0 {
			continue
		}
		sb.WriteByte('=')
		for i, kv := range s.Keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(url.PathEscape(kv.Value))
		}
	}
	return sb.String()
}

// memberName is the module-qualified JSON member name of the last segment.
// A segment without a prefix inherits the nearest ancestor's module.
func memberName(segments []engine.PathSegment) string {
	last := segments[len(segments)-1]
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i].Module != "" {
			return segments[i].Module + ":" + last.Name
		}
	}
	return last.Name
}

// nodeValue wraps a list entry in a one-element array and fills in the key
// leaves named by the path when the value omits them.
func nodeValue(segments []engine.PathSegment, value any) any {
	last := segments[len(segments)-1]
	if len(last.Keys) == 0 {
		return value
	}

	entry := value
	if m, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(m)+len(last.Keys))
		for k, v := range m {
			out[k] = v
		}
		for _, kv := range last.Keys {
			if _, ok := out[kv.Key]; !ok {
				out[kv.Key] = kv.Value
			}
		}
		entry = out
	}
	return []any{entry}
}

// encodeNode builds the yang-data+json body for a write to the node at segments.
func encodeNode(segments []engine.PathSegment, value any) ([]byte, error) {
	return json.Marshal(map[string]any{memberName(segments): nodeValue(segments, value)})
}

// decodeNode extracts the value of the node at segments from a GET response body.
func decodeNode(segments []engine.PathSegment, body []byte) (any, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", MediaYangData, err)
	}

	var value any
	switch {
	case len(doc) == 1:
		for _, v := range doc {
			value = v
		}
	default:
		name := memberName(segments)
		local := segments[len(segments)-1].Name
		if v, ok := doc[name]; ok {
			value = v
		} else if v, ok := doc[local]; ok {
			value = v
		} else {
			return doc, nil
		}
	}

	if len(segments[len(segments)-1].Keys) > 0 {
		if list, ok := value.([]any); ok && len(list) == 1 {
			return list[0], nil
		}
	}
	return value, nil
}

type yangPatchEdit struct {
	EditID    string         `json:"edit-id"`
	Operation string         `json:"operation"`
	Target    string         `json:"target"`
	Value     map[string]any `json:"value,omitempty"`
}

type yangPatch struct {
	PatchID string          `json:"patch-id"`
	Comment string          `json:"comment,omitempty"`
	Edit    []yangPatchEdit `json:"edit"`
}

// yangPatchOperation maps an edit operation to its YANG-Patch name. Delete
// becomes remove, which succeeds when the node is already absent.
func yangPatchOperation(op engine.EditOperation) string {
	if op == engine.EditDelete {
		return "remove"
	}
	return string(op)
}

// encodeYangPatch builds an ietf-yang-patch document applying edits against the datastore root.
func encodeYangPatch(patchID string, edits []engine.FieldEdit) ([]byte, error) {
	patch := yangPatch{PatchID: patchID, Edit: make([]yangPatchEdit, 0, len(edits))}
	for i, edit := range edits {
		segments, err := engine.ParsePath(edit.Path)
		if err != nil {
			return nil, err
		}
		pe := yangPatchEdit{
			EditID:    fmt.Sprintf("edit-%d", i+1),
			Operation: yangPatchOperation(edit.Operation),
			Target:    resourcePath(segments),
		}
		if edit.Operation != engine.EditDelete {
			pe.Value = map[string]any{memberName(segments): nodeValue(segments, edit.Value)}
		}
		patch.Edit = append(patch.Edit, pe)
	}
	return json.Marshal(map[string]any{"ietf-yang-patch:yang-patch": patch})
}

type errorEntry struct {
	Type    string `json:"error-type"`
	Tag     string `json:"error-tag"`
	Path    string `json:"error-path"`
	Message string `json:"error-message"`
}

type errorList struct {
	Error []errorEntry `json:"error"`
}

type errorDocument struct {
	Errors      *errorList `json:"ietf-restconf:errors"`
	PatchStatus *struct {
		GlobalErrors *errorList `json:"global-errors"`
		EditStatus   *struct {
			Edit []struct {
				EditID string     `json:"edit-id"`
				Errors *errorList `json:"errors"`
			} `json:"edit"`
		} `json:"edit-status"`
	} `json:"ietf-yang-patch:yang-patch-status"`
}

// firstError returns the first error reported in a RESTCONF errors document
// or a YANG-Patch status document.
func firstError(body []byte) (errorEntry, bool) {
	if len(body) == 0 {
		return errorEntry{}, false
	}
	var doc errorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return errorEntry{}, false
	}

	if doc.Errors != nil && len(doc.Errors.Error) > 0 {
		return doc.Errors.Error[0], true
	}
	if ps := doc.PatchStatus; ps != nil {
		if ps.GlobalErrors != nil && len(ps.GlobalErrors.Error) > 0 {
			return ps.GlobalErrors.Error[0], true
		}
		if ps.EditStatus != nil {
			for _, e := range ps.EditStatus.Edit {
				if e.Errors != nil && len(e.Errors.Error) > 0 {
					return e.Errors.Error[0], true
				}
			}
		}
	}
	return errorEntry{}, false
}

package engine

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// KeyValue is one list key predicate of a path segment, e.g. name=Gi1.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PathSegment is one node of a parsed data-model path.
type PathSegment struct {
	// Module is the optional module prefix (ietf-interfaces in ietf-interfaces:interfaces).
	Module string `json:"module,omitempty"`

	// Name is the node name.
	Name string `json:"name"`

	// Keys are list-entry predicates in declaration order.
	Keys []KeyValue `json:"keys,omitempty"`
}

// String renders the segment in path syntax.
func (s PathSegment) String() string {
	var sb strings.Builder
	if s.Module != "" {
		sb.WriteString(s.Module)
		sb.WriteByte(':')
	}
	sb.WriteString(s.Name)
	for _, kv := range s.Keys {
		fmt.Fprintf(&sb, "[%s=%s]", kv.Key, kv.Value)
	}
	return sb.String()
}

// overlaps reports whether two segments can address the same node. A missing
// module prefix matches any prefix, and a segment without keys covers every
// entry of its list.
func (s PathSegment) overlaps(o PathSegment) bool {
	if s.Name != o.Name {
		return false
	}
	if s.Module != "" && o.Module != "" && s.Module != o.Module {
		return false
	}
	if len(s.Keys) == 0 || len(o.Keys) == 0 {
		return true
	}
	if len(s.Keys) != len(o.Keys) {
		return false
	}
	a := sortedKeys(s.Keys)
	b := sortedKeys(o.Keys)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedKeys(keys []KeyValue) []KeyValue {
	out := append([]KeyValue(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ParsePath splits a slash-separated path into segments.
// Key values may contain slashes; brackets are matched before splitting.
func ParsePath(path string) ([]PathSegment, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("empty path")
	}

	var (
		parts []string
		cur   strings.Builder
		depth int
	)
	for _, r := range trimmed {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("path %q: unbalanced ']'", path)
			}
		case r == '/' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if depth != 0 {
		return nil, fmt.Errorf("path %q: unbalanced '['", path)
	}
	parts = append(parts, cur.String())

	segments := make([]PathSegment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func parseSegment(part string) (PathSegment, error) {
	if part == "" {
		return PathSegment{}, fmt.Errorf("empty segment")
	}

	head := part
	var preds string
	if i := strings.IndexByte(part, '['); i >= 0 {
		head, preds = part[:i], part[i:]
	}

	var seg PathSegment
	if module, name, ok := strings.Cut(head, ":"); ok {
		if module == "" {
			return PathSegment{}, fmt.Errorf("segment %q has an empty module prefix", part)
		}
		seg.Module, seg.Name = module, name
	} else {
		seg.Name = head
	}
	if seg.Name == "" {
		return PathSegment{}, fmt.Errorf("segment %q has no node name", part)
	}

	for preds != "" {
		end := strings.IndexByte(preds, ']')
		if preds[0] != '[' || end < 0 {
			return PathSegment{}, fmt.Errorf("segment %q: malformed key predicate", part)
		}
		key, value, ok := strings.Cut(preds[1:end], "=")
		if !ok || key == "" {
			return PathSegment{}, fmt.Errorf("segment %q: key predicate needs key=value", part)
		}
		seg.Keys = append(seg.Keys, KeyValue{Key: key, Value: strings.Trim(value, `"'`)})
		preds = preds[end+1:]
	}
	return seg, nil
}

// PathsAlias reports whether two parsed paths target overlapping subtrees,
// meaning one is equal to or a prefix of the other.
func PathsAlias(a, b []PathSegment) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if !a[i].overlaps(b[i]) {
			return false
		}
	}
	return true
}

// FormatPath renders parsed segments back to path syntax.
func FormatPath(segments []PathSegment) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = s.String()
	}
	return "/" + strings.Join(parts, "/")
}

// ValuesEqual compares two JSON-compatible values, treating numeric types alike.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// mergeSatisfied reports whether every key in desired already holds an equal value in current.
func mergeSatisfied(current, desired any) bool {
	want, ok := desired.(map[string]any)
	if !ok {
		return ValuesEqual(current, desired)
	}
	have, ok := current.(map[string]any)
	if !ok {
		return false
	}
	for k, v := range want {
		cur, exists := have[k]
		if !exists || !mergeSatisfied(cur, v) {
			return false
		}
	}
	return true
}

// IsNoop reports whether applying edit to a node currently holding before would change nothing.
// Create is never a no-op.
func IsNoop(edit FieldEdit, before PathValue) bool {
	switch edit.Operation {
	case EditReplace:
		return before.Exists && ValuesEqual(before.Data, edit.Value)
	case EditMerge:
		return before.Exists && mergeSatisfied(before.Data, edit.Value)
	case EditDelete:
		return !before.Exists
	default:
		return false
	}
}

// CompensatingEdits derives the edits that restore a backup, in reverse order of applied.
func CompensatingEdits(applied []FieldEdit, backup *Snapshot) []FieldEdit {
	out := make([]FieldEdit, 0, len(applied))
	for i := len(applied) - 1; i >= 0; i-- {
		path := applied[i].Path
		prior, ok := backup.Lookup(path)
		if ok && prior.Exists {
			out = append(out, FieldEdit{Path: path, Operation: EditReplace, Value: prior.Data})
			continue
		}
		out = append(out, FieldEdit{Path: path, Operation: EditDelete})
	}
	return out
}

package netconf

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

const (
	baseNS = "urn:ietf:params:xml:ns:netconf:base:1.0"

	capCandidate = "urn:ietf:params:netconf:capability:candidate:1.0"
)

// namespaces resolves YANG module names to XML namespaces.
type namespaces map[string]string

func (n namespaces) resolve(module string) (string, error) {
	if ns, ok := n[module]; ok {
		return ns, nil
	}
	switch {
	case strings.HasPrefix(module, "ietf-"), strings.HasPrefix(module, "iana-"):
		return "urn:ietf:params:xml:ns:yang:" + module, nil
	case strings.HasPrefix(module, "openconfig-"):
		return "http://openconfig.net/yang/" + strings.TrimPrefix(module, "openconfig-"), nil
	case strings.HasPrefix(module, "Cisco-IOS-XE-"), strings.HasPrefix(module, "Cisco-IOS-XR-"):
		return "http://cisco.com/ns/yang/" + module, nil
	}
	return "", fmt.Errorf("no XML namespace known for module %q", module)
}

// splitQualified splits a JSON-style member name "module:name".
func splitQualified(name string) (module, local string) {
	if m, l, ok := strings.Cut(name, ":"); ok {
		return m, l
	}
	return "", name
}

// xmlWriter builds an XML fragment, emitting xmlns only where the namespace changes.
type xmlWriter struct {
	sb strings.Builder
	ns namespaces
}

func (w *xmlWriter) open(name, ns, parentNS string, attrs ...string) {
	w.startTag(name, ns, parentNS, attrs...)
	w.sb.WriteByte('>')
}

func (w *xmlWriter) startTag(name, ns, parentNS string, attrs ...string) {
	w.sb.WriteByte('<')
	w.sb.WriteString(name)
	if ns != "" && ns != parentNS {
		fmt.Fprintf(&w.sb, ` xmlns=%q`, ns)
	}
	for _, a := range attrs {
		w.sb.WriteByte(' ')
		w.sb.WriteString(a)
	}
}

func (w *xmlWriter) close(name string) {
	w.sb.WriteString("</")
	w.sb.WriteString(name)
	w.sb.WriteByte('>')
}

func (w *xmlWriter) empty(name, ns, parentNS string, attrs ...string) {
	w.startTag(name, ns, parentNS, attrs...)
	w.sb.WriteString("/>")
}

func (w *xmlWriter) text(s string) {
	_ = xml.EscapeText(&w.sb, []byte(s))
}

func (w *xmlWriter) leaf(name, value string) {
	w.open(name, "", "")
	w.text(value)
	w.close(name)
}

// value writes v as the content of an element in namespace ns. Maps become
// child elements in sorted order (keys listed in skip are omitted), slices
// become repeated elements, anything else becomes text.
func (w *xmlWriter) value(v any, ns string, skip map[string]bool) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		names := make([]string, 0, len(t))
		for k := range t {
			names = append(names, k)
		}
		sort.Strings(names)

		for _, k := range names {
			module, local := splitQualified(k)
			if skip[local] {
				continue
			}
			childNS := ns
			if module != "" {
				resolved, err := w.ns.resolve(module)
				if err != nil {
					return err
				}
				childNS = resolved
			}
			items, ok := t[k].([]any)
			if !ok {
				items = []any{t[k]}
			}
			for _, item := range items {
				w.open(local, childNS, ns)
				if err := w.value(item, childNS, nil); err != nil {
					return err
				}
				w.close(local)
			}
		}
		return nil
	default:
		w.text(scalarText(t))
		return nil
	}
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}

// ancestors opens every segment but the last, writing list keys as leaves,
// and returns the namespace in effect for the last segment.
func (w *xmlWriter) ancestors(segments []engine.PathSegment, rootAttrs ...string) (string, error) {
	ns := ""
	for i, seg := range segments[:len(segments)-1] {
		segNS, err := w.segmentNS(seg, ns)
		if err != nil {
			return "", err
		}
		var attrs []string
		if i == 0 {
			attrs = rootAttrs
		}
		w.open(seg.Name, segNS, ns, attrs...)
		for _, kv := range seg.Keys {
			w.leaf(kv.Key, kv.Value)
		}
		ns = segNS
	}
	return ns, nil
}

func (w *xmlWriter) closeAncestors(segments []engine.PathSegment) {
	for i := len(segments) - 2; i >= 0; i-- {
		w.close(segments[i].Name)
	}
}

func (w *xmlWriter) segmentNS(seg engine.PathSegment, parent string) (string, error) {
	if seg.Module == "" {
		if parent == "" {
			return "", fmt.Errorf("top-level node %q needs a module prefix", seg.Name)
		}
		return parent, nil
	}
	return w.ns.resolve(seg.Module)
}

// netconfOperation maps an edit operation to the nc:operation attribute value.
// Delete becomes remove, which succeeds when the node is already absent.
func netconfOperation(op engine.EditOperation) string {
	if op == engine.EditDelete {
		return "remove"
	}
	return string(op)
}

// encodeEdit renders one edit as the content of an edit-config <config>.
// The operation attribute sits on the target node; ancestors are plain
// containers that the default operation leaves alone or merges.
func encodeEdit(ns namespaces, edit engine.FieldEdit) (string, error) {
	segments, err := engine.ParsePath(edit.Path)
	if err != nil {
		return "", err
	}

	w := &xmlWriter{ns: ns}
	rootAttrs := []string{fmt.Sprintf(`xmlns:nc=%q`, baseNS)}
	parentNS, err := w.ancestors(segments, rootAttrs...)
	if err != nil {
		return "", err
	}

	last := segments[len(segments)-1]
	lastNS, err := w.segmentNS(last, parentNS)
	if err != nil {
		return "", err
	}
	attrs := []string{fmt.Sprintf(`nc:operation=%q`, netconfOperation(edit.Operation))}
	if len(segments) == 1 {
		attrs = append(rootAttrs, attrs...)
	}

	// A leaf-list value is one element per item.
	items, isList := edit.Value.([]any)
	if !isList || len(last.Keys) > 0 || edit.Operation == engine.EditDelete {
		items = []any{edit.Value}
	}

	for _, item := range items {
		w.open(last.Name, lastNS, parentNS, attrs...)
		skip := make(map[string]bool, len(last.Keys))
		for _, kv := range last.Keys {
			w.leaf(kv.Key, kv.Value)
			skip[kv.Key] = true
		}
		if edit.Operation != engine.EditDelete {
			if err := w.value(item, lastNS, skip); err != nil {
				return "", err
			}
		}
		w.close(last.Name)
	}

	w.closeAncestors(segments)
	return w.sb.String(), nil
}

// encodeFilter renders a subtree filter selecting the node at path. List keys
// become content-match nodes and the target is an empty selection node.
func encodeFilter(ns namespaces, segments []engine.PathSegment) (string, error) {
	w := &xmlWriter{ns: ns}
	parentNS, err := w.ancestors(segments)
	if err != nil {
		return "", err
	}

	last := segments[len(segments)-1]
	lastNS, err := w.segmentNS(last, parentNS)
	if err != nil {
		return "", err
	}
	if len(last.Keys) == 0 {
		w.empty(last.Name, lastNS, parentNS)
	} else {
		w.open(last.Name, lastNS, parentNS)
		for _, kv := range last.Keys {
			w.leaf(kv.Key, kv.Value)
		}
		w.close(last.Name)
	}

	w.closeAncestors(segments)
	return w.sb.String(), nil
}

// xmlNode is a generic element tree decoded from a reply.
type xmlNode struct {
	name     string
	text     string
	children []*xmlNode
}

func parseXML(data string) (*xmlNode, error) {
	dec := xml.NewDecoder(strings.NewReader(data))
	root := &xmlNode{}
	stack := []*xmlNode{root}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local}
			top.children = append(top.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 1 {
				return nil, fmt.Errorf("unbalanced end element %s", t.Name.Local)
			}
			top.text = strings.TrimSpace(top.text)
			stack = stack[:len(stack)-1]
		case xml.CharData:
			top.text += string(t)
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("unterminated element %s", stack[len(stack)-1].name)
	}
	return root, nil
}

func (n *xmlNode) child(name string) *xmlNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *xmlNode) matches(seg engine.PathSegment) bool {
	if n.name != seg.Name {
		return false
	}
	for _, kv := range seg.Keys {
		k := n.child(kv.Key)
		if k == nil || k.text != kv.Value {
			return false
		}
	}
	return true
}

// decodeNode finds the node at segments inside a get-config reply and converts
// it to a JSON-compatible value. A leaf-list yields a slice.
func decodeNode(data string, segments []engine.PathSegment) (any, bool, error) {
	root, err := parseXML(data)
	if err != nil {
		return nil, false, err
	}
	if d := root.child("data"); d != nil {
		root = d
	}

	candidates := []*xmlNode{root}
	for _, seg := range segments {
		var next []*xmlNode
		for _, parent := range candidates {
			for _, c := range parent.children {
				if c.matches(seg) {
					next = append(next, c)
				}
			}
		}
		if len(next) == 0 {
			return nil, false, nil
		}
		candidates = next
	}

	if len(candidates) == 1 {
		return candidates[0].value(), true, nil
	}
	items := make([]any, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, c.value())
	}
	return items, true, nil
}

func (n *xmlNode) value() any {
	if len(n.children) == 0 {
		if n.text == "" {
			return nil
		}
		return inferScalar(n.text)
	}

	out := make(map[string]any, len(n.children))
	for _, c := range n.children {
		v := c.value()
		existing, seen := out[c.name]
		switch {
		case !seen:
			out[c.name] = v
		default:
			if list, ok := existing.([]any); ok {
				out[c.name] = append(list, v)
			} else {
				out[c.name] = []any{existing, v}
			}
		}
	}
	return out
}

// inferScalar turns leaf text back into a bool or number only when the text is
// already in canonical form, so "01" or "1e3" stay strings.
func inferScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && strconv.FormatFloat(f, 'f', -1, 64) == s {
		return f
	}
	return s
}

// Package resolve implements step-output reference templates. A step's input
// payload may embed tokens of the form ref(stepIndex, dotted.path); templates
// are parsed once into a typed node tree at plan-acceptance time and resolved
// against the mission's recorded step outputs on every dispatch.
package resolve

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var refPattern = regexp.MustCompile(`ref\(\s*(\d+)\s*,\s*([^)\s][^)]*?)\s*\)`)

type node interface{ isNode() }

// literal is a value with no references; returned as-is.
type literal struct{ value any }

// reference is a string field that consists of exactly one ref token; it
// resolves to the referenced value's native type.
type reference struct {
	step int
	path string
	raw  string
}

// interpolation is a string with one or more embedded ref tokens; every
// resolved value is rendered into the surrounding text.
type interpolation struct{ segments []segment }

type segment struct {
	text string
	ref  *reference
}

type mapNode struct{ entries map[string]node }

type listNode struct{ items []node }

func (literal) isNode()       {}
func (reference) isNode()     {}
func (interpolation) isNode() {}
func (mapNode) isNode()       {}
func (listNode) isNode()      {}

// Template is a parsed input payload.
type Template struct {
	root mapNode
	refs []reference
}

// Parse walks the payload once and classifies every string value as a
// literal, a whole-field reference, or an interpolation.
func Parse(payload map[string]any) *Template {
	t := &Template{}
	t.root = t.parseMap(payload)
	return t
}

func (t *Template) parseMap(in map[string]any) mapNode {
	entries := make(map[string]node, len(in))
	for k, v := range in {
		entries[k] = t.parseValue(v)
	}
	return mapNode{entries: entries}
}

func (t *Template) parseValue(v any) node {
	switch tv := v.(type) {
	case string:
		return t.parseString(tv)
	case map[string]any:
		return t.parseMap(tv)
	case []any:
		items := make([]node, len(tv))
		for i, item := range tv {
			items[i] = t.parseValue(item)
		}
		return listNode{items: items}
	default:
		return literal{value: v}
	}
}

func (t *Template) parseString(s string) node {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return literal{value: s}
	}

	buildRef := func(m []int) reference {
		step, _ := strconv.Atoi(s[m[2]:m[3]])
		ref := reference{
			step: step,
			path: strings.TrimSpace(s[m[4]:m[5]]),
			raw:  s[m[0]:m[1]],
		}
		t.refs = append(t.refs, ref)
		return ref
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return buildRef(matches[0])
	}

	var segs []segment
	last := 0
	for _, m := range matches {
		if m[0] > last {
			segs = append(segs, segment{text: s[last:m[0]]})
		}
		ref := buildRef(m)
		segs = append(segs, segment{ref: &ref})
		last = m[1]
	}
	if last < len(s) {
		segs = append(segs, segment{text: s[last:]})
	}
	return interpolation{segments: segs}
}

// HasRefs reports whether the template contains any reference tokens.
func (t *Template) HasRefs() bool { return len(t.refs) > 0 }

// MaxStep returns the highest step index referenced, or -1 when there are
// no references. Used at plan acceptance to reject forward references.
func (t *Template) MaxStep() int {
	max := -1
	for _, r := range t.refs {
		if r.step > max {
			max = r.step
		}
	}
	return max
}

// resolution carries per-call state: outputs plus memoized JSON encodings.
type resolution struct {
	outputs map[int]map[string]any
	encoded map[int][]byte
	logger  *log.Logger
}

func (r *resolution) lookup(ref reference) (any, bool) {
	out, ok := r.outputs[ref.step]
	if !ok {
		return nil, false
	}
	raw, ok := r.encoded[ref.step]
	if !ok {
		var err error
		raw, err = json.Marshal(out)
		if err != nil {
			return nil, false
		}
		r.encoded[ref.step] = raw
	}
	res := gjson.GetBytes(raw, ref.path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Resolve substitutes every reference against the recorded outputs. A
// missing output or unresolvable path leaves the token verbatim and logs a
// warning; execution continues and the target worker sees the raw token.
func (t *Template) Resolve(outputs map[int]map[string]any, logger *log.Logger) map[string]any {
	if logger == nil {
		logger = log.Default()
	}
	r := &resolution{
		outputs: outputs,
		encoded: make(map[int][]byte),
		logger:  logger,
	}
	return resolveMap(t.root, r)
}

func resolveMap(n mapNode, r *resolution) map[string]any {
	out := make(map[string]any, len(n.entries))
	for k, child := range n.entries {
		out[k] = resolveValue(child, r)
	}
	return out
}

func resolveValue(n node, r *resolution) any {
	switch tn := n.(type) {
	case literal:
		return tn.value
	case reference:
		v, ok := r.lookup(tn)
		if !ok {
			r.logger.Printf("unresolved reference %s (step %d, path %q)", tn.raw, tn.step, tn.path)
			return tn.raw
		}
		return v
	case interpolation:
		var b strings.Builder
		for _, seg := range tn.segments {
			if seg.ref == nil {
				b.WriteString(seg.text)
				continue
			}
			v, ok := r.lookup(*seg.ref)
			if !ok {
				r.logger.Printf("unresolved reference %s (step %d, path %q)", seg.ref.raw, seg.ref.step, seg.ref.path)
				b.WriteString(seg.ref.raw)
				continue
			}
			b.WriteString(stringify(v))
		}
		return b.String()
	case mapNode:
		return resolveMap(tn, r)
	case listNode:
		items := make([]any, len(tn.items))
		for i, item := range tn.items {
			items[i] = resolveValue(item, r)
		}
		return items
	default:
		return nil
	}
}

func stringify(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(raw)
	}
}

package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// JSON pointer helpers (RFC 6901). Changed paths are always pointers.

// EscapePointerToken escapes '~' and '/' inside one pointer segment.
func EscapePointerToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	return strings.ReplaceAll(tok, "/", "~1")
}

// UnescapePointerToken reverses EscapePointerToken.
func UnescapePointerToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	return strings.ReplaceAll(tok, "~0", "~")
}

// JoinPointer appends one raw segment to a pointer.
func JoinPointer(parent, tok string) string {
	return parent + "/" + EscapePointerToken(tok)
}

// SplitPointer returns the unescaped segments of a pointer. The root
// pointer ("" or "/") has no segments.
func SplitPointer(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = UnescapePointerToken(part)
	}
	return parts
}

// stepKind distinguishes selector steps.
type stepKind int

const (
	stepKey stepKind = iota + 1
	stepIndex
	stepWildcard
)

type step struct {
	kind  stepKind
	key   string
	index int
}

// Selector is a parsed field path used by build rules, join source fields
// and index specs.
//
// Accepted syntax:
//
//	title                dot path
//	brand.name           nested
//	$.brand.name         optional root marker
//	items[*].sku         every element of an array
//	images[0].url        fixed element
//	/brand/name          JSON pointer form
type Selector struct {
	raw      string
	steps    []step
	wildcard bool
}

// ParseSelector parses a field path. Empty paths are rejected.
func ParseSelector(path string) (Selector, error) {
	raw := path
	path = strings.TrimSpace(path)
	if path == "" || path == "$" {
		return Selector{}, fmt.Errorf("selector: empty path")
	}

	sel := Selector{raw: raw}

	if strings.HasPrefix(path, "/") {
		for _, seg := range SplitPointer(path) {
			if seg == "*" {
				sel.steps = append(sel.steps, step{kind: stepWildcard})
				sel.wildcard = true
				continue
			}
			sel.steps = append(sel.steps, step{kind: stepKey, key: seg})
		}
		if len(sel.steps) == 0 {
			return Selector{}, fmt.Errorf("selector %q: root pointer selects nothing", raw)
		}
		return sel, nil
	}

	path = strings.TrimPrefix(path, "$.")
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return Selector{}, fmt.Errorf("selector %q: empty segment", raw)
		}
		name, rest, hasBracket := strings.Cut(seg, "[")
		if name != "" {
			sel.steps = append(sel.steps, step{kind: stepKey, key: name})
		}
		for hasBracket {
			inner, after, ok := strings.Cut(rest, "]")
			if !ok {
				return Selector{}, fmt.Errorf("selector %q: unbalanced '['", raw)
			}
			switch inner {
			case "*":
				sel.steps = append(sel.steps, step{kind: stepWildcard})
				sel.wildcard = true
			default:
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return Selector{}, fmt.Errorf("selector %q: invalid index %q", raw, inner)
				}
				sel.steps = append(sel.steps, step{kind: stepIndex, index: n})
			}
			if after == "" {
				break
			}
			if !strings.HasPrefix(after, "[") {
				return Selector{}, fmt.Errorf("selector %q: unexpected %q after ']'", raw, after)
			}
			rest = after[1:]
		}
	}
	return sel, nil
}

// MustParseSelector is like ParseSelector but panics on error.
// Use only in tests or with constant paths.
func MustParseSelector(path string) Selector {
	sel, err := ParseSelector(path)
	if err != nil {
		panic(err)
	}
	return sel
}

// HasWildcard reports whether the selector can match more than one value.
func (s Selector) HasWildcard() bool {
	return s.wildcard
}

// String returns the path as written.
func (s Selector) String() string {
	return s.raw
}

// Select returns every value the selector matches, in document order.
// Missing keys and out-of-range indexes produce no match rather than an
// error.
func (s Selector) Select(v IRValue) []IRValue {
	current := []IRValue{v}
	for _, st := range s.steps {
		var next []IRValue
		for _, cur := range current {
			switch st.kind {
			case stepKey:
				obj, ok := cur.(IRObject)
				if !ok {
					continue
				}
				if child, ok := obj[st.key]; ok {
					next = append(next, child)
				}
			case stepIndex:
				arr, ok := cur.(IRArray)
				if !ok || st.index >= len(arr) {
					continue
				}
				next = append(next, arr[st.index])
			case stepWildcard:
				arr, ok := cur.(IRArray)
				if !ok {
					continue
				}
				next = append(next, arr...)
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

// Lookup returns the first value matched by the selector.
func (s Selector) Lookup(v IRValue) (IRValue, bool) {
	matches := s.Select(v)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// SetPath assigns value at a dot path inside obj, creating intermediate
// objects. Only plain keys are supported; this is used for MapFields targets.
func SetPath(obj IRObject, path string, value IRValue) error {
	segs := strings.Split(strings.TrimPrefix(path, "$."), ".")
	cur := obj
	for i, seg := range segs {
		if seg == "" || strings.ContainsAny(seg, "[]") {
			return fmt.Errorf("target path %q: only plain dotted keys are allowed", path)
		}
		if i == len(segs)-1 {
			cur[seg] = value
			return nil
		}
		child, ok := cur[seg].(IRObject)
		if !ok {
			if _, exists := cur[seg]; exists {
				return fmt.Errorf("target path %q: %q is not an object", path, seg)
			}
			child = IRObject{}
			cur[seg] = child
		}
		cur = child
	}
	return nil
}

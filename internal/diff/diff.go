// Package diff computes and applies patches between JSON-shaped task snapshots.
//
// Values are the shapes produced by encoding/json when decoding into any:
// map[string]any, []any, string, float64, bool and nil. Integer kinds and
// json.Number are accepted as well and compare by numeric value.
//
// Merge and Diff are pure: they never mutate their inputs and their results
// share no mutable structure with them.
package diff

import (
	"encoding/json"
	"math"
)

// MaxDepth bounds recursion. Snapshots decoded from JSON cannot be cyclic, so
// the bound only matters for values assembled by hand.
const MaxDepth = 256

// Merge applies patch on top of base.
//
// Mapping keys present in patch overwrite or recursively merge into base;
// keys absent from patch are kept. Sequences merge element-wise up to the
// longer length, and a nil patch element keeps the base element (a patch
// cannot set an array element to null). Scalars are replaced.
// A nil patch returns a copy of base.
func Merge(base, patch any) any {
	if patch == nil {
		return Clone(base)
	}
	return merge(base, patch, 0)
}

func merge(base, patch any, depth int) any {
	if base == nil || depth > MaxDepth {
		return Clone(patch)
	}

	switch p := patch.(type) {
	case map[string]any:
		b, ok := base.(map[string]any)
		if !ok {
			return Clone(p)
		}
		out := make(map[string]any, len(b)+len(p))
		for k, v := range b {
			out[k] = Clone(v)
		}
		for k, v := range p {
			if isComposite(v) {
				out[k] = merge(b[k], v, depth+1)
			} else {
				out[k] = v
			}
		}
		return out

	case []any:
		b, ok := base.([]any)
		if !ok {
			return Clone(p)
		}
		out := make([]any, max(len(b), len(p)))
		for i := range out {
			var bv, pv any
			if i < len(b) {
				bv = b[i]
			}
			if i < len(p) {
				pv = p[i]
			}
			switch {
			case pv == nil:
				out[i] = Clone(bv)
			case isComposite(pv):
				out[i] = merge(bv, pv, depth+1)
			default:
				out[i] = pv
			}
		}
		return out

	default:
		return patch
	}
}

// Diff returns the patch that turns prev into next when merged onto prev.
//
// Keys whose values are equal are omitted. Composite values present on both
// sides are diffed recursively and dropped when nothing changed inside them.
// Keys only present in next, or explicitly nil in next, are copied verbatim.
// Keys missing from next are not represented: a patch cannot delete.
// Unchanged sequence positions are nil in the patch.
//
// Equal inputs produce an empty patch ([]any{} for sequences, an empty map
// otherwise).
func Diff(prev, next any) any {
	if Equal(prev, next) {
		if _, ok := prev.([]any); ok {
			return []any{}
		}
		return map[string]any{}
	}
	return diff(prev, next, 0)
}

func diff(prev, next any, depth int) any {
	if depth > MaxDepth {
		return Clone(next)
	}

	switch n := next.(type) {
	case map[string]any:
		p, ok := prev.(map[string]any)
		if !ok {
			return Clone(n)
		}
		out := make(map[string]any)
		for k, pv := range p {
			nv, ok := n[k]
			if !ok || Equal(pv, nv) {
				continue
			}
			if sameComposite(pv, nv) {
				if d := diff(pv, nv, depth+1); !IsEmpty(d) {
					out[k] = d
				}
				continue
			}
			out[k] = Clone(nv)
		}
		for k, nv := range n {
			if _, ok := p[k]; !ok || nv == nil {
				out[k] = Clone(nv)
			}
		}
		return out

	case []any:
		p, ok := prev.([]any)
		if !ok {
			return Clone(n)
		}
		out := make([]any, len(n))
		for i, nv := range n {
			if i >= len(p) {
				out[i] = Clone(nv)
				continue
			}
			pv := p[i]
			switch {
			case Equal(pv, nv):
			case sameComposite(pv, nv):
				if d := diff(pv, nv, depth+1); !IsEmpty(d) {
					out[i] = d
				}
			default:
				out[i] = Clone(nv)
			}
		}
		return out

	default:
		return next
	}
}

// IsEmpty reports whether a patch carries no change: an empty map, an empty
// sequence, or a sequence holding only nils.
func IsEmpty(patch any) bool {
	switch p := patch.(type) {
	case map[string]any:
		return len(p) == 0
	case []any:
		for _, v := range p {
			if v != nil {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Equal reports deep structural equality.
func Equal(a, b any) bool {
	return equal(a, b, 0)
}

func equal(a, b any, depth int) bool {
	if depth > MaxDepth {
		return true
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !equal(v, w, depth+1) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i], depth+1) {
				return false
			}
		}
		return true
	}

	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	return a == b
}

// Clone returns a deep copy of a JSON-shaped value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func sameComposite(a, b any) bool {
	switch a.(type) {
	case map[string]any:
		_, ok := b.(map[string]any)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

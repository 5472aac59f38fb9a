package remote

import (
	"math"
	"sort"
	"strconv"
)

// Snapshot is an immutable view of one node of the tree and its subtree.
//
// A snapshot of a missing node is valid: Exists reports false and every
// accessor returns its default. Values held by a snapshot must not be
// mutated; use Clone when a private copy is needed.
type Snapshot struct {
	key   string
	value any
}

// NewSnapshot wraps value for the node named key. The value is normalized;
// anything outside the tree data model yields a non-existent snapshot.
func NewSnapshot(key string, value any) Snapshot {
	n, err := Normalize(value)
	if err != nil {
		n = nil
	}
	return Snapshot{key: key, value: n}
}

// Wrap builds a snapshot from a value that is already normalized. The value
// is not copied, so callers must not modify it afterwards.
func Wrap(key string, value any) Snapshot {
	return Snapshot{key: key, value: value}
}

// Key returns the last path segment of the node.
func (s Snapshot) Key() string { return s.key }

// Exists reports whether the node holds a value.
func (s Snapshot) Exists() bool { return s.value != nil }

// Value returns the raw normalized value.
func (s Snapshot) Value() any { return s.value }

// IsObject reports whether the node is an object with children.
func (s Snapshot) IsObject() bool {
	_, ok := s.value.(map[string]any)
	return ok
}

// Child returns the snapshot at a relative path below this node.
func (s Snapshot) Child(path string) Snapshot {
	segs := Split(path)
	cur := s.value
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			cur = nil
			break
		}
		cur = m[seg]
	}
	key := s.key
	if len(segs) > 0 {
		key = segs[len(segs)-1]
	}
	return Wrap(key, cur)
}

// HasChild reports whether the relative path exists below this node.
func (s Snapshot) HasChild(path string) bool {
	return s.Child(path).Exists()
}

// NumChildren returns the number of direct children.
func (s Snapshot) NumChildren() int {
	m, _ := s.value.(map[string]any)
	return len(m)
}

// Children returns the direct children in key order: integer-like keys
// first in numeric order, then all other keys lexicographically.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	SortKeys(keys)

	out := make([]Snapshot, len(keys))
	for i, k := range keys {
		out[i] = Wrap(k, m[k])
	}
	return out
}

// Float returns the node as a number, or def if it is missing or not numeric.
func (s Snapshot) Float(def float64) float64 {
	if f, ok := s.value.(float64); ok {
		return f
	}
	return def
}

// Int64 returns the node as an integer, or def if it is missing, not
// numeric or not integral.
func (s Snapshot) Int64(def int64) int64 {
	f, ok := s.value.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return def
	}
	return int64(f)
}

// Bool returns the node as a boolean, or def if it is missing or not a boolean.
func (s Snapshot) Bool(def bool) bool {
	if b, ok := s.value.(bool); ok {
		return b
	}
	return def
}

// String returns the node as a string, or def if it is missing or not a string.
func (s Snapshot) String(def string) string {
	if str, ok := s.value.(string); ok {
		return str
	}
	return def
}

// Map returns a private copy of the node's object value, or nil.
func (s Snapshot) Map() map[string]any {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	out, _ := Clone(m).(map[string]any)
	return out
}

// SortKeys orders keys the way Children does.
func SortKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		return keyLess(keys[i], keys[j])
	})
}

func keyLess(a, b string) bool {
	ai, aInt := intKey(a)
	bi, bInt := intKey(b)
	switch {
	case aInt && bInt:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aInt:
		return true
	case bInt:
		return false
	default:
		return a < b
	}
}

// intKey parses canonical decimal integers ("0", "17", "-3"); keys with
// leading zeros or a plus sign sort as strings.
func intKey(k string) (int64, bool) {
	n, err := strconv.ParseInt(k, 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != k {
		return 0, false
	}
	return n, true
}

// Query restricts the children delivered for a listened path.
type Query struct {
	// LimitToLast keeps only the last N children in key order. Zero means no limit.
	LimitToLast int
}

// Apply returns s restricted by the query.
func (q Query) Apply(s Snapshot) Snapshot {
	if q.LimitToLast <= 0 {
		return s
	}
	m, ok := s.value.(map[string]any)
	if !ok || len(m) <= q.LimitToLast {
		return s
	}
	children := s.Children()
	kept := make(map[string]any, q.LimitToLast)
	for _, c := range children[len(children)-q.LimitToLast:] {
		kept[c.key] = c.value
	}
	return Wrap(s.key, kept)
}

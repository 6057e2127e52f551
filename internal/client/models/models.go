// Package models defines the sync engine's data model: mutations, versioned
// records, snapshots, remote changes and push outcomes.
package models

import (
	"maps"
	"slices"
	"strings"
)

// EntityKey identifies one synchronized entity, e.g. {"pet", "pet-1"}.
type EntityKey struct {
	Kind string
	ID   string
}

func (k EntityKey) String() string { return k.Kind + "/" + k.ID }

// Compare orders keys by kind, then id.
func (k EntityKey) Compare(o EntityKey) int {
	if c := strings.Compare(k.Kind, o.Kind); c != 0 {
		return c
	}
	return strings.Compare(k.ID, o.ID)
}

// Patch is a partial field→value map. Values are normalized through the
// codec before they are stored.
type Patch map[string]any

// FieldTimestamps maps a field to its server-assigned timestamp.
type FieldTimestamps map[string]int64

// FieldWriters maps a field to the device that last wrote it.
type FieldWriters map[string]string

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// CloneValue deep-copies the container types a normalized value can hold.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = CloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []byte:
		return slices.Clone(t)
	default:
		return v
	}
}

func (p Patch) Clone() Patch {
	if p == nil {
		return nil
	}
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = CloneValue(v)
	}
	return out
}

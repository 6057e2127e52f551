package cache

import (
	"encoding/json"
	"reflect"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/wI2L/jsondiff"
)

// changedPaths lists the JSON pointers that differ between the visible
// fields of two versions of a record. The second result is false when
// nothing visible changed.
func changedPaths(before, after *models.VersionedRecord) ([]string, bool) {
	if before == nil && after == nil {
		return nil, false
	}

	src, dst := fieldsOf(before), fieldsOf(after)
	a, errA := json.Marshal(src)
	b, errB := json.Marshal(dst)
	if errA != nil || errB != nil {
		changed := (before == nil) != (after == nil) || !reflect.DeepEqual(src, dst)
		return nil, changed
	}

	ops, err := jsondiff.CompareJSON(a, b)
	if err != nil {
		return nil, (before == nil) != (after == nil) || !reflect.DeepEqual(src, dst)
	}

	paths := make([]string, 0, len(ops))
	for _, op := range ops {
		paths = append(paths, string(op.Path))
	}
	return paths, len(paths) > 0 || (before == nil) != (after == nil)
}

func fieldsOf(r *models.VersionedRecord) map[string]any {
	if r == nil {
		return map[string]any{}
	}
	return r.Fields
}

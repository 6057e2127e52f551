package cache

import "github.com/dmitrijs2005/petsync/internal/client/models"

// Materialize replays the outstanding mutations of one entity over its
// authoritative record, in the order given (LocalSeq order). It never
// modifies its inputs, so the same inputs always produce an equal result.
// It returns nil when the entity is unknown and nothing pending writes it.
func Materialize(base *models.VersionedRecord, pending []*models.Mutation) *models.VersionedRecord {
	var view *models.VersionedRecord
	if base != nil {
		view = base.Clone()
	}

	for _, m := range pending {
		patch := m.EffectivePatch()
		if len(patch) == 0 {
			continue
		}
		if view == nil {
			view = models.NewRecord()
		}
		for f, v := range patch {
			view.Fields[f] = models.CloneValue(v)
		}
	}
	return view
}

// groupByEntity splits outstanding mutations per entity, keeping order.
func groupByEntity(outstanding []*models.Mutation) map[models.EntityKey][]*models.Mutation {
	out := make(map[models.EntityKey][]*models.Mutation)
	for _, m := range outstanding {
		out[m.Entity] = append(out[m.Entity], m)
	}
	return out
}

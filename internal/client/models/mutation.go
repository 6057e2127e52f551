package models

import (
	"slices"
	"time"
)

type MutationStatus string

const (
	StatusPending   MutationStatus = "pending"
	StatusInFlight  MutationStatus = "in-flight"
	StatusConfirmed MutationStatus = "confirmed"
	StatusFailed    MutationStatus = "failed"
)

// CanTransition reports whether a mutation may move from s to next.
// Confirmed is terminal; failed may only be requeued to pending. In-flight
// goes back to pending only when a restart finds an unfinished push.
func (s MutationStatus) CanTransition(next MutationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusInFlight
	case StatusInFlight:
		return next == StatusConfirmed || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// Active reports whether a mutation in this status still shapes the local
// view.
func (s MutationStatus) Active() bool {
	return s == StatusPending || s == StatusInFlight
}

// Mutation is a single local edit intent. Its patch never changes after
// enqueue; fields superseded by a remote winner are listed in Dropped.
type Mutation struct {
	ID     string
	Entity EntityKey
	Patch  Patch

	// BaseTimestamps holds the authoritative timestamp of every patched
	// field as seen when the mutation was created (0 for unseen fields).
	BaseTimestamps FieldTimestamps

	LocalSeq        int64
	ClientTimestamp time.Time
	DeviceID        string
	Status          MutationStatus
	Dropped         []string
	Reason          string
	UpdatedAt       time.Time
}

// EffectivePatch is the patch without dropped fields.
func (m *Mutation) EffectivePatch() Patch {
	if len(m.Dropped) == 0 {
		return m.Patch
	}
	out := make(Patch, len(m.Patch))
	for k, v := range m.Patch {
		if !slices.Contains(m.Dropped, k) {
			out[k] = v
		}
	}
	return out
}

// Touches reports whether the effective patch writes field.
func (m *Mutation) Touches(field string) bool {
	if _, ok := m.Patch[field]; !ok {
		return false
	}
	return !slices.Contains(m.Dropped, field)
}

// Clone returns a copy that shares nothing mutable with m.
func (m *Mutation) Clone() *Mutation {
	c := *m
	c.Patch = m.Patch.Clone()
	if m.BaseTimestamps != nil {
		c.BaseTimestamps = make(FieldTimestamps, len(m.BaseTimestamps))
		for k, v := range m.BaseTimestamps {
			c.BaseTimestamps[k] = v
		}
	}
	c.Dropped = slices.Clone(m.Dropped)
	return &c
}

// Package unlock computes per-unit access for ordered course content. With
// linear progression enabled a unit opens only once its predecessor is
// completed; otherwise everything is open.
package unlock

import (
	"errors"
	"sort"
	"time"
)

// ErrContainerNotFound is returned when the container's linear-progression
// flag cannot be resolved. Callers must treat it as deny-all, never as
// grant-all.
var ErrContainerNotFound = errors.New("unlock: container not found")

// ContentUnit is a module or lesson inside a container, ordered by
// OrderIndex.
type ContentUnit struct {
	ID          string
	ContainerID string
	OrderIndex  int
}

// CompletionRecord marks a unit finished by a principal. Records are written
// once and never mutated or deleted.
type CompletionRecord struct {
	PrincipalID string
	UnitID      string
	CompletedAt time.Time
}

// ComputeAccessMap derives unit-by-unit access. It is pure and cheap; on any
// input change callers recompute from scratch rather than patching a stale
// map.
//
// Rules with linearProgression enabled: units sort by OrderIndex ascending
// (ties broken by ID so the result is deterministic), the first unit is
// always open, and unit i opens iff unit i-1 has a completion record. A
// unit's own completion never affects its own access.
func ComputeAccessMap(units []ContentUnit, completions []CompletionRecord, linearProgression bool) map[string]bool {
	access := make(map[string]bool, len(units))
	if len(units) == 0 {
		return access
	}

	if !linearProgression {
		for _, u := range units {
			access[u.ID] = true
		}
		return access
	}

	ordered := make([]ContentUnit, len(units))
	copy(ordered, units)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].OrderIndex != ordered[j].OrderIndex {
			return ordered[i].OrderIndex < ordered[j].OrderIndex
		}
		return ordered[i].ID < ordered[j].ID
	})

	completed := make(map[string]struct{}, len(completions))
	for _, c := range completions {
		completed[c.UnitID] = struct{}{}
	}

	access[ordered[0].ID] = true
	for i := 1; i < len(ordered); i++ {
		_, prevDone := completed[ordered[i-1].ID]
		access[ordered[i].ID] = prevDone
	}
	return access
}

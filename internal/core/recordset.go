package core

import (
	"fmt"
	"iter"
	"sync/atomic"
	"time"
)

// snapshotGeneration is one fully built, immutable load.
type snapshotGeneration struct {
	index    *EffectiveDateIndex
	number   uint64
	loadedAt time.Time
}

// RecordSet stores the warehouse snapshot rows of one entity type.
//
// Load builds a complete index off-line and then swaps a single pointer, so
// readers never block on a load and never see a mix of old and new rows.
type RecordSet struct {
	entityType string
	current    atomic.Pointer[snapshotGeneration]
	loads      atomic.Uint64
	now        func() time.Time
}

// NewRecordSet creates an empty record set for an entity type.
func NewRecordSet(entityType string) *RecordSet {
	rs := &RecordSet{entityType: entityType, now: time.Now}
	rs.current.Store(&snapshotGeneration{index: buildIndex(nil)})
	return rs
}

// EntityType returns the entity type this set holds.
func (rs *RecordSet) EntityType() string { return rs.entityType }

// Load atomically replaces the entire set with rows. It fails with a
// *ValidationError when rows are ambiguous; the previous set then stays active.
func (rs *RecordSet) Load(rows []SnapshotRow) error {
	if err := validateSnapshot(rs.entityType, rows); err != nil {
		return err
	}

	copied := make([]SnapshotRow, len(rows))
	for i, r := range rows {
		copied[i] = r.clone()
	}

	gen := &snapshotGeneration{
		index:    buildIndex(copied),
		number:   rs.loads.Add(1),
		loadedAt: rs.now(),
	}
	rs.current.Store(gen)
	return nil
}

// validateSnapshot rejects rows that would make selection ambiguous:
// duplicate (key, date, sequence) versions, more than one most-recent marker
// per (key, date), or attribute names that differ only by case.
func validateSnapshot(entityType string, rows []SnapshotRow) error {
	type versionKey struct {
		key  string
		date Date
		seq  int
	}
	type dateKey struct {
		key  string
		date Date
	}

	verr := &ValidationError{EntityType: entityType}
	versions := make(map[versionKey]int, len(rows))
	mostRecent := make(map[dateKey]int)

	for i, r := range rows {
		field := fmt.Sprintf("row %d", i+1)
		if !r.Key.Valid() {
			verr.add(field, r.Key.String(), "natural key is empty or has an empty part")
			continue
		}
		if r.EffectiveDate.IsZero() {
			verr.add(field, r.Key.String(), "effective date is required")
			continue
		}

		if a, b, ok := attributeCollision(r.Attributes); ok {
			verr.add(field, r.Key.String(), "attributes %q and %q differ only by case", a, b)
		}

		vk := versionKey{key: r.Key.mapKey(), date: r.EffectiveDate, seq: r.EffectiveSequence}
		if first, dup := versions[vk]; dup {
			verr.add(field, r.Key.String(),
				"duplicate version: effective date %s sequence %d already used by row %d",
				r.EffectiveDate, r.EffectiveSequence, first)
		} else {
			versions[vk] = i + 1
		}

		if r.IsMostRecent {
			dk := dateKey{key: r.Key.mapKey(), date: r.EffectiveDate}
			if first, dup := mostRecent[dk]; dup {
				verr.add(field, r.Key.String(),
					"more than one most-recent row for effective date %s (first at row %d)",
					r.EffectiveDate, first)
			} else {
				mostRecent[dk] = i + 1
			}
		}
	}

	return verr.orNil()
}

// MostRecentFor returns the row in force for key as of asOf: the greatest
// effective date <= asOf, preferring the most-recent marker and then the
// highest sequence at that date. False means the entity did not exist yet.
func (rs *RecordSet) MostRecentFor(key NaturalKey, asOf Date) (SnapshotRow, bool) {
	return rs.Index().Lookup(key, asOf)
}

// Index returns the currently active index. The returned index is immutable
// and stays valid after later loads; callers can pin it for a batch of reads.
func (rs *RecordSet) Index() *EffectiveDateIndex {
	return rs.current.Load().index
}

// History yields every row for key in (EffectiveDate, EffectiveSequence) order.
func (rs *RecordSet) History(key NaturalKey) iter.Seq[SnapshotRow] {
	return rs.Index().History(key)
}

// Len returns the number of rows in the active set.
func (rs *RecordSet) Len() int { return rs.Index().Len() }

// Keys returns the natural keys in the active set.
func (rs *RecordSet) Keys() []NaturalKey { return rs.Index().Keys() }

// Generation returns the number of successful loads so far.
func (rs *RecordSet) Generation() uint64 { return rs.current.Load().number }

// LoadedAt returns when the active set was loaded (zero before the first load).
func (rs *RecordSet) LoadedAt() time.Time { return rs.current.Load().loadedAt }

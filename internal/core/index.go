package core

import (
	"iter"
	"sort"
)

// dateGroup holds every row of one key that shares an effective date, plus
// the row that wins selection at that date.
type dateGroup struct {
	date   Date
	rows   []SnapshotRow // ascending by EffectiveSequence
	winner int           // index into rows
}

// keyHistory is the sorted history of one natural key.
type keyHistory struct {
	key    NaturalKey
	groups []dateGroup // ascending by date
}

// EffectiveDateIndex answers "which row applies to key K as of date D".
// It is immutable once built; RecordSet swaps whole indexes on reload.
type EffectiveDateIndex struct {
	byKey map[string]*keyHistory
	rows  int
}

// buildIndex sorts rows per key by (EffectiveDate, EffectiveSequence) and
// precomputes the winner of every date group. Ties are broken by sequence,
// never by input order, because reloads do not preserve row order.
// The rows must already be validated.
func buildIndex(rows []SnapshotRow) *EffectiveDateIndex {
	perKey := make(map[string][]SnapshotRow)
	keys := make(map[string]NaturalKey)
	for _, r := range rows {
		mk := r.Key.mapKey()
		perKey[mk] = append(perKey[mk], r)
		keys[mk] = r.Key
	}

	idx := &EffectiveDateIndex{
		byKey: make(map[string]*keyHistory, len(perKey)),
		rows:  len(rows),
	}

	for mk, krows := range perKey {
		sort.Slice(krows, func(i, j int) bool {
			if c := krows[i].EffectiveDate.Compare(krows[j].EffectiveDate); c != 0 {
				return c < 0
			}
			return krows[i].EffectiveSequence < krows[j].EffectiveSequence
		})

		h := &keyHistory{key: keys[mk]}
		start := 0
		for i := 1; i <= len(krows); i++ {
			if i < len(krows) && krows[i].EffectiveDate.Equal(krows[start].EffectiveDate) {
				continue
			}
			group := krows[start:i]
			h.groups = append(h.groups, dateGroup{
				date:   group[0].EffectiveDate,
				rows:   group,
				winner: pickWinner(group),
			})
			start = i
		}
		idx.byKey[mk] = h
	}

	return idx
}

// pickWinner prefers the row flagged most-recent, then the highest sequence.
// group is sorted by ascending sequence.
func pickWinner(group []SnapshotRow) int {
	for i, r := range group {
		if r.IsMostRecent {
			return i
		}
	}
	return len(group) - 1
}

// Lookup returns the row with the greatest effective date <= asOf.
func (x *EffectiveDateIndex) Lookup(key NaturalKey, asOf Date) (SnapshotRow, bool) {
	if x == nil {
		return SnapshotRow{}, false
	}
	h, ok := x.byKey[key.mapKey()]
	if !ok {
		return SnapshotRow{}, false
	}

	// First group strictly after asOf; the one before it applies.
	i := sort.Search(len(h.groups), func(i int) bool {
		return h.groups[i].date.After(asOf)
	})
	if i == 0 {
		return SnapshotRow{}, false
	}
	g := h.groups[i-1]
	return g.rows[g.winner], true
}

// History yields every row for key ordered by (EffectiveDate, EffectiveSequence).
// The sequence is finite and may be ranged over any number of times.
func (x *EffectiveDateIndex) History(key NaturalKey) iter.Seq[SnapshotRow] {
	return func(yield func(SnapshotRow) bool) {
		if x == nil {
			return
		}
		h, ok := x.byKey[key.mapKey()]
		if !ok {
			return
		}
		for _, g := range h.groups {
			for _, r := range g.rows {
				if !yield(r) {
					return
				}
			}
		}
	}
}

// Keys returns every natural key in the index, ordered by display form.
func (x *EffectiveDateIndex) Keys() []NaturalKey {
	if x == nil {
		return nil
	}
	keys := make([]NaturalKey, 0, len(x.byKey))
	for _, h := range x.byKey {
		keys = append(keys, h.key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of indexed rows.
func (x *EffectiveDateIndex) Len() int {
	if x == nil {
		return 0
	}
	return x.rows
}

// KeyCount returns the number of distinct natural keys.
func (x *EffectiveDateIndex) KeyCount() int {
	if x == nil {
		return 0
	}
	return len(x.byKey)
}

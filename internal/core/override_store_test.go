package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testJob is a job entity with an overridable department code.
var testJob = EntityType{
	Name:       "job",
	Group:      "UCPath",
	Label:      "Job",
	KeyColumns: []string{"emplid", "empl_rcd"},
	Attributes: []AttributeSpec{
		{Name: "deptCode", Type: FieldText},
		{Name: "fte", Type: FieldNumeric},
		{Name: "emplid", Type: FieldText, ReadOnly: true},
	},
	Overridable: true,
}

func actorCtx() context.Context {
	return ContextWithActor(context.Background(), "jdoe")
}

func datePtr(s string) *Date {
	d := MustParseDate(s)
	return &d
}

func deptOverride(key NaturalKey, value, from string, to string) OverrideRecord {
	rec := OverrideRecord{
		Key:           key,
		Attribute:     "deptCode",
		Value:         TextValue(value),
		EffectiveFrom: MustParseDate(from),
	}
	if to != "" {
		rec.EffectiveTo = datePtr(to)
	}
	return rec
}

func newTestStore(t *testing.T) (*OverrideStore, *MemoryAuditTrail) {
	t.Helper()
	trail := NewMemoryAuditTrail()
	return NewOverrideStore(testJob, trail), trail
}

// failingTrail rejects every write.
type failingTrail struct{ MemoryAuditTrail }

func (f *failingTrail) Record(context.Context, AuditEntry) (AuditEntry, error) {
	return AuditEntry{}, errors.New("disk full")
}

func TestOverrideStore_AddAndActiveFor(t *testing.T) {
	store, _ := newTestStore(t)
	emp := NewNaturalKey("10000001", "0")

	created, err := store.Add(actorCtx(), deptOverride(emp, "999", "2021-03-01", "2021-09-01"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, "jdoe", created.CreatedBy)
	assert.Equal(t, "job", created.EntityType)

	tests := []struct {
		asOf   string
		active bool
	}{
		{asOf: "2021-02-28", active: false},
		{asOf: "2021-03-01", active: true},
		{asOf: "2021-08-31", active: true},
		{asOf: "2021-09-01", active: false},
	}
	for _, tt := range tests {
		t.Run(tt.asOf, func(t *testing.T) {
			got, ok, err := store.ActiveFor(emp, "deptCode", MustParseDate(tt.asOf))
			require.NoError(t, err)
			assert.Equal(t, tt.active, ok)
			if ok {
				assert.Equal(t, created.ID, got.ID)
			}
		})
	}
}

func TestOverrideStore_AttributeNameIsCaseInsensitive(t *testing.T) {
	store, _ := newTestStore(t)
	emp := NewNaturalKey("1", "0")

	rec := deptOverride(emp, "999", "2021-01-01", "")
	rec.Attribute = "DEPTCODE"
	created, err := store.Add(actorCtx(), rec)
	require.NoError(t, err)
	assert.Equal(t, "deptCode", created.Attribute)

	_, ok, err := store.ActiveFor(emp, "deptcode", MustParseDate("2030-01-01"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOverrideStore_OverlapRejected(t *testing.T) {
	emp := NewNaturalKey("1", "0")

	tests := []struct {
		name     string
		existing [2]string
		next     [2]string
		overlap  bool
	}{
		{name: "inside", existing: [2]string{"2021-03-01", "2021-09-01"}, next: [2]string{"2021-05-01", "2021-06-01"}, overlap: true},
		{name: "straddles end", existing: [2]string{"2021-03-01", "2021-09-01"}, next: [2]string{"2021-05-01", "2021-12-01"}, overlap: true},
		{name: "straddles start", existing: [2]string{"2021-03-01", "2021-09-01"}, next: [2]string{"2021-01-01", "2021-03-02"}, overlap: true},
		{name: "adjacent after", existing: [2]string{"2021-03-01", "2021-09-01"}, next: [2]string{"2021-09-01", "2021-12-01"}, overlap: false},
		{name: "adjacent before", existing: [2]string{"2021-03-01", "2021-09-01"}, next: [2]string{"2021-01-01", "2021-03-01"}, overlap: false},
		{name: "open ended existing", existing: [2]string{"2021-03-01", ""}, next: [2]string{"2030-01-01", "2030-02-01"}, overlap: true},
		{name: "open ended new", existing: [2]string{"2021-03-01", "2021-09-01"}, next: [2]string{"2021-08-01", ""}, overlap: true},
		{name: "open ended new after", existing: [2]string{"2021-03-01", "2021-09-01"}, next: [2]string{"2021-09-01", ""}, overlap: false},
		{name: "both open ended", existing: [2]string{"2021-03-01", ""}, next: [2]string{"2025-01-01", ""}, overlap: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, trail := newTestStore(t)
			first, err := store.Add(actorCtx(), deptOverride(emp, "A", tt.existing[0], tt.existing[1]))
			require.NoError(t, err)

			_, err = store.Add(actorCtx(), deptOverride(emp, "B", tt.next[0], tt.next[1]))
			if !tt.overlap {
				require.NoError(t, err)
				return
			}

			var overlap *OverlapError
			require.ErrorAs(t, err, &overlap)
			assert.Equal(t, first.ID, overlap.Existing)
			assert.Len(t, store.List(emp, "deptCode"), 1, "store must be unchanged")
			assert.Equal(t, 1, trail.Len(), "rejected add must not be audited")
		})
	}
}

func TestOverrideStore_DifferentAttributesAndKeysAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	a, b := NewNaturalKey("1", "0"), NewNaturalKey("2", "0")

	_, err := store.Add(actorCtx(), deptOverride(a, "X", "2021-01-01", ""))
	require.NoError(t, err)
	_, err = store.Add(actorCtx(), deptOverride(b, "Y", "2021-01-01", ""))
	require.NoError(t, err)

	fte := OverrideRecord{
		Key:           a,
		Attribute:     "fte",
		Value:         Value{Kind: FieldNumeric, Num: "0.5"},
		EffectiveFrom: MustParseDate("2021-01-01"),
	}
	_, err = store.Add(actorCtx(), fte)
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())
	assert.Len(t, store.ListKey(a), 2)
}

func TestOverrideStore_AddValidation(t *testing.T) {
	emp := NewNaturalKey("1", "0")

	tests := []struct {
		name  string
		mod   func(*OverrideRecord)
		field string
	}{
		{name: "window inverted", mod: func(r *OverrideRecord) { r.EffectiveTo = datePtr("2020-01-01") }, field: "effectiveTo"},
		{name: "empty window", mod: func(r *OverrideRecord) { r.EffectiveTo = datePtr("2021-03-01") }, field: "effectiveTo"},
		{name: "no start", mod: func(r *OverrideRecord) { r.EffectiveFrom = Date{} }, field: "effectiveFrom"},
		{name: "unknown attribute", mod: func(r *OverrideRecord) { r.Attribute = "salary" }, field: "attribute"},
		{name: "read only attribute", mod: func(r *OverrideRecord) { r.Attribute = "emplid" }, field: "attribute"},
		{name: "wrong value kind", mod: func(r *OverrideRecord) { r.Value = BoolValue(true) }, field: "value"},
		{name: "wrong key arity", mod: func(r *OverrideRecord) { r.Key = NewNaturalKey("1") }, field: "key"},
		{name: "empty key part", mod: func(r *OverrideRecord) { r.Key = NewNaturalKey("1", " ") }, field: "key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, trail := newTestStore(t)
			rec := deptOverride(emp, "999", "2021-03-01", "2021-09-01")
			tt.mod(&rec)

			_, err := store.Add(actorCtx(), rec)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Problems)
			assert.Equal(t, tt.field, verr.Problems[0].Field)
			assert.Zero(t, store.Len())
			assert.Zero(t, trail.Len())
		})
	}
}

func TestOverrideStore_NullValueAllowed(t *testing.T) {
	store, _ := newTestStore(t)
	rec := deptOverride(NewNaturalKey("1", "0"), "", "2021-01-01", "")
	rec.Value = NullValue()

	_, err := store.Add(actorCtx(), rec)
	require.NoError(t, err)
}

func TestOverrideStore_RequiresActor(t *testing.T) {
	store, trail := newTestStore(t)
	_, err := store.Add(context.Background(), deptOverride(NewNaturalKey("1", "0"), "X", "2021-01-01", ""))
	assert.ErrorIs(t, err, ErrMissingActor)
	assert.Zero(t, trail.Len())
}

func TestOverrideStore_DisabledEntityType(t *testing.T) {
	def := testJob
	def.Overridable = false
	store := NewOverrideStore(def, NewMemoryAuditTrail())

	_, err := store.Add(actorCtx(), deptOverride(NewNaturalKey("1", "0"), "X", "2021-01-01", ""))
	assert.ErrorIs(t, err, ErrOverridesDisabled)
}

func TestOverrideStore_Update(t *testing.T) {
	store, trail := newTestStore(t)
	emp := NewNaturalKey("1", "0")

	first, err := store.Add(actorCtx(), deptOverride(emp, "A", "2021-01-01", "2021-06-01"))
	require.NoError(t, err)
	second, err := store.Add(actorCtx(), deptOverride(emp, "B", "2021-06-01", "2021-12-01"))
	require.NoError(t, err)

	t.Run("moves window without conflicting with itself", func(t *testing.T) {
		updated, err := store.Update(actorCtx(), first.ID, OverrideUpdate{
			Value:         TextValue("A2"),
			EffectiveFrom: MustParseDate("2021-02-01"),
			EffectiveTo:   datePtr("2021-06-01"),
			Comment:       "corrected start",
		})
		require.NoError(t, err)
		assert.Equal(t, "A2", updated.Value.Text)
		assert.Equal(t, "jdoe", updated.UpdatedBy)
		assert.Equal(t, first.CreatedAt, updated.CreatedAt)

		got, ok, err := store.ActiveFor(emp, "deptCode", MustParseDate("2021-03-01"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "A2", got.Value.Text)
	})

	t.Run("rejects overlap with another record", func(t *testing.T) {
		_, err := store.Update(actorCtx(), first.ID, OverrideUpdate{
			Value:         TextValue("A3"),
			EffectiveFrom: MustParseDate("2021-02-01"),
			EffectiveTo:   datePtr("2021-07-01"),
		})
		var overlap *OverlapError
		require.ErrorAs(t, err, &overlap)
		assert.Equal(t, second.ID, overlap.Existing)

		got, _ := store.Get(first.ID)
		assert.Equal(t, "A2", got.Value.Text, "failed update must leave the record unchanged")
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Update(actorCtx(), uuid.New(), OverrideUpdate{EffectiveFrom: MustParseDate("2021-01-01")})
		var nf *NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	assert.Equal(t, 3, trail.Len())
}

func TestOverrideStore_DeleteTombstones(t *testing.T) {
	store, _ := newTestStore(t)
	emp := NewNaturalKey("1", "0")

	rec, err := store.Add(actorCtx(), deptOverride(emp, "A", "2021-01-01", ""))
	require.NoError(t, err)

	deleted, err := store.Delete(actorCtx(), rec.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, "jdoe", deleted.DeletedBy)

	_, ok, err := store.ActiveFor(emp, "deptCode", MustParseDate("2021-06-01"))
	require.NoError(t, err)
	assert.False(t, ok, "tombstone must not resolve")

	kept, found := store.Get(rec.ID)
	require.True(t, found, "tombstone must be retained")
	assert.True(t, kept.Deleted)

	// The window is free again.
	_, err = store.Add(actorCtx(), deptOverride(emp, "B", "2021-01-01", ""))
	require.NoError(t, err)

	var nf *NotFoundError
	_, err = store.Delete(actorCtx(), rec.ID)
	assert.ErrorAs(t, err, &nf, "deleting a tombstone is not found")
	_, err = store.Update(actorCtx(), rec.ID, OverrideUpdate{EffectiveFrom: MustParseDate("2021-01-01")})
	assert.ErrorAs(t, err, &nf, "updating a tombstone is not found")

	assert.Len(t, store.List(emp, "deptCode"), 2)
}

func TestOverrideStore_AuditCompleteness(t *testing.T) {
	store, trail := newTestStore(t)
	emp := NewNaturalKey("1", "0")
	ctx := ContextWithUserAgent(ContextWithIPAddress(actorCtx(), "10.0.0.7"), "etl/1.0")

	created, err := store.Add(ctx, deptOverride(emp, "A", "2021-01-01", ""))
	require.NoError(t, err)
	updated, err := store.Update(ctx, created.ID, OverrideUpdate{
		Value:         TextValue("B"),
		EffectiveFrom: MustParseDate("2021-01-01"),
	})
	require.NoError(t, err)
	_, err = store.Delete(ctx, created.ID)
	require.NoError(t, err)

	var entries []AuditEntry
	for e, err := range trail.ForKey(context.Background(), emp) {
		require.NoError(t, err)
		entries = append(entries, e)
	}
	require.Len(t, entries, 3)

	wantActions := []AuditAction{ActionCreate, ActionUpdate, ActionDelete}
	for i, e := range entries {
		assert.Equal(t, wantActions[i], e.Action)
		assert.Equal(t, "job", e.Area)
		assert.Equal(t, "jdoe", e.ModifiedBy)
		assert.Equal(t, created.ID, e.OverrideID)
		assert.Equal(t, "10.0.0.7", e.IPAddress)
		assert.Equal(t, "etl/1.0", e.UserAgent)
	}

	_, hasBefore, err := entries[0].BeforeRecord()
	require.NoError(t, err)
	assert.False(t, hasBefore, "create has no before state")
	after, _, err := entries[0].AfterRecord()
	require.NoError(t, err)
	assert.Equal(t, "A", after.Value.Text)

	before, _, err := entries[1].BeforeRecord()
	require.NoError(t, err)
	after, _, err = entries[1].AfterRecord()
	require.NoError(t, err)
	assert.Equal(t, "A", before.Value.Text)
	assert.Equal(t, updated.Value.Text, after.Value.Text)

	before, _, err = entries[2].BeforeRecord()
	require.NoError(t, err)
	assert.Equal(t, "B", before.Value.Text)
	_, hasAfter, err := entries[2].AfterRecord()
	require.NoError(t, err)
	assert.False(t, hasAfter, "delete has no after state")
}

func TestOverrideStore_FailedAuditLeavesStoreUnchanged(t *testing.T) {
	store := NewOverrideStore(testJob, &failingTrail{})
	emp := NewNaturalKey("1", "0")

	_, err := store.Add(actorCtx(), deptOverride(emp, "A", "2021-01-01", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit trail")
	assert.Equal(t, "AUD001", MapError(err).Code)

	_, ok, err := store.ActiveFor(emp, "deptCode", MustParseDate("2021-06-01"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, store.Len())
}

func TestOverrideStore_ActiveForDetectsCorruption(t *testing.T) {
	store, _ := newTestStore(t)
	emp := NewNaturalKey("1", "0")

	// install bypasses overlap checks, as a corrupted replay would.
	a := deptOverride(emp, "A", "2021-01-01", "")
	a.ID = uuid.New()
	b := deptOverride(emp, "B", "2021-06-01", "")
	b.ID = uuid.New()
	store.install(a)
	store.install(b)

	_, _, err := store.ActiveFor(emp, "deptCode", MustParseDate("2021-07-01"))
	var inv *InvariantViolation
	require.ErrorAs(t, err, &inv)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, inv.Matches)

	_, ok, err := store.ActiveFor(emp, "deptCode", MustParseDate("2021-02-01"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOverrideStore_ConcurrentOverlappingAddsAdmitOne(t *testing.T) {
	store, trail := newTestStore(t)
	emp := NewNaturalKey("1", "0")

	const writers = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		overlaps  atomic.Int32
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Add(actorCtx(), deptOverride(emp, fmt.Sprint(i), "2021-01-01", "2022-01-01"))
			var overlap *OverlapError
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.As(err, &overlap):
				overlaps.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(writers-1), overlaps.Load())
	assert.Equal(t, 1, trail.Len())
}

func TestOverrideStore_ReadersNeverBlockOrTear(t *testing.T) {
	store, _ := newTestStore(t)
	emp := NewNaturalKey("1", "0")
	rec, err := store.Add(actorCtx(), deptOverride(emp, "v0", "2021-01-01", ""))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				got, ok, err := store.ActiveFor(emp, "deptCode", MustParseDate("2021-06-01"))
				if err != nil || !ok {
					t.Errorf("ActiveFor = %v, %v, %v", got, ok, err)
					return
				}
				if got.ID != rec.ID {
					t.Errorf("ActiveFor returned %s, want %s", got.ID, rec.ID)
					return
				}
			}
		}()
	}

	for i := 1; ctx.Err() == nil && i < 500; i++ {
		_, err := store.Update(actorCtx(), rec.ID, OverrideUpdate{
			Value:         TextValue(fmt.Sprintf("v%d", i)),
			EffectiveFrom: MustParseDate("2021-01-01"),
		})
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()
}

func TestOverrideStore_Replay(t *testing.T) {
	source, trail := newTestStore(t)
	emp := NewNaturalKey("1", "0")

	a, err := source.Add(actorCtx(), deptOverride(emp, "A", "2021-01-01", "2021-06-01"))
	require.NoError(t, err)
	b, err := source.Add(actorCtx(), deptOverride(emp, "B", "2021-06-01", ""))
	require.NoError(t, err)
	_, err = source.Update(actorCtx(), a.ID, OverrideUpdate{
		Value:         TextValue("A2"),
		EffectiveFrom: MustParseDate("2021-01-01"),
		EffectiveTo:   datePtr("2021-06-01"),
	})
	require.NoError(t, err)
	_, err = source.Delete(actorCtx(), b.ID)
	require.NoError(t, err)

	// Entries for other entity types are ignored.
	_, err = trail.Record(context.Background(), AuditEntry{Area: "position", Action: ActionCreate, Key: emp})
	require.NoError(t, err)

	replayed := NewOverrideStore(testJob, NewMemoryAuditTrail())
	n, err := replayed.Replay(trail.All(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, replayed.Len())

	for _, asOf := range []string{"2021-03-01", "2021-07-01", "2020-01-01"} {
		want, wantOK, err := source.ActiveFor(emp, "deptCode", MustParseDate(asOf))
		require.NoError(t, err)
		got, gotOK, err := replayed.ActiveFor(emp, "deptCode", MustParseDate(asOf))
		require.NoError(t, err)
		assert.Equal(t, wantOK, gotOK, asOf)
		assert.Equal(t, want.Value, got.Value, asOf)
	}

	tomb, ok := replayed.Get(b.ID)
	require.True(t, ok)
	assert.True(t, tomb.Deleted)
}

func TestOverrideStore_ReplayStopsOnError(t *testing.T) {
	store, _ := newTestStore(t)
	broken := iter.Seq2[AuditEntry, error](func(yield func(AuditEntry, error) bool) {
		yield(AuditEntry{}, errors.New("connection reset"))
	})

	_, err := store.Replay(broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver counts observer calls.
type recordingObserver struct {
	mu        sync.Mutex
	resolves  map[Provenance]int
	loads     int
	loadErrs  int
	mutations map[AuditAction]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		resolves:  make(map[Provenance]int),
		mutations: make(map[AuditAction]int),
	}
}

func (o *recordingObserver) ObserveResolve(_ string, p Provenance) {
	o.mu.Lock()
	o.resolves[p]++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveLoad(_ string, _ int, _ time.Duration, err error) {
	o.mu.Lock()
	o.loads++
	if err != nil {
		o.loadErrs++
	}
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveOverrideMutation(_ string, action AuditAction, err error) {
	if err != nil {
		return
	}
	o.mu.Lock()
	o.mutations[action]++
	o.mu.Unlock()
}

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	e := NewEngine(opts)
	require.NoError(t, e.Register(testJob))
	return e
}

func mustResolve(t *testing.T, e *Engine, key NaturalKey, attr, asOf string) ResolvedValue {
	t.Helper()
	rv, err := e.Resolve(context.Background(), "job", key, attr, MustParseDate(asOf))
	require.NoError(t, err)
	return rv
}

func TestEngine_EndToEndScenario(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	emp := NewNaturalKey("10000001", "0")
	ctx := actorCtx()

	require.NoError(t, e.Load(ctx, "job", []SnapshotRow{
		row(emp, "2020-01-01", 0, true, dept("100")),
		row(emp, "2021-01-01", 0, true, dept("200")),
	}))

	rv := mustResolve(t, e, emp, "deptCode", "2020-06-01")
	assert.Equal(t, "100", rv.Value.Text)
	assert.Equal(t, ProvenanceWarehouse, rv.Provenance)
	require.NotNil(t, rv.Snapshot)
	assert.Equal(t, MustParseDate("2020-01-01"), rv.Snapshot.EffectiveDate)

	rv = mustResolve(t, e, emp, "deptCode", "2021-06-01")
	assert.Equal(t, "200", rv.Value.Text)
	assert.Equal(t, ProvenanceWarehouse, rv.Provenance)

	store, err := e.Overrides("job")
	require.NoError(t, err)
	ov, err := store.Add(ctx, deptOverride(emp, "999", "2021-03-01", "2021-09-01"))
	require.NoError(t, err)

	rv = mustResolve(t, e, emp, "deptCode", "2021-06-01")
	assert.Equal(t, "999", rv.Value.Text)
	assert.Equal(t, ProvenanceOverride, rv.Provenance)
	require.NotNil(t, rv.Override)
	assert.Equal(t, ov.ID, rv.Override.ID)

	rv = mustResolve(t, e, emp, "deptCode", "2021-10-01")
	assert.Equal(t, "200", rv.Value.Text)
	assert.Equal(t, ProvenanceWarehouse, rv.Provenance)

	_, err = store.Add(ctx, deptOverride(emp, "555", "2021-05-01", "2021-12-01"))
	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, ov.ID, overlap.Existing)

	rv = mustResolve(t, e, emp, "deptCode", "2021-06-01")
	assert.Equal(t, "999", rv.Value.Text)
	assert.Equal(t, ProvenanceOverride, rv.Provenance)
}

func TestEngine_NotFoundIsNotAnError(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	emp := NewNaturalKey("1", "0")
	require.NoError(t, e.Load(context.Background(), "job", []SnapshotRow{
		row(emp, "2020-01-01", 0, true, dept("100")),
	}))

	tests := []struct {
		name string
		key  NaturalKey
		attr string
		asOf string
	}{
		{name: "before entity existed", key: emp, attr: "deptCode", asOf: "2019-01-01"},
		{name: "unknown key", key: NewNaturalKey("2", "0"), attr: "deptCode", asOf: "2021-01-01"},
		{name: "attribute not carried", key: emp, attr: "fte", asOf: "2021-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rv := mustResolve(t, e, tt.key, tt.attr, tt.asOf)
			assert.False(t, rv.Found())
			assert.Equal(t, ProvenanceNone, rv.Provenance)
			assert.Nil(t, rv.Snapshot)
			assert.Nil(t, rv.Override)
		})
	}
}

func TestEngine_OverrideSuppliesMissingValue(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	emp := NewNaturalKey("1", "0")
	store, _ := e.Overrides("job")

	_, err := store.Add(actorCtx(), deptOverride(emp, "777", "2021-01-01", ""))
	require.NoError(t, err)

	rv := mustResolve(t, e, emp, "deptCode", "2021-02-01")
	assert.Equal(t, ProvenanceOverride, rv.Provenance)
	assert.Equal(t, "777", rv.Value.Text)
}

func TestEngine_NullOverrideBlanksWarehouseValue(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	emp := NewNaturalKey("1", "0")
	require.NoError(t, e.Load(context.Background(), "job", []SnapshotRow{
		row(emp, "2020-01-01", 0, true, dept("100")),
	}))
	store, _ := e.Overrides("job")
	rec := deptOverride(emp, "", "2020-06-01", "")
	rec.Value = NullValue()
	_, err := store.Add(actorCtx(), rec)
	require.NoError(t, err)

	rv := mustResolve(t, e, emp, "deptCode", "2020-07-01")
	assert.Equal(t, ProvenanceOverride, rv.Provenance)
	assert.True(t, rv.Value.IsNull())
}

func TestEngine_ReloadNeverRevertsOverrides(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	emp := NewNaturalKey("1", "0")
	store, _ := e.Overrides("job")
	_, err := store.Add(actorCtx(), deptOverride(emp, "999", "2021-01-01", ""))
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, e.Load(context.Background(), "job", []SnapshotRow{
			row(emp, "2020-01-01", 0, true, dept(fmt.Sprintf("wh-%d", i))),
		}))
		rv := mustResolve(t, e, emp, "deptCode", "2021-06-01")
		assert.Equal(t, "999", rv.Value.Text, "load %d", i)
		assert.Equal(t, ProvenanceOverride, rv.Provenance)

		rv = mustResolve(t, e, emp, "deptCode", "2020-06-01")
		assert.Equal(t, fmt.Sprintf("wh-%d", i), rv.Value.Text)
	}

	// An empty reload removes warehouse data but not the override.
	require.NoError(t, e.Load(context.Background(), "job", nil))
	rv := mustResolve(t, e, emp, "deptCode", "2021-06-01")
	assert.Equal(t, ProvenanceOverride, rv.Provenance)
}

func TestEngine_LoadIsIdempotent(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	rows := []SnapshotRow{}
	var keys []NaturalKey
	for i := range 20 {
		k := NewNaturalKey(fmt.Sprint(i), "0")
		keys = append(keys, k)
		rows = append(rows,
			row(k, "2020-01-01", 0, false, dept("a")),
			row(k, "2020-01-01", 1, i%2 == 0, dept("b")),
			row(k, "2021-01-01", 0, true, dept(fmt.Sprint(i))),
		)
	}

	snapshot := func() []ResolvedValue {
		var out []ResolvedValue
		for _, k := range keys {
			for _, d := range []string{"2019-12-31", "2020-05-01", "2021-05-01"} {
				rv := mustResolve(t, e, k, "deptCode", d)
				rv.Snapshot = nil
				out = append(out, rv)
			}
		}
		return out
	}

	require.NoError(t, e.Load(context.Background(), "job", rows))
	first := snapshot()
	require.NoError(t, e.Load(context.Background(), "job", rows))
	assert.Equal(t, first, snapshot())
}

func TestEngine_ResolveAllMatchesResolve(t *testing.T) {
	for _, chunk := range []int{1, 3, 1000} {
		t.Run(fmt.Sprintf("chunk %d", chunk), func(t *testing.T) {
			e := newTestEngine(t, EngineOptions{BatchChunkSize: chunk, BatchParallelism: 3})
			store, _ := e.Overrides("job")

			var (
				rows []SnapshotRow
				keys []NaturalKey
			)
			for i := range 25 {
				k := NewNaturalKey(fmt.Sprint(i), "0")
				keys = append(keys, k)
				rows = append(rows, row(k, "2020-01-01", 0, true, dept(fmt.Sprint(i))))
				if i%4 == 0 {
					_, err := store.Add(actorCtx(), deptOverride(k, "ovr", "2020-06-01", ""))
					require.NoError(t, err)
				}
			}
			keys = append(keys, NewNaturalKey("missing", "0"), keys[0])
			require.NoError(t, e.Load(context.Background(), "job", rows))

			asOf := MustParseDate("2020-07-01")
			batch, err := e.ResolveAll(context.Background(), "job", keys, "deptCode", asOf)
			require.NoError(t, err)
			require.Len(t, batch, len(keys))

			for i, k := range keys {
				single, err := e.Resolve(context.Background(), "job", k, "deptCode", asOf)
				require.NoError(t, err)
				assert.Equal(t, single, batch[i], "key %s", k)
			}
		})
	}
}

func TestEngine_ResolveAllCancelled(t *testing.T) {
	e := newTestEngine(t, EngineOptions{BatchChunkSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	keys := []NaturalKey{NewNaturalKey("1", "0"), NewNaturalKey("2", "0")}
	_, err := e.ResolveAll(ctx, "job", keys, "deptCode", MustParseDate("2020-01-01"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_UnknownEntityType(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	ctx := context.Background()
	key := NewNaturalKey("1")

	_, err := e.Resolve(ctx, "nope", key, "x", MustParseDate("2020-01-01"))
	assert.ErrorIs(t, err, ErrUnknownEntityType)
	_, err = e.ResolveAll(ctx, "nope", []NaturalKey{key}, "x", MustParseDate("2020-01-01"))
	assert.ErrorIs(t, err, ErrUnknownEntityType)
	assert.ErrorIs(t, e.Load(ctx, "nope", nil), ErrUnknownEntityType)
	_, err = e.History("nope", key)
	assert.ErrorIs(t, err, ErrUnknownEntityType)
	_, err = e.Overrides("nope")
	assert.ErrorIs(t, err, ErrUnknownEntityType)
}

func TestEngine_RegisterTwice(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	assert.Error(t, e.Register(testJob))

	var verr *ValidationError
	assert.True(t, errors.As(e.Register(EntityType{Name: "bad"}), &verr), "missing key columns must fail validation")
}

func TestEngine_ReplayRestoresOverrides(t *testing.T) {
	trail := NewMemoryAuditTrail()
	emp := NewNaturalKey("1", "0")

	first := newTestEngine(t, EngineOptions{Trail: trail})
	store, _ := first.Overrides("job")
	ov, err := store.Add(actorCtx(), deptOverride(emp, "999", "2021-01-01", ""))
	require.NoError(t, err)
	_, err = trail.Record(context.Background(), AuditEntry{Area: "retired_type", Action: ActionCreate, Key: emp})
	require.NoError(t, err)

	// A restarted process shares only the durable trail.
	second := newTestEngine(t, EngineOptions{Trail: trail})
	n, err := second.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rv := mustResolve(t, second, emp, "deptCode", "2021-06-01")
	assert.Equal(t, ProvenanceOverride, rv.Provenance)
	assert.Equal(t, ov.ID, rv.Override.ID)
	assert.Equal(t, 2, trail.Len(), "replay must not write new entries")
}

func TestEngine_HistoryAndStats(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	emp := NewNaturalKey("1", "0")
	require.NoError(t, e.Load(context.Background(), "job", []SnapshotRow{
		row(emp, "2021-01-01", 0, true, dept("200")),
		row(emp, "2020-01-01", 0, true, dept("100")),
		row(NewNaturalKey("2", "0"), "2020-01-01", 0, true, dept("100")),
	}))

	hist, err := e.History("job", emp)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, MustParseDate("2020-01-01"), hist[0].EffectiveDate)

	stats := e.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Rows)
	assert.Equal(t, 2, stats[0].Keys)
	assert.Equal(t, uint64(1), stats[0].Generation)
	assert.False(t, stats[0].LoadedAt.IsZero())
}

func TestEngine_ObserverSeesTraffic(t *testing.T) {
	obs := newRecordingObserver()
	e := newTestEngine(t, EngineOptions{Observer: obs})
	emp := NewNaturalKey("1", "0")

	require.NoError(t, e.Load(context.Background(), "job", []SnapshotRow{row(emp, "2020-01-01", 0, true, dept("100"))}))
	require.Error(t, e.Load(context.Background(), "job", []SnapshotRow{
		row(emp, "2020-01-01", 0, true, dept("100")),
		row(emp, "2020-01-01", 0, true, dept("100")),
	}))

	store, _ := e.Overrides("job")
	ov, err := store.Add(actorCtx(), deptOverride(emp, "X", "2021-01-01", ""))
	require.NoError(t, err)
	_, err = store.Delete(actorCtx(), ov.ID)
	require.NoError(t, err)

	mustResolve(t, e, emp, "deptCode", "2020-06-01")
	mustResolve(t, e, emp, "deptCode", "2019-06-01")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.loads)
	assert.Equal(t, 1, obs.loadErrs)
	assert.Equal(t, 1, obs.mutations[ActionCreate])
	assert.Equal(t, 1, obs.mutations[ActionDelete])
	assert.Equal(t, 1, obs.resolves[ProvenanceWarehouse])
	assert.Equal(t, 1, obs.resolves[ProvenanceNone])
}

func TestEngine_ConcurrentResolveDuringLoadsAndWrites(t *testing.T) {
	e := newTestEngine(t, EngineOptions{})
	emp := NewNaturalKey("1", "0")
	store, _ := e.Overrides("job")
	require.NoError(t, e.Load(context.Background(), "job", []SnapshotRow{row(emp, "2020-01-01", 0, true, dept("100"))}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				rv, err := e.Resolve(context.Background(), "job", emp, "deptCode", MustParseDate("2020-06-01"))
				if err != nil {
					t.Errorf("Resolve: %v", err)
					return
				}
				if !rv.Found() {
					t.Error("value disappeared during reload")
					return
				}
			}
		}()
	}

	for i := 0; ctx.Err() == nil && i < 200; i++ {
		require.NoError(t, e.Load(context.Background(), "job", []SnapshotRow{row(emp, "2020-01-01", 0, true, dept(fmt.Sprint(i)))}))
		ov, err := store.Add(actorCtx(), deptOverride(emp, "X", "2020-03-01", ""))
		require.NoError(t, err)
		_, err = store.Delete(actorCtx(), ov.ID)
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()
}

func TestEngine_UndeclaredAttributesMatchIgnoringCase(t *testing.T) {
	generic := EntityType{Name: "generic", KeyColumns: []string{"ID"}, Overridable: true}
	e := NewEngine(EngineOptions{})
	require.NoError(t, e.Register(generic))

	emp := NewNaturalKey("10000001")
	ctx := actorCtx()
	require.NoError(t, e.Load(ctx, "generic", []SnapshotRow{
		row(emp, "2020-01-01", 0, true, dept("100")),
	}))

	store, err := e.Overrides("generic")
	require.NoError(t, err)
	ov, err := store.Add(ctx, OverrideRecord{
		Key:           emp,
		Attribute:     "deptCode",
		Value:         TextValue("999"),
		EffectiveFrom: MustParseDate("2020-01-01"),
	})
	require.NoError(t, err)

	_, err = store.Add(ctx, OverrideRecord{
		Key:           emp,
		Attribute:     "DEPTCODE",
		Value:         TextValue("777"),
		EffectiveFrom: MustParseDate("2020-01-01"),
	})
	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, ov.ID, overlap.Existing)

	for _, attr := range []string{"deptCode", "DeptCode", "DEPTCODE"} {
		rv, err := e.Resolve(context.Background(), "generic", emp, attr, MustParseDate("2020-06-01"))
		require.NoError(t, err)
		assert.Equal(t, ProvenanceOverride, rv.Provenance, attr)
		assert.Equal(t, "999", rv.Value.Text, attr)
	}

	assert.Len(t, store.List(emp, "DeptCode"), 1)
	assert.Equal(t, 1, store.Len())
}

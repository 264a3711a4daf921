package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchChunkSize is how many keys one ResolveAll worker handles.
const DefaultBatchChunkSize = 512

// DefaultBatchParallelism bounds the ResolveAll fan-out.
const DefaultBatchParallelism = 4

// EngineOptions configures an Engine. Zero values select defaults.
type EngineOptions struct {
	Trail            AuditTrail // Defaults to a MemoryAuditTrail
	Observer         Observer
	Logger           *slog.Logger
	Now              func() time.Time
	BatchChunkSize   int
	BatchParallelism int
}

// entityState is everything the engine holds for one entity type.
type entityState struct {
	def       EntityType
	records   *RecordSet
	overrides *OverrideStore
}

// Engine is the query surface of the shadow: it merges warehouse snapshots
// and overrides into point-in-time values. All methods are safe for
// concurrent use.
type Engine struct {
	trail       AuditTrail
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
	chunkSize   int
	parallelism int

	mu       sync.RWMutex
	entities map[string]*entityState
}

// NewEngine creates an engine with no entity types registered.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		trail:       opts.Trail,
		observer:    opts.Observer,
		logger:      opts.Logger,
		now:         opts.Now,
		chunkSize:   opts.BatchChunkSize,
		parallelism: opts.BatchParallelism,
		entities:    make(map[string]*entityState),
	}
	if e.trail == nil {
		e.trail = NewMemoryAuditTrail()
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultBatchChunkSize
	}
	if e.parallelism <= 0 {
		e.parallelism = DefaultBatchParallelism
	}
	return e
}

// Register adds an entity type, creating its empty record set and override
// store. Registering the same name twice is an error.
func (e *Engine) Register(def EntityType) error {
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.entities[def.Name]; exists {
		return fmt.Errorf("entity type already registered: %s", def.Name)
	}

	records := NewRecordSet(def.Name)
	records.now = e.now

	overrides := NewOverrideStore(def, e.trail)
	overrides.observer = e.observer
	overrides.logger = e.logger.With("entity_type", def.Name)
	overrides.now = e.now

	e.entities[def.Name] = &entityState{def: def, records: records, overrides: overrides}
	return nil
}

// RegisterAll registers every definition, stopping at the first error.
func (e *Engine) RegisterAll(defs []EntityType) error {
	for _, def := range defs {
		if err := e.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) entity(name string) (*entityState, error) {
	e.mu.RLock()
	st, ok := e.entities[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, name)
	}
	return st, nil
}

// EntityType returns the descriptor of a registered entity type.
func (e *Engine) EntityType(name string) (EntityType, error) {
	st, err := e.entity(name)
	if err != nil {
		return EntityType{}, err
	}
	return st.def, nil
}

// EntityTypes returns the registered descriptors ordered by group and name.
func (e *Engine) EntityTypes() []EntityType {
	e.mu.RLock()
	defs := make([]EntityType, 0, len(e.entities))
	for _, st := range e.entities {
		defs = append(defs, st.def)
	}
	e.mu.RUnlock()

	sortEntityTypes(defs)
	return defs
}

// EntityStats summarizes the state of one entity type.
type EntityStats struct {
	EntityType EntityType `json:"entityType"`
	Rows       int        `json:"rows"`
	Keys       int        `json:"keys"`
	Generation uint64     `json:"generation"`
	LoadedAt   time.Time  `json:"loadedAt,omitzero"`
	Overrides  int        `json:"overrides"`
}

// Stats returns per-entity-type counters for every registered type.
func (e *Engine) Stats() []EntityStats {
	defs := e.EntityTypes()
	stats := make([]EntityStats, 0, len(defs))
	for _, def := range defs {
		st, err := e.entity(def.Name)
		if err != nil {
			continue
		}
		idx := st.records.Index()
		stats = append(stats, EntityStats{
			EntityType: def,
			Rows:       idx.Len(),
			Keys:       idx.KeyCount(),
			Generation: st.records.Generation(),
			LoadedAt:   st.records.LoadedAt(),
			Overrides:  st.overrides.Len(),
		})
	}
	return stats
}

// Load replaces the snapshot rows of one entity type. Overrides are untouched.
func (e *Engine) Load(ctx context.Context, entityType string, rows []SnapshotRow) error {
	st, err := e.entity(entityType)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err = st.records.Load(rows)
	elapsed := time.Since(start)
	e.observer.ObserveLoad(entityType, len(rows), elapsed, err)

	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			e.logger.Warn("snapshot load rejected",
				"entity_type", entityType,
				"rows", len(rows),
				"problems", len(verr.Problems),
			)
		}
		return err
	}

	e.logger.Info("snapshot loaded",
		"entity_type", entityType,
		"rows", len(rows),
		"keys", st.records.Index().KeyCount(),
		"generation", st.records.Generation(),
		"duration", elapsed,
	)
	return nil
}

// Resolve returns the authoritative value of attribute for key as of asOf.
// An active override wins; otherwise the most-recent snapshot row supplies
// the value. When neither has one the result has ProvenanceNone and err is nil.
func (e *Engine) Resolve(ctx context.Context, entityType string, key NaturalKey, attribute string, asOf Date) (ResolvedValue, error) {
	st, err := e.entity(entityType)
	if err != nil {
		return ResolvedValue{}, err
	}
	if err := ctx.Err(); err != nil {
		return ResolvedValue{}, err
	}
	rv, err := e.resolve(st, st.records.Index(), key, attribute, asOf)
	if err != nil {
		return ResolvedValue{}, err
	}
	e.observer.ObserveResolve(entityType, rv.Provenance)
	return rv, nil
}

// resolve runs the precedence rules against a pinned index.
func (e *Engine) resolve(st *entityState, idx *EffectiveDateIndex, key NaturalKey, attribute string, asOf Date) (ResolvedValue, error) {
	attr := st.overrides.canonicalAttribute(attribute)
	rv := ResolvedValue{
		EntityType: st.def.Name,
		Key:        key,
		Attribute:  attr,
		AsOf:       asOf,
		Provenance: ProvenanceNone,
	}

	ov, ok, err := st.overrides.ActiveFor(key, attr, asOf)
	if err != nil {
		e.logger.Error("override invariant violated",
			"entity_type", st.def.Name,
			"key", key.String(),
			"attribute", attr,
			"as_of", asOf.String(),
			"error", err,
		)
		return ResolvedValue{}, err
	}
	if ok {
		rv.Value = ov.Value
		rv.Provenance = ProvenanceOverride
		rv.Override = &ov
		return rv, nil
	}

	row, ok := idx.Lookup(key, asOf)
	if !ok {
		return rv, nil
	}
	value, ok := row.Attribute(attr)
	if !ok {
		return rv, nil
	}
	row = row.clone()
	rv.Value = value
	rv.Provenance = ProvenanceWarehouse
	rv.Snapshot = &row
	return rv, nil
}

// ResolveAll resolves attribute for every key as of asOf. Result i belongs to
// keys[i] and equals what Resolve would return for that key against the same
// snapshot generation. Large batches are split across workers.
func (e *Engine) ResolveAll(ctx context.Context, entityType string, keys []NaturalKey, attribute string, asOf Date) ([]ResolvedValue, error) {
	st, err := e.entity(entityType)
	if err != nil {
		return nil, err
	}

	idx := st.records.Index()
	results := make([]ResolvedValue, len(keys))

	resolveRange := func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			rv, err := e.resolve(st, idx, keys[i], attribute, asOf)
			if err != nil {
				return err
			}
			results[i] = rv
		}
		return nil
	}

	if len(keys) <= e.chunkSize {
		if err := resolveRange(ctx, 0, len(keys)); err != nil {
			return nil, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.parallelism)
		for lo := 0; lo < len(keys); lo += e.chunkSize {
			hi := min(lo+e.chunkSize, len(keys))
			g.Go(func() error { return resolveRange(gctx, lo, hi) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	for _, rv := range results {
		e.observer.ObserveResolve(entityType, rv.Provenance)
	}
	return results, nil
}

// History returns every snapshot row for key in effective order.
func (e *Engine) History(entityType string, key NaturalKey) ([]SnapshotRow, error) {
	st, err := e.entity(entityType)
	if err != nil {
		return nil, err
	}
	var rows []SnapshotRow
	for r := range st.records.History(key) {
		rows = append(rows, r.clone())
	}
	return rows, nil
}

// Records returns the record set of an entity type.
func (e *Engine) Records(entityType string) (*RecordSet, error) {
	st, err := e.entity(entityType)
	if err != nil {
		return nil, err
	}
	return st.records, nil
}

// Overrides returns the override store of an entity type.
func (e *Engine) Overrides(entityType string) (*OverrideStore, error) {
	st, err := e.entity(entityType)
	if err != nil {
		return nil, err
	}
	return st.overrides, nil
}

// Audit returns the trail every override store writes to.
func (e *Engine) Audit() AuditTrail { return e.trail }

// Replay rebuilds every override store from the audit trail. It is run once
// at startup, before the engine serves requests. Entries for entity types
// that are no longer registered are skipped with a warning.
func (e *Engine) Replay(ctx context.Context) (int, error) {
	e.mu.RLock()
	stores := make(map[string]*OverrideStore, len(e.entities))
	for name, st := range e.entities {
		stores[name] = st.overrides
	}
	e.mu.RUnlock()

	applied := 0
	skipped := make(map[string]int)
	for entry, err := range e.trail.All(ctx) {
		if err != nil {
			return applied, fmt.Errorf("replay overrides: %w", err)
		}
		store, ok := stores[entry.Area]
		if !ok {
			skipped[entry.Area]++
			continue
		}
		if err := store.apply(entry); err != nil {
			return applied, fmt.Errorf("replay overrides: entry %d: %w", entry.Sequence, err)
		}
		applied++
	}

	for _, area := range slices.Sorted(maps.Keys(skipped)) {
		e.logger.Warn("audit entries for unregistered entity type skipped",
			"entity_type", area,
			"entries", skipped[area],
		)
	}
	e.logger.Info("overrides replayed", "entries", applied)
	return applied, nil
}

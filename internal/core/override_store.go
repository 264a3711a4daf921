package core

// override_store.go holds the local corrections for one entity type.
//
// Records are grouped into slots by (natural key, attribute). Each slot has a
// writer mutex that serializes add/update/delete for that pair, which makes
// the overlap check race-free without a global lock. Readers never take the
// mutex: a slot publishes an immutable slice through an atomic pointer, so a
// reader sees either the state before a write or after it, never a mix.
//
// The audit entry for a mutation is written inside the slot critical section
// and before the new state is published. A failed audit write therefore
// leaves the store unchanged, and every published mutation has exactly one
// entry.

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type overrideSlot struct {
	mu      sync.Mutex
	records atomic.Pointer[[]OverrideRecord] // sorted by EffectiveFrom, then CreatedAt
}

func (s *overrideSlot) load() []OverrideRecord {
	if p := s.records.Load(); p != nil {
		return *p
	}
	return nil
}

// publish stores a sorted copy of records.
func (s *overrideSlot) publish(records []OverrideRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if c := records[i].EffectiveFrom.Compare(records[j].EffectiveFrom); c != 0 {
			return c < 0
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	s.records.Store(&records)
}

// OverrideStore holds override records for one entity type. Deleted records
// are tombstoned and retained forever.
type OverrideStore struct {
	entity   EntityType
	trail    AuditTrail
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	newID    func() uuid.UUID

	slots sync.Map // slot key -> *overrideSlot
	ids   sync.Map // uuid.UUID -> slot key
	count atomic.Int64
}

// NewOverrideStore creates an empty store. trail receives one entry per mutation.
func NewOverrideStore(entity EntityType, trail AuditTrail) *OverrideStore {
	return &OverrideStore{
		entity:   entity,
		trail:    trail,
		observer: noopObserver{},
		logger:   slog.Default().With("entity_type", entity.Name),
		now:      time.Now,
		newID:    uuid.New,
	}
}

// EntityType returns the entity type this store serves.
func (s *OverrideStore) EntityType() string { return s.entity.Name }

// canonicalAttribute returns the declared spelling of an attribute name.
func (s *OverrideStore) canonicalAttribute(name string) string {
	if spec, ok := s.entity.Attribute(name); ok {
		return spec.Name
	}
	return strings.TrimSpace(name)
}

// slotKey folds case so that undeclared attributes match the same way
// SnapshotRow.Attribute does.
func (s *OverrideStore) slotKey(key NaturalKey, attribute string) string {
	return key.mapKey() + "\x00" + strings.ToLower(s.canonicalAttribute(attribute))
}

func (s *OverrideStore) slot(key NaturalKey, attribute string) (*overrideSlot, bool) {
	v, ok := s.slots.Load(s.slotKey(key, attribute))
	if !ok {
		return nil, false
	}
	return v.(*overrideSlot), true
}

func (s *OverrideStore) slotOrCreate(slotKey string) *overrideSlot {
	v, _ := s.slots.LoadOrStore(slotKey, &overrideSlot{})
	return v.(*overrideSlot)
}

// Add validates and stores a new override. It fails with *OverlapError when
// the window intersects a non-deleted override for the same key and attribute,
// leaving the store unchanged.
func (s *OverrideStore) Add(ctx context.Context, rec OverrideRecord) (OverrideRecord, error) {
	created, err := s.add(ctx, rec)
	s.observer.ObserveOverrideMutation(s.entity.Name, ActionCreate, err)
	return created, err
}

func (s *OverrideStore) add(ctx context.Context, rec OverrideRecord) (OverrideRecord, error) {
	actor, err := s.authorize(ctx)
	if err != nil {
		return OverrideRecord{}, err
	}

	rec = rec.clone()
	rec.ID = s.newID()
	rec.EntityType = s.entity.Name
	rec.Attribute = s.canonicalAttribute(rec.Attribute)
	rec.CreatedBy = actor
	rec.CreatedAt = s.now()
	rec.UpdatedBy, rec.UpdatedAt = "", time.Time{}
	rec.Deleted, rec.DeletedBy, rec.DeletedAt = false, "", time.Time{}

	if err := s.validate(rec); err != nil {
		return OverrideRecord{}, err
	}

	slotKey := s.slotKey(rec.Key, rec.Attribute)
	slot := s.slotOrCreate(slotKey)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	current := slot.load()
	if err := s.checkOverlap(rec, current); err != nil {
		return OverrideRecord{}, err
	}

	if err := s.audit(ctx, ActionCreate, rec.Key, rec.ID, nil, &rec, actor); err != nil {
		return OverrideRecord{}, err
	}

	next := make([]OverrideRecord, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, rec)
	slot.publish(next)
	s.ids.Store(rec.ID, slotKey)
	s.count.Add(1)

	s.logger.Info("override created",
		"override_id", rec.ID,
		"key", rec.Key.String(),
		"attribute", rec.Attribute,
		"window", rec.Window(),
		"actor", actor,
	)
	return rec.clone(), nil
}

// Update replaces the mutable fields of an existing override. The new window
// is checked against every other non-deleted record for the key and attribute.
func (s *OverrideStore) Update(ctx context.Context, id uuid.UUID, upd OverrideUpdate) (OverrideRecord, error) {
	updated, err := s.update(ctx, id, upd)
	s.observer.ObserveOverrideMutation(s.entity.Name, ActionUpdate, err)
	return updated, err
}

func (s *OverrideStore) update(ctx context.Context, id uuid.UUID, upd OverrideUpdate) (OverrideRecord, error) {
	actor, err := s.authorize(ctx)
	if err != nil {
		return OverrideRecord{}, err
	}

	slot, pos, current, unlock, err := s.lockRecord(id)
	if err != nil {
		return OverrideRecord{}, err
	}
	defer unlock()

	old := current[pos]
	next := old.clone()
	next.Value = upd.Value
	next.EffectiveFrom = upd.EffectiveFrom
	next.EffectiveTo = nil
	if upd.EffectiveTo != nil {
		to := *upd.EffectiveTo
		next.EffectiveTo = &to
	}
	next.Comment = upd.Comment
	next.UpdatedBy = actor
	next.UpdatedAt = s.now()

	if err := s.validate(next); err != nil {
		return OverrideRecord{}, err
	}
	if err := s.checkOverlap(next, current); err != nil {
		return OverrideRecord{}, err
	}

	if err := s.audit(ctx, ActionUpdate, old.Key, id, &old, &next, actor); err != nil {
		return OverrideRecord{}, err
	}

	records := make([]OverrideRecord, len(current))
	copy(records, current)
	records[pos] = next
	slot.publish(records)

	s.logger.Info("override updated",
		"override_id", id,
		"key", next.Key.String(),
		"attribute", next.Attribute,
		"window", next.Window(),
		"actor", actor,
	)
	return next.clone(), nil
}

// Delete tombstones an override. The record is retained for audit history
// but no longer takes part in resolution or overlap checks.
func (s *OverrideStore) Delete(ctx context.Context, id uuid.UUID) (OverrideRecord, error) {
	deleted, err := s.delete(ctx, id)
	s.observer.ObserveOverrideMutation(s.entity.Name, ActionDelete, err)
	return deleted, err
}

func (s *OverrideStore) delete(ctx context.Context, id uuid.UUID) (OverrideRecord, error) {
	actor, err := s.authorize(ctx)
	if err != nil {
		return OverrideRecord{}, err
	}

	slot, pos, current, unlock, err := s.lockRecord(id)
	if err != nil {
		return OverrideRecord{}, err
	}
	defer unlock()

	old := current[pos]
	if err := s.audit(ctx, ActionDelete, old.Key, id, &old, nil, actor); err != nil {
		return OverrideRecord{}, err
	}

	tomb := old.clone()
	tomb.Deleted = true
	tomb.DeletedBy = actor
	tomb.DeletedAt = s.now()

	records := make([]OverrideRecord, len(current))
	copy(records, current)
	records[pos] = tomb
	slot.publish(records)

	s.logger.Info("override deleted",
		"override_id", id,
		"key", old.Key.String(),
		"attribute", old.Attribute,
		"actor", actor,
	)
	return tomb.clone(), nil
}

// lockRecord finds a live record by id and returns its slot locked.
// The caller must call unlock exactly once on success.
func (s *OverrideStore) lockRecord(id uuid.UUID) (*overrideSlot, int, []OverrideRecord, func(), error) {
	v, ok := s.ids.Load(id)
	if !ok {
		return nil, 0, nil, nil, &NotFoundError{ID: id}
	}
	slot := s.slotOrCreate(v.(string))

	slot.mu.Lock()
	current := slot.load()
	for i, r := range current {
		if r.ID == id {
			if r.Deleted {
				break
			}
			return slot, i, current, slot.mu.Unlock, nil
		}
	}
	slot.mu.Unlock()
	return nil, 0, nil, nil, &NotFoundError{ID: id}
}

// authorize checks the actor identity and that the entity type accepts overrides.
func (s *OverrideStore) authorize(ctx context.Context) (string, error) {
	if !s.entity.Overridable {
		return "", fmt.Errorf("%s: %w", s.entity.Name, ErrOverridesDisabled)
	}
	actor := strings.TrimSpace(ActorFromContext(ctx))
	if actor == "" {
		return "", ErrMissingActor
	}
	return actor, nil
}

// validate checks key shape, attribute, value kind and window.
func (s *OverrideStore) validate(rec OverrideRecord) error {
	verr := &ValidationError{EntityType: s.entity.Name}

	if !rec.Key.Valid() {
		verr.add("key", rec.Key.String(), "natural key is empty or has an empty part")
	} else if n := len(s.entity.KeyColumns); n > 0 && rec.Key.Len() != n {
		verr.add("key", rec.Key.String(), "expected %d key parts (%s), got %d",
			n, strings.Join(s.entity.KeyColumns, ", "), rec.Key.Len())
	}

	if rec.Attribute == "" {
		verr.add("attribute", "", "attribute is required")
	} else if len(s.entity.Attributes) > 0 {
		spec, ok := s.entity.Attribute(rec.Attribute)
		switch {
		case !ok:
			verr.add("attribute", rec.Attribute, "unknown attribute")
		case spec.ReadOnly:
			verr.add("attribute", rec.Attribute, "attribute cannot be overridden")
		case rec.Value.Kind != spec.Type && !rec.Value.IsNull():
			verr.add("value", rec.Value.String(), "expected %s value, got %s", spec.Type, rec.Value.Kind)
		}
	}

	if rec.EffectiveFrom.IsZero() {
		verr.add("effectiveFrom", "", "effective from date is required")
	}
	if rec.EffectiveTo != nil && !rec.EffectiveTo.After(rec.EffectiveFrom) {
		verr.add("effectiveTo", rec.EffectiveTo.String(), "must be after effective from date %s", rec.EffectiveFrom)
	}

	return verr.orNil()
}

// checkOverlap compares rec against every other non-deleted record.
func (s *OverrideStore) checkOverlap(rec OverrideRecord, current []OverrideRecord) error {
	for _, other := range current {
		if other.Deleted || other.ID == rec.ID {
			continue
		}
		if rec.Overlaps(other) {
			return &OverlapError{
				EntityType: s.entity.Name,
				Key:        rec.Key,
				Attribute:  rec.Attribute,
				Window:     rec.Window(),
				Existing:   other.ID,
				ExistingAt: other.Window(),
			}
		}
	}
	return nil
}

// audit appends the entry for one mutation.
func (s *OverrideStore) audit(ctx context.Context, action AuditAction, key NaturalKey, id uuid.UUID, before, after *OverrideRecord, actor string) error {
	beforeJSON, err := encodePayload(before)
	if err != nil {
		return err
	}
	afterJSON, err := encodePayload(after)
	if err != nil {
		return err
	}

	_, err = s.trail.Record(ctx, AuditEntry{
		ID:         uuid.New(),
		Area:       s.entity.Name,
		Action:     action,
		Key:        key,
		OverrideID: id,
		Before:     beforeJSON,
		After:      afterJSON,
		ModifiedBy: actor,
		Timestamp:  s.now(),
		IPAddress:  GetIPAddressFromContext(ctx),
		UserAgent:  GetUserAgentFromContext(ctx),
	})
	if err != nil {
		s.logger.Error("audit write failed, mutation not applied",
			"action", action,
			"override_id", id,
			"error", err,
		)
		return fmt.Errorf("audit trail: %w", err)
	}
	return nil
}

// ActiveFor returns the non-deleted override whose window contains asOf.
// Finding more than one is reported as *InvariantViolation.
func (s *OverrideStore) ActiveFor(key NaturalKey, attribute string, asOf Date) (OverrideRecord, bool, error) {
	slot, ok := s.slot(key, attribute)
	if !ok {
		return OverrideRecord{}, false, nil
	}

	var (
		found   OverrideRecord
		matches []uuid.UUID
	)
	for _, r := range slot.load() {
		if r.Deleted || !r.Contains(asOf) {
			continue
		}
		if len(matches) == 0 {
			found = r
		}
		matches = append(matches, r.ID)
	}

	switch len(matches) {
	case 0:
		return OverrideRecord{}, false, nil
	case 1:
		return found.clone(), true, nil
	default:
		return OverrideRecord{}, false, &InvariantViolation{
			EntityType: s.entity.Name,
			Key:        key,
			Attribute:  s.canonicalAttribute(attribute),
			AsOf:       asOf,
			Matches:    matches,
		}
	}
}

// Get returns an override by id, including tombstoned ones.
func (s *OverrideStore) Get(id uuid.UUID) (OverrideRecord, bool) {
	v, ok := s.ids.Load(id)
	if !ok {
		return OverrideRecord{}, false
	}
	slotVal, ok := s.slots.Load(v.(string))
	if !ok {
		return OverrideRecord{}, false
	}
	for _, r := range slotVal.(*overrideSlot).load() {
		if r.ID == id {
			return r.clone(), true
		}
	}
	return OverrideRecord{}, false
}

// List returns every override for key and attribute, tombstones included,
// ordered by EffectiveFrom.
func (s *OverrideStore) List(key NaturalKey, attribute string) []OverrideRecord {
	slot, ok := s.slot(key, attribute)
	if !ok {
		return nil
	}
	current := slot.load()
	out := make([]OverrideRecord, len(current))
	for i, r := range current {
		out[i] = r.clone()
	}
	return out
}

// ListKey returns every override for key across all attributes.
func (s *OverrideStore) ListKey(key NaturalKey) []OverrideRecord {
	prefix := key.mapKey() + "\x00"
	var out []OverrideRecord
	s.slots.Range(func(k, v any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			for _, r := range v.(*overrideSlot).load() {
				out = append(out, r.clone())
			}
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Attribute != out[j].Attribute {
			return out[i].Attribute < out[j].Attribute
		}
		return out[i].EffectiveFrom.Before(out[j].EffectiveFrom)
	})
	return out
}

// Len returns the number of records held, tombstones included.
func (s *OverrideStore) Len() int { return int(s.count.Load()) }

// Replay rebuilds state from audit entries without emitting new ones.
// Entries for other entity types are skipped. It returns the number applied.
func (s *OverrideStore) Replay(entries iter.Seq2[AuditEntry, error]) (int, error) {
	applied := 0
	for entry, err := range entries {
		if err != nil {
			return applied, fmt.Errorf("replay %s: %w", s.entity.Name, err)
		}
		if entry.Area != s.entity.Name {
			continue
		}
		if err := s.apply(entry); err != nil {
			return applied, fmt.Errorf("replay %s entry %d: %w", s.entity.Name, entry.Sequence, err)
		}
		applied++
	}
	return applied, nil
}

// apply installs the state carried by one audit entry.
func (s *OverrideStore) apply(entry AuditEntry) error {
	switch entry.Action {
	case ActionCreate, ActionUpdate:
		rec, ok, err := entry.AfterRecord()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s entry has no after state", entry.Action)
		}
		s.install(rec)
		return nil

	case ActionDelete:
		rec, ok, err := entry.BeforeRecord()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("delete entry has no before state")
		}
		rec.Deleted = true
		rec.DeletedBy = entry.ModifiedBy
		rec.DeletedAt = entry.Timestamp
		s.install(rec)
		return nil

	default:
		return fmt.Errorf("unknown audit action %q", entry.Action)
	}
}

// install inserts or replaces rec by id.
func (s *OverrideStore) install(rec OverrideRecord) {
	rec.Attribute = s.canonicalAttribute(rec.Attribute)
	slotKey := s.slotKey(rec.Key, rec.Attribute)
	slot := s.slotOrCreate(slotKey)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	current := slot.load()
	records := make([]OverrideRecord, 0, len(current)+1)
	replaced := false
	for _, r := range current {
		if r.ID == rec.ID {
			records = append(records, rec)
			replaced = true
			continue
		}
		records = append(records, r)
	}
	if !replaced {
		records = append(records, rec)
		s.count.Add(1)
	}
	slot.publish(records)
	s.ids.Store(rec.ID, slotKey)
}

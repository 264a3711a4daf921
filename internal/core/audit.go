package core

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of override mutation being audited.
type AuditAction string

const (
	ActionCreate AuditAction = "create"
	ActionUpdate AuditAction = "update"
	ActionDelete AuditAction = "delete"
)

// AuditEntry records one override mutation. Entries are append-only.
type AuditEntry struct {
	ID         uuid.UUID       `json:"id"`
	Sequence   int64           `json:"sequence"` // Append order, assigned by the trail
	Area       string          `json:"area"`     // Entity type of the override
	Action     AuditAction     `json:"action"`
	Key        NaturalKey      `json:"key"`
	OverrideID uuid.UUID       `json:"overrideId"`
	Before     json.RawMessage `json:"before"` // Prior state or null
	After      json.RawMessage `json:"after"`  // New state or null
	ModifiedBy string          `json:"modifiedBy"`
	Timestamp  time.Time       `json:"timestamp"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
}

// BeforeRecord decodes the Before payload. False when it is null.
func (e AuditEntry) BeforeRecord() (OverrideRecord, bool, error) {
	return decodePayload(e.Before)
}

// AfterRecord decodes the After payload. False when it is null.
func (e AuditEntry) AfterRecord() (OverrideRecord, bool, error) {
	return decodePayload(e.After)
}

func decodePayload(raw json.RawMessage) (OverrideRecord, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return OverrideRecord{}, false, nil
	}
	var rec OverrideRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return OverrideRecord{}, false, fmt.Errorf("decode audit payload: %w", err)
	}
	return rec, true, nil
}

// encodePayload serializes an override state; nil encodes as JSON null.
func encodePayload(rec *OverrideRecord) (json.RawMessage, error) {
	if rec == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}
	return data, nil
}

// AuditTrail is the durable, append-only log of override mutations.
// Warehouse reloads are trusted bulk operations and are not audited.
// There is deliberately no update or delete operation.
type AuditTrail interface {
	// Record appends an entry, assigning its Sequence.
	Record(ctx context.Context, entry AuditEntry) (AuditEntry, error)

	// ForKey yields entries for a natural key ordered by Timestamp ascending.
	// The sequence is finite and restartable.
	ForKey(ctx context.Context, key NaturalKey) iter.Seq2[AuditEntry, error]

	// All yields every entry in append order. Used to replay overrides at startup.
	All(ctx context.Context) iter.Seq2[AuditEntry, error]
}

// MemoryAuditTrail is an in-process AuditTrail. It is used when no database
// is configured and in tests.
type MemoryAuditTrail struct {
	mu      sync.RWMutex
	entries []AuditEntry
	byKey   map[string][]int
}

// NewMemoryAuditTrail creates an empty in-memory trail.
func NewMemoryAuditTrail() *MemoryAuditTrail {
	return &MemoryAuditTrail{byKey: make(map[string][]int)}
}

// Record appends entry.
func (m *MemoryAuditTrail) Record(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return AuditEntry{}, fmt.Errorf("audit trail: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Sequence = int64(len(m.entries) + 1)
	m.entries = append(m.entries, entry)
	mk := entry.Key.mapKey()
	m.byKey[mk] = append(m.byKey[mk], len(m.entries)-1)
	return entry, nil
}

// ForKey yields the entries for key ordered by Timestamp, then Sequence.
func (m *MemoryAuditTrail) ForKey(ctx context.Context, key NaturalKey) iter.Seq2[AuditEntry, error] {
	return func(yield func(AuditEntry, error) bool) {
		m.mu.RLock()
		positions := m.byKey[key.mapKey()]
		entries := make([]AuditEntry, len(positions))
		for i, pos := range positions {
			entries[i] = m.entries[pos]
		}
		m.mu.RUnlock()

		sort.SliceStable(entries, func(i, j int) bool {
			if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
				return entries[i].Timestamp.Before(entries[j].Timestamp)
			}
			return entries[i].Sequence < entries[j].Sequence
		})

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(AuditEntry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// All yields every entry in append order.
func (m *MemoryAuditTrail) All(ctx context.Context) iter.Seq2[AuditEntry, error] {
	return func(yield func(AuditEntry, error) bool) {
		m.mu.RLock()
		entries := make([]AuditEntry, len(m.entries))
		copy(entries, m.entries)
		m.mu.RUnlock()

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(AuditEntry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Len returns the number of recorded entries.
func (m *MemoryAuditTrail) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

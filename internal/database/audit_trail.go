package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/ucshadow/internal/core"
)

// DefaultPageSize is how many audit rows one query fetches while iterating.
const DefaultPageSize = 500

// AuditTrail stores override audit entries in override_audit_log. The table
// is insert-only; a trigger rejects updates and deletes.
type AuditTrail struct {
	db       DBTX
	pageSize int
}

var _ core.AuditTrail = (*AuditTrail)(nil)

// NewAuditTrail wraps a pool or transaction.
func NewAuditTrail(db DBTX) *AuditTrail {
	return &AuditTrail{db: db, pageSize: DefaultPageSize}
}

// WithPageSize sets the iteration page size.
func (a *AuditTrail) WithPageSize(n int) *AuditTrail {
	if n > 0 {
		a.pageSize = n
	}
	return a
}

const insertAuditEntry = `
INSERT INTO override_audit_log (
    id, area, action, key_parts, override_id,
    before_state, after_state, modified_by, recorded_at, ip_address, user_agent
) VALUES ($1, $2, $3, $4::jsonb, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11)
RETURNING sequence`

const selectAuditColumns = `
SELECT sequence, id, area, action, key_parts, override_id,
       before_state, after_state, modified_by, recorded_at, ip_address, user_agent
FROM override_audit_log`

// Keyset pagination keeps each page query cheap on a large log.
const selectAuditByKey = selectAuditColumns + `
WHERE key_parts = $1::jsonb
  AND (recorded_at, sequence) > ($2, $3)
ORDER BY recorded_at, sequence
LIMIT $4`

const selectAuditAll = selectAuditColumns + `
WHERE sequence > $1
ORDER BY sequence
LIMIT $2`

// Record appends entry and returns it with its assigned Sequence.
func (a *AuditTrail) Record(ctx context.Context, entry core.AuditEntry) (core.AuditEntry, error) {
	if a.db == nil {
		return core.AuditEntry{}, errors.New("audit trail not initialized")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	keyJSON, err := json.Marshal(entry.Key)
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("encode audit key: %w", err)
	}

	err = a.db.QueryRow(ctx, insertAuditEntry,
		entry.ID,
		entry.Area,
		string(entry.Action),
		string(keyJSON),
		entry.OverrideID,
		nullableJSON(entry.Before),
		nullableJSON(entry.After),
		entry.ModifiedBy,
		entry.Timestamp.UTC(),
		core.ToPgText(entry.IPAddress),
		core.ToPgText(entry.UserAgent),
	).Scan(&entry.Sequence)
	if err != nil {
		return core.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

// ForKey yields the entries for key ordered by timestamp, fetching one page
// at a time. Ranging again re-runs the queries.
func (a *AuditTrail) ForKey(ctx context.Context, key core.NaturalKey) iter.Seq2[core.AuditEntry, error] {
	return func(yield func(core.AuditEntry, error) bool) {
		keyJSON, err := json.Marshal(key)
		if err != nil {
			yield(core.AuditEntry{}, fmt.Errorf("encode audit key: %w", err))
			return
		}

		lastAt := time.Time{}
		lastSeq := int64(0)
		for {
			page, err := a.queryPage(ctx, selectAuditByKey, string(keyJSON), lastAt, lastSeq, a.pageSize)
			if err != nil {
				yield(core.AuditEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < a.pageSize {
				return
			}
			last := page[len(page)-1]
			lastAt, lastSeq = last.Timestamp, last.Sequence
		}
	}
}

// All yields every entry in append order, one page at a time.
func (a *AuditTrail) All(ctx context.Context) iter.Seq2[core.AuditEntry, error] {
	return func(yield func(core.AuditEntry, error) bool) {
		lastSeq := int64(0)
		for {
			page, err := a.queryPage(ctx, selectAuditAll, lastSeq, a.pageSize)
			if err != nil {
				yield(core.AuditEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < a.pageSize {
				return
			}
			lastSeq = page[len(page)-1].Sequence
		}
	}
}

// queryPage runs one page query and decodes every row.
func (a *AuditTrail) queryPage(ctx context.Context, query string, args ...any) ([]core.AuditEntry, error) {
	if a.db == nil {
		return nil, errors.New("audit trail not initialized")
	}

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var page []core.AuditEntry
	for rows.Next() {
		var (
			entry      core.AuditEntry
			action     string
			keyJSON    []byte
			before     []byte
			after      []byte
			recordedAt pgtype.Timestamptz
			ipAddress  pgtype.Text
			userAgent  pgtype.Text
		)
		if err := rows.Scan(
			&entry.Sequence,
			&entry.ID,
			&entry.Area,
			&action,
			&keyJSON,
			&entry.OverrideID,
			&before,
			&after,
			&entry.ModifiedBy,
			&recordedAt,
			&ipAddress,
			&userAgent,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		if err := json.Unmarshal(keyJSON, &entry.Key); err != nil {
			return nil, fmt.Errorf("decode audit key of entry %d: %w", entry.Sequence, err)
		}
		entry.Action = core.AuditAction(action)
		entry.Before = rawOrNull(before)
		entry.After = rawOrNull(after)
		if recordedAt.Valid {
			entry.Timestamp = recordedAt.Time
		}
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String

		page = append(page, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return page, nil
}

// nullableJSON maps an absent or JSON-null payload to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

// rawOrNull maps SQL NULL back to a JSON null payload.
func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

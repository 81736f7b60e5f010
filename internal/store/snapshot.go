package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/cache"
)

// SaveSnapshot upserts the given records, replacing any existing rows for
// the same keys. The whole snapshot is written in one transaction: a crash
// mid-save leaves the previous snapshot intact.
//
// Values are serialized as JSON; a record whose value does not marshal
// fails the entire save.
func (s *Store) SaveSnapshot(ctx context.Context, recs []cache.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cache_entries (key, value, fetched_at, stale_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			fetched_at = excluded.fetched_at,
			stale_at   = excluded.stale_at,
			expires_at = excluded.expires_at
	`)
	if err != nil {
		return fmt.Errorf("save snapshot: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		valueJSON, err := json.Marshal(r.Value)
		if err != nil {
			return fmt.Errorf("save snapshot: marshal value for key %q: %w", r.Key, err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Key,
			string(valueJSON),
			r.FetchedAt.UnixNano(),
			r.StaleAt.UnixNano(),
			r.ExpiresAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("save snapshot: write key %q: %w", r.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}

	return nil
}

// LoadSnapshot reads all persisted records, ordered by key for
// deterministic output. Expired rows are included - cache.Table.Restore
// skips them, and PruneExpired removes them from disk.
func (s *Store) LoadSnapshot(ctx context.Context) ([]cache.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, fetched_at, stale_at, expires_at
		FROM cache_entries
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	var recs []cache.Record
	for rows.Next() {
		var (
			key       string
			valueJSON string
			fetchedAt int64
			staleAt   int64
			expiresAt int64
		)
		if err := rows.Scan(&key, &valueJSON, &fetchedAt, &staleAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("load snapshot: scan: %w", err)
		}

		var value any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			return nil, fmt.Errorf("load snapshot: unmarshal value for key %q: %w", key, err)
		}

		recs = append(recs, cache.Record{
			Key:       key,
			Value:     value,
			FetchedAt: time.Unix(0, fetchedAt),
			StaleAt:   time.Unix(0, staleAt),
			ExpiresAt: time.Unix(0, expiresAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load snapshot: rows: %w", err)
	}

	return recs, nil
}

// DeleteEntry removes one persisted record. Mirror of cache.Table.Evict
// for hosts that keep the snapshot in sync with the live table.
// Deleting an absent key is a no-op.
func (s *Store) DeleteEntry(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete entry %q: %w", key, err)
	}
	return nil
}

// PruneExpired deletes rows fully expired as of now.
// Returns the number of rows removed.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune expired: rows affected: %w", err)
	}
	return n, nil
}

// Count returns the number of persisted records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

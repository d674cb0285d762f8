package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/psb/internal/ir"
)

// LoadSnapshot reads the last synchronized state of every table and the
// recorded method digests.
//
// Returns an empty snapshot (never nil) for a fresh database.
func (s *Store) LoadSnapshot(ctx context.Context) (*ir.Snapshot, error) {
	snap := ir.NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, row_key, run_id, origin, values_json, remote_id, hash
		FROM synced_rows
		ORDER BY table_name ASC, row_key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query synced rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanSyncedRow(rows)
		if err != nil {
			return nil, err
		}
		snap.Put(r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate synced rows: %w", err)
	}

	digests, err := s.MethodDigests(ctx)
	if err != nil {
		return nil, err
	}
	snap.MethodDigests = digests
	return snap, nil
}

// RecordSynced upserts the committed remote state of one row. The executor
// calls it right after each successful write.
func (s *Store) RecordSynced(ctx context.Context, r ir.SyncedRow) error {
	valuesJSON, err := json.Marshal(r.Values)
	if err != nil {
		return fmt.Errorf("record synced %s %s: %w", r.Table, r.Key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO synced_rows
		(table_name, row_key, run_id, origin, values_json, remote_id, hash, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, row_key) DO UPDATE SET
			run_id = excluded.run_id,
			origin = excluded.origin,
			values_json = excluded.values_json,
			remote_id = CASE WHEN excluded.remote_id = '' THEN synced_rows.remote_id ELSE excluded.remote_id END,
			hash = excluded.hash,
			synced_at = excluded.synced_at
	`,
		string(r.Table),
		r.Key,
		r.RunID,
		r.Origin,
		string(valuesJSON),
		r.RemoteID,
		r.Hash,
		timestamp(s.now()),
	)
	if err != nil {
		return fmt.Errorf("record synced %s %s: %w", r.Table, r.Key, err)
	}
	return nil
}

// SyncedRows returns the synced rows of one table ordered by key.
func (s *Store) SyncedRows(ctx context.Context, table ir.TableName) ([]ir.SyncedRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, row_key, run_id, origin, values_json, remote_id, hash
		FROM synced_rows
		WHERE table_name = ?
		ORDER BY row_key COLLATE BINARY ASC
	`, string(table))
	if err != nil {
		return nil, fmt.Errorf("query synced rows: %w", err)
	}
	defer rows.Close()

	out := []ir.SyncedRow{}
	for rows.Next() {
		r, err := scanSyncedRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate synced rows: %w", err)
	}
	return out, nil
}

func scanSyncedRow(rows *sql.Rows) (ir.SyncedRow, error) {
	var (
		r          ir.SyncedRow
		table      string
		valuesJSON string
	)
	if err := rows.Scan(&table, &r.Key, &r.RunID, &r.Origin, &valuesJSON, &r.RemoteID, &r.Hash); err != nil {
		return ir.SyncedRow{}, fmt.Errorf("scan synced row: %w", err)
	}
	r.Table = ir.TableName(table)
	if err := json.Unmarshal([]byte(valuesJSON), &r.Values); err != nil {
		return ir.SyncedRow{}, fmt.Errorf("decode synced row %s %s: %w", table, r.Key, err)
	}
	if r.Values == nil {
		r.Values = map[string]string{}
	}
	return r, nil
}

// RecordMethodDigest stores the digest of a method definition the first
// time the name is seen. Later calls for the same name are ignored: the
// first synced definition stays authoritative.
func (s *Store) RecordMethodDigest(ctx context.Context, m ir.Method) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO method_digests (name, digest, source, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, m.Name, m.Digest, m.Source, timestamp(s.now()))
	if err != nil {
		return fmt.Errorf("record method digest %s: %w", m.Name, err)
	}
	return nil
}

// MethodDigests returns every recorded method digest by name.
func (s *Store) MethodDigests(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, digest FROM method_digests`)
	if err != nil {
		return nil, fmt.Errorf("query method digests: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, digest string
		if err := rows.Scan(&name, &digest); err != nil {
			return nil, fmt.Errorf("scan method digest: %w", err)
		}
		out[name] = digest
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate method digests: %w", err)
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncRun is the log entry of one sync invocation.
type SyncRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	OK         bool
	// Report is the full sync report as JSON.
	Report json.RawMessage
}

// WriteSyncRun appends a sync run to the log and returns its ID.
// IDs are UUIDv7 so they sort by start time.
func (s *Store) WriteSyncRun(ctx context.Context, started, finished time.Time, dryRun, ok bool, report any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("write sync run: %w", err)
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("write sync run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, started_at, finished_at, dry_run, ok, report_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), timestamp(started), timestamp(finished), dryRun, ok, string(reportJSON))
	if err != nil {
		return "", fmt.Errorf("write sync run: %w", err)
	}
	return id.String(), nil
}

// LastSyncRun returns the most recently started sync run.
// Returns sql.ErrNoRows (wrapped) when nothing was logged yet.
func (s *Store) LastSyncRun(ctx context.Context) (*SyncRun, error) {
	var (
		run               SyncRun
		started, finished string
		report            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, dry_run, ok, report_json
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`).Scan(&run.ID, &started, &finished, &run.DryRun, &run.OK, &report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("last sync run: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("query last sync run: %w", err)
	}

	if run.StartedAt, err = parseTimestamp(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.FinishedAt, err = parseTimestamp(finished); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	run.Report = json.RawMessage(report)
	return &run, nil
}

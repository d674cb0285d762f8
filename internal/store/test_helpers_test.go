package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/testutil"
)

// createTestStore opens a fresh store in a temp dir with a fake clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	clock := testutil.NewFakeClock()
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func syncedRun(id, status, remoteID string) ir.SyncedRow {
	row := ir.Row{
		Table:  ir.TableRuns,
		Key:    id,
		RunID:  id,
		Origin: "bundles/" + id,
		Values: map[string]string{"Title": id, "RUN ID": id, "Status": status},
	}
	return ir.SyncedRow{Row: row, RemoteID: remoteID, Hash: ir.MustRowHash(row)}
}

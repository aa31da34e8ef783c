package gc

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coveglabs/skiff/internal/storage"
	"github.com/coveglabs/skiff/internal/wire"
)

type fakePurger struct {
	mu     sync.Mutex
	db     *storage.DB
	purged []string
}

func (p *fakePurger) PurgeLocal(fileID string) error {
	p.mu.Lock()
	p.purged = append(p.purged, fileID)
	p.mu.Unlock()
	// Mirror what the coordinator's purge does to the metadata row, so a
	// second sweep does not purge again.
	return p.db.DeleteLocalFile(fileID)
}

func (p *fakePurger) has(fileID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.purged {
		if id == fileID {
			return true
		}
	}
	return false
}

type fakeChecker struct {
	exists map[string]bool
}

func (c *fakeChecker) CheckExists(fileIDs []string) (exists, missing []string, err error) {
	for _, id := range fileIDs {
		if c.exists[id] {
			exists = append(exists, id)
		} else {
			missing = append(missing, id)
		}
	}
	return exists, missing, nil
}

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addLocalFile(t *testing.T, db *storage.DB, fileID string, complete bool, lastActivity time.Time) {
	t.Helper()
	err := db.UpsertLocalFile(&storage.LocalFile{
		FileID:           fileID,
		TotalSize:        100,
		ChunkCount:       1,
		Checksum:         "sum",
		DownloadComplete: complete,
		LastActivityAt:   lastActivity.Unix(),
		CreatedAt:        lastActivity.Unix(),
	})
	if err != nil {
		t.Fatalf("UpsertLocalFile %s: %v", fileID, err)
	}
}

func TestSweep_PurgesAbandonedIncompleteFiles(t *testing.T) {
	db := testDB(t)
	purger := &fakePurger{db: db}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Incomplete and idle 31 days: reclaimed.
	addLocalFile(t, db, "stale", false, now.Add(-31*24*time.Hour))
	// Incomplete but active 10 days ago: kept.
	addLocalFile(t, db, "active", false, now.Add(-10*24*time.Hour))
	// Complete and idle 90 days: never reclaimed by the sweep.
	addLocalFile(t, db, "done", true, now.Add(-90*24*time.Hour))

	c := New(db, purger, nil, nil, WithClock(func() time.Time { return now }))
	res, err := c.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Purged != 1 || res.Kept != 2 {
		t.Fatalf("purged=%d kept=%d, want 1/2", res.Purged, res.Kept)
	}
	if !purger.has("stale") {
		t.Fatal("stale file not purged")
	}
	if purger.has("active") || purger.has("done") {
		t.Fatal("sweep purged a file it should keep")
	}

	// Idempotent: the purged row is gone, nothing left to reclaim.
	res, err = c.Sweep()
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if res.Purged != 0 {
		t.Fatalf("second sweep purged %d files", res.Purged)
	}
}

func TestSweep_ExactHorizonBoundary(t *testing.T) {
	db := testDB(t)
	purger := &fakePurger{db: db}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Exactly at the horizon is kept; strictly older is purged.
	addLocalFile(t, db, "at-horizon", false, now.Add(-DefaultInactivity))
	addLocalFile(t, db, "past-horizon", false, now.Add(-DefaultInactivity-time.Second))

	c := New(db, purger, nil, nil, WithClock(func() time.Time { return now }))
	if _, err := c.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if purger.has("at-horizon") {
		t.Fatal("file at the exact horizon was purged")
	}
	if !purger.has("past-horizon") {
		t.Fatal("file past the horizon was kept")
	}
}

func TestReconcile_PurgesMissingReannouncesSurvivors(t *testing.T) {
	db := testDB(t)
	purger := &fakePurger{db: db}
	now := time.Now()

	addLocalFile(t, db, "kept", true, now)
	addLocalFile(t, db, "gone", true, now)

	var reannounced []string
	checker := &fakeChecker{exists: map[string]bool{"kept": true}}
	c := New(db, purger, checker, func(fileID string) error {
		reannounced = append(reannounced, fileID)
		return nil
	})

	if err := c.Reconcile(); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !purger.has("gone") {
		t.Fatal("tracker-forgotten file not purged")
	}
	if purger.has("kept") {
		t.Fatal("surviving file purged")
	}
	if len(reannounced) != 1 || reannounced[0] != "kept" {
		t.Fatalf("reannounced = %v, want [kept]", reannounced)
	}
}

func TestHandleNotification(t *testing.T) {
	db := testDB(t)
	purger := &fakePurger{db: db}
	now := time.Now()
	addLocalFile(t, db, "f1", true, now)
	addLocalFile(t, db, "f2", false, now)
	addLocalFile(t, db, "f3", true, now)

	c := New(db, purger, nil, nil)

	c.HandleNotification(wire.MsgShareDeleted, wire.Notification{FileID: "f1", Reason: "deleted by uploader"})
	if !purger.has("f1") {
		t.Fatal("shareDeleted did not purge")
	}

	c.HandleNotification(wire.MsgSeederRemoved, wire.Notification{FileID: "f2", Reason: "inactive seeder removed"})
	if !purger.has("f2") {
		t.Fatal("seederRemoved did not purge")
	}

	// Unrelated pushes are ignored.
	c.HandleNotification(wire.MsgUploaderOnline, wire.Notification{FileID: "f3"})
	if purger.has("f3") {
		t.Fatal("uploaderOnline purged a file")
	}
}

package tracker

import (
	"context"
	"log"
	"time"

	"github.com/coveglabs/skiff/internal/wire"
)

// SweepResult tracks the outcome of one sweep pass.
type SweepResult struct {
	RecordsDeleted int // deleted records whose grace window elapsed
	RecordsExpired int // records past expiry with zero seeders
	SeedersRemoved int // incomplete seeders past the inactivity TTL
}

// Sweep runs one garbage-collection pass over the directory:
//
//  1. remove records marked deleted once the grace window elapsed;
//  2. remove records past ExpiresAt that have zero seeders;
//  3. within surviving records, remove incomplete seeders idle longer than
//     SeederInactivity, notifying each removed device so it purges its local
//     chunks.
//
// A record with at least one surviving seeder is never expired by its own
// ExpiresAt: once any seeder persists, liveness is seeder-driven. Complete
// seeders (DownloadComplete=true) are never removed by inactivity.
func (t *Tracker) Sweep() SweepResult {
	now := t.now()
	var res SweepResult

	type removal struct {
		dk wire.DeviceKey
		n  wire.Notification
	}
	var notices []removal

	t.mu.Lock()
	for fileID, st := range t.files {
		if st.record.Deleted {
			if now.Sub(st.record.DeletedAt) >= t.grace {
				delete(t.files, fileID)
				res.RecordsDeleted++
			}
			continue
		}

		if len(st.seeders) == 0 && now.After(st.record.ExpiresAt) {
			delete(t.files, fileID)
			res.RecordsExpired++
			continue
		}

		for key, se := range st.seeders {
			if se.DownloadComplete {
				continue
			}
			if now.Sub(se.LastActivityAt) > SeederInactivity {
				delete(st.seeders, key)
				res.SeedersRemoved++
				notices = append(notices, removal{
					dk: se.DeviceKey,
					n:  wire.Notification{FileID: fileID, Reason: "inactive seeder removed"},
				})
			}
		}
	}
	t.mu.Unlock()

	for _, r := range notices {
		t.notifyAll([]wire.DeviceKey{r.dk}, wire.MsgSeederRemoved, r.n)
	}
	return res
}

// StartSweeper runs a sweep immediately, then on the given interval until the
// context is cancelled.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t.logSweep(t.Sweep())

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.logSweep(t.Sweep())
			}
		}
	}()
}

func (t *Tracker) logSweep(res SweepResult) {
	if res.RecordsDeleted == 0 && res.RecordsExpired == 0 && res.SeedersRemoved == 0 {
		return
	}
	log.Printf("[sweep] removed %d deleted, %d expired records, %d stale seeders",
		res.RecordsDeleted, res.RecordsExpired, res.SeedersRemoved)
}

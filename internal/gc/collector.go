// Package gc keeps local storage converged with the tracker: it purges
// incomplete files abandoned past the inactivity horizon, applies tracker
// deletion notices, and reconciles local holdings against the tracker after
// a reconnect.
package gc

import (
	"context"
	"log"
	"time"

	"github.com/coveglabs/skiff/internal/storage"
	"github.com/coveglabs/skiff/internal/wire"
)

// DefaultInactivity is how long an incomplete local file may sit without
// transfer activity before its chunks are reclaimed. Completed files are
// never reclaimed by the sweep.
const DefaultInactivity = 30 * 24 * time.Hour

// Purger removes every local trace of a file. swarm.Coordinator implements it.
type Purger interface {
	PurgeLocal(fileID string) error
}

// Checker asks the tracker which of the given files it still tracks.
type Checker interface {
	CheckExists(fileIDs []string) (exists, missing []string, err error)
}

// Collector runs the local garbage collection policy for one device.
type Collector struct {
	db         *storage.DB
	purger     Purger
	checker    Checker
	reannounce func(fileID string) error
	inactivity time.Duration
	now        func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithInactivity overrides the abandonment horizon.
func WithInactivity(d time.Duration) Option {
	return func(c *Collector) { c.inactivity = d }
}

// WithClock overrides the time source. Tests use this to age files without
// waiting.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New creates a collector. reannounce is called for each file the tracker
// still knows during reconciliation; nil disables the reannounce leg.
func New(db *storage.DB, purger Purger, checker Checker, reannounce func(fileID string) error, opts ...Option) *Collector {
	c := &Collector{
		db:         db,
		purger:     purger,
		checker:    checker,
		reannounce: reannounce,
		inactivity: DefaultInactivity,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SweepResult summarizes one collection pass.
type SweepResult struct {
	Purged int
	Kept   int
}

// Sweep purges every incomplete local file whose last transfer activity is
// older than the inactivity horizon. Chunk removal inside a purge is a single
// transaction, so a crash mid-sweep leaves whole files, never stray chunks.
func (c *Collector) Sweep() (SweepResult, error) {
	files, err := c.db.ListLocalFiles()
	if err != nil {
		return SweepResult{}, err
	}
	cutoff := c.now().Add(-c.inactivity).Unix()

	var res SweepResult
	for _, lf := range files {
		if lf.DownloadComplete || lf.LastActivityAt >= cutoff {
			res.Kept++
			continue
		}
		if err := c.purger.PurgeLocal(lf.FileID); err != nil {
			log.Printf("[gc] purge %s: %v", lf.FileID, err)
			res.Kept++
			continue
		}
		res.Purged++
	}
	if res.Purged > 0 {
		log.Printf("[gc] sweep: purged %d abandoned files, kept %d", res.Purged, res.Kept)
	}
	return res, nil
}

// Reconcile checks every locally held file against the tracker: files the
// tracker no longer knows are purged, and survivors are reannounced so the
// tracker sees this device's holdings again.
func (c *Collector) Reconcile() error {
	files, err := c.db.ListLocalFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	ids := make([]string, 0, len(files))
	for _, lf := range files {
		ids = append(ids, lf.FileID)
	}
	exists, missing, err := c.checker.CheckExists(ids)
	if err != nil {
		return err
	}

	for _, id := range missing {
		if err := c.purger.PurgeLocal(id); err != nil {
			log.Printf("[gc] reconcile purge %s: %v", id, err)
		} else {
			log.Printf("[gc] reconcile: %s no longer tracked, purged", id)
		}
	}
	if c.reannounce != nil {
		for _, id := range exists {
			if err := c.reannounce(id); err != nil {
				log.Printf("[gc] reconcile reannounce %s: %v", id, err)
			}
		}
	}
	return nil
}

// HandleNotification applies a tracker push. A shareDeleted notice purges the
// local copy; a seederRemoved notice means the tracker dropped this device's
// seeder entry for inactivity, and the local chunks go with it.
func (c *Collector) HandleNotification(msgType string, n wire.Notification) {
	switch msgType {
	case wire.MsgShareDeleted, wire.MsgSeederRemoved:
		if err := c.purger.PurgeLocal(n.FileID); err != nil {
			log.Printf("[gc] purge %s on %s: %v", n.FileID, msgType, err)
			return
		}
		log.Printf("[gc] purged %s (%s: %s)", n.FileID, msgType, n.Reason)
	}
}

// Run performs an immediate sweep and then sweeps on the interval until the
// context is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if _, err := c.Sweep(); err != nil {
		log.Printf("[gc] sweep: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(); err != nil {
				log.Printf("[gc] sweep: %v", err)
			}
		}
	}
}

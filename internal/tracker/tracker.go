// Package tracker implements the directory service: an authoritative,
// ephemeral mapping of fileID to seeders and leechers with share-scope access
// control, TTL-based expiry, and uploader-exclusive deletion. The tracker is
// advisory: losing it loses discoverability, never file bytes.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/coveglabs/skiff/internal/wire"
)

const (
	// RecordTTL is the lifetime granted to a file record on announce.
	RecordTTL = 30 * 24 * time.Hour

	// RefreshThreshold bounds TTL churn: expiry is only pushed out when the
	// remaining TTL drops below this.
	RefreshThreshold = 3 * 24 * time.Hour

	// SeederInactivity is how long an incomplete seeder may stay idle before
	// the sweep removes it. Complete seeders are exempt.
	SeederInactivity = 30 * 24 * time.Hour

	// DefaultGraceWindow is how long a deleted record lingers so the deletion
	// fan-out can drain before the record disappears.
	DefaultGraceWindow = 30 * time.Second

	defaultUploadCapacity = 4
)

// Presence is the external connection-presence signal used to report seeder
// reachability. The WebSocket server implements it from open connections.
type Presence interface {
	Reachable(dk wire.DeviceKey) bool
}

// Notifier delivers best-effort notifications to devices. Delivery failures
// are the notifier's problem; the tracker never blocks on them.
type Notifier interface {
	Notify(dk wire.DeviceKey, typ string, n wire.Notification)
}

// FileRecord is the tracker's authoritative metadata for one shared file.
type FileRecord struct {
	FileID             string
	TotalSize          int64
	ChunkCount         int
	Checksum           string
	ShareScope         wire.ShareScope
	CreatedAt          time.Time
	ExpiresAt          time.Time
	Deleted            bool
	DeletedAt          time.Time
	OriginalUploaderID string
}

// SeederEntry records one device's holdings for one file.
type SeederEntry struct {
	DeviceKey        wire.DeviceKey
	Bitmap           *wire.Bitmap
	UploadCapacity   int
	LastActivityAt   time.Time
	DownloadComplete bool
	SeederSince      time.Time
}

// LeecherEntry records a device currently downloading a file.
type LeecherEntry struct {
	DeviceKey  wire.DeviceKey
	Requested  map[int]bool
	LastSeenAt time.Time
}

type fileState struct {
	record   FileRecord
	seeders  map[string]*SeederEntry // canonical device key -> entry
	leechers map[string]*LeecherEntry
}

// Tracker is the in-memory directory. Mutations to a record serialize on the
// tracker mutex; reads return copies so callers never see live state.
type Tracker struct {
	mu    sync.RWMutex
	files map[string]*fileState

	presence Presence
	notifier Notifier
	grace    time.Duration
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPresence sets the connection-presence collaborator.
func WithPresence(p Presence) Option { return func(t *Tracker) { t.presence = p } }

// WithNotifier sets the notification fan-out collaborator.
func WithNotifier(n Notifier) Option { return func(t *Tracker) { t.notifier = n } }

// WithGraceWindow overrides how long deleted records linger before removal.
func WithGraceWindow(d time.Duration) Option { return func(t *Tracker) { t.grace = d } }

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		files: make(map[string]*fileState),
		grace: DefaultGraceWindow,
		now:   time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Announce creates or updates the file record and upserts the caller's
// seeder entry. The share scope is merged (never narrowed) and expiry is
// refreshed to now+RecordTTL only when the remaining TTL is below
// RefreshThreshold. The first announcer becomes the original uploader.
func (t *Tracker) Announce(req wire.AnnounceRequest) (*wire.FileRecordSummary, error) {
	if req.FileID == "" || req.DeviceKey.IsZero() {
		return nil, fmt.Errorf("announce missing file or device key")
	}
	now := t.now()

	t.mu.Lock()
	st, ok := t.files[req.FileID]
	if !ok || st.record.Deleted {
		// First announce, or a fresh share of previously deleted content.
		scope := req.ShareScope.Clone()
		if scope == nil {
			scope = wire.NewShareScope()
		}
		scope[req.DeviceKey.UserID] = true
		st = &fileState{
			record: FileRecord{
				FileID:             req.FileID,
				TotalSize:          req.TotalSize,
				ChunkCount:         req.ChunkCount,
				Checksum:           req.Checksum,
				ShareScope:         scope,
				CreatedAt:          now,
				ExpiresAt:          now.Add(RecordTTL),
				OriginalUploaderID: req.DeviceKey.UserID,
			},
			seeders:  make(map[string]*SeederEntry),
			leechers: make(map[string]*LeecherEntry),
		}
		t.files[req.FileID] = st
	} else {
		st.record.ShareScope.Merge(req.ShareScope)
		t.refreshTTL(st, now)
	}

	t.upsertSeeder(st, req.DeviceKey, req.Bitmap, req.UploadCapacity, now)

	summary := t.summary(st)
	targets := t.uploaderOnlineTargets(st, req.DeviceKey)
	t.mu.Unlock()

	t.notifyAll(targets, wire.MsgUploaderOnline, wire.Notification{FileID: req.FileID})
	return summary, nil
}

// Reannounce replaces the caller's seeder entry after a reconnect. It is
// rejected with wire.ErrNotFound when the file is absent or deleted; the
// caller must then garbage-collect its local chunks.
func (t *Tracker) Reannounce(req wire.ReannounceRequest) (*wire.FileRecordSummary, error) {
	now := t.now()

	t.mu.Lock()
	st, ok := t.files[req.FileID]
	if !ok || st.record.Deleted {
		t.mu.Unlock()
		return nil, fmt.Errorf("reannounce %s: %w", req.FileID, wire.ErrNotFound)
	}

	capacity := defaultUploadCapacity
	since := now
	if prev, ok := st.seeders[req.DeviceKey.String()]; ok {
		capacity = prev.UploadCapacity
		since = prev.SeederSince
	}
	st.seeders[req.DeviceKey.String()] = &SeederEntry{
		DeviceKey:        req.DeviceKey,
		Bitmap:           cloneBitmap(req.Bitmap),
		UploadCapacity:   capacity,
		LastActivityAt:   now,
		DownloadComplete: req.DownloadComplete,
		SeederSince:      since,
	}
	t.refreshTTL(st, now)

	summary := t.summary(st)
	targets := t.uploaderOnlineTargets(st, req.DeviceKey)
	t.mu.Unlock()

	t.notifyAll(targets, wire.MsgUploaderOnline, wire.Notification{FileID: req.FileID})
	return summary, nil
}

// CheckExists is the batched probe a reconnecting client uses to decide what
// to reannounce versus purge locally. Deleted files count as missing.
func (t *Tracker) CheckExists(fileIDs []string) (exists, missing []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range fileIDs {
		if st, ok := t.files[id]; ok && !st.record.Deleted {
			exists = append(exists, id)
		} else {
			missing = append(missing, id)
		}
	}
	return exists, missing
}

// GetAvailableChunks returns each seeder's bitmap and reachability, excluding
// the requester itself. Requesters outside the share scope get
// wire.ErrUnauthorized and learn nothing about the swarm.
func (t *Tracker) GetAvailableChunks(fileID string, requester wire.DeviceKey) (map[string]wire.ChunkAvailability, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.files[fileID]
	if !ok || st.record.Deleted {
		return nil, fmt.Errorf("file %s: %w", fileID, wire.ErrNotFound)
	}
	if !st.record.ShareScope.CanAccess(requester.UserID) {
		return nil, fmt.Errorf("requester %s for file %s: %w", requester, fileID, wire.ErrUnauthorized)
	}

	out := make(map[string]wire.ChunkAvailability, len(st.seeders))
	for key, se := range st.seeders {
		if se.DeviceKey == requester {
			continue
		}
		reachable := true
		if t.presence != nil {
			reachable = t.presence.Reachable(se.DeviceKey)
		}
		out[key] = wire.ChunkAvailability{
			Bitmap:         cloneBitmap(se.Bitmap),
			Reachable:      reachable,
			UploadCapacity: se.UploadCapacity,
		}
	}
	return out, nil
}

// RegisterLeecher records that a scoped device is downloading the file so the
// deletion fan-out reaches it.
func (t *Tracker) RegisterLeecher(req wire.RegisterLeecherRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.files[req.FileID]
	if !ok || st.record.Deleted {
		return fmt.Errorf("file %s: %w", req.FileID, wire.ErrNotFound)
	}
	if !st.record.ShareScope.CanAccess(req.DeviceKey.UserID) {
		return fmt.Errorf("leecher %s for file %s: %w", req.DeviceKey, req.FileID, wire.ErrUnauthorized)
	}

	requested := make(map[int]bool, len(req.Wanted))
	for _, i := range req.Wanted {
		requested[i] = true
	}
	st.leechers[req.DeviceKey.String()] = &LeecherEntry{
		DeviceKey:  req.DeviceKey,
		Requested:  requested,
		LastSeenAt: t.now(),
	}
	return nil
}

// MarkActivity refreshes a seeder's LastActivityAt after a successful serve.
// This is what exempts an active incomplete seeder from the inactivity sweep.
func (t *Tracker) MarkActivity(fileID string, dk wire.DeviceKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.files[fileID]
	if !ok {
		return
	}
	if se, ok := st.seeders[dk.String()]; ok {
		se.LastActivityAt = t.now()
	}
}

// DeleteShare marks the record deleted and fans out shareDeleted to every
// current seeder and leecher. Only the original uploader may succeed; any
// other requester gets wire.ErrUnauthorized and the record is untouched. The
// record itself is removed after the grace window, by the sweep.
func (t *Tracker) DeleteShare(fileID string, requester wire.DeviceKey) error {
	t.mu.Lock()
	st, ok := t.files[fileID]
	if !ok || st.record.Deleted {
		t.mu.Unlock()
		return fmt.Errorf("file %s: %w", fileID, wire.ErrNotFound)
	}
	if requester.UserID != st.record.OriginalUploaderID {
		t.mu.Unlock()
		return fmt.Errorf("delete %s by %s: %w", fileID, requester, wire.ErrUnauthorized)
	}

	st.record.Deleted = true
	st.record.DeletedAt = t.now()

	targets := make([]wire.DeviceKey, 0, len(st.seeders)+len(st.leechers))
	for _, se := range st.seeders {
		targets = append(targets, se.DeviceKey)
	}
	for _, le := range st.leechers {
		targets = append(targets, le.DeviceKey)
	}
	t.mu.Unlock()

	t.notifyAll(targets, wire.MsgShareDeleted, wire.Notification{
		FileID: fileID,
		Reason: "deleted by uploader",
	})
	return nil
}

// Disconnect removes the device from every record immediately. Connectivity
// loss is handled separately from, and faster than, the inactivity sweep.
func (t *Tracker) Disconnect(dk wire.DeviceKey) {
	key := dk.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.files {
		delete(st.seeders, key)
		delete(st.leechers, key)
	}
}

// Record returns a copy of the file record, or wire.ErrNotFound.
func (t *Tracker) Record(fileID string) (*FileRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, wire.ErrNotFound)
	}
	rec := st.record
	rec.ShareScope = st.record.ShareScope.Clone()
	return &rec, nil
}

// Seeder returns a copy of one seeder entry, or wire.ErrNotFound.
func (t *Tracker) Seeder(fileID string, dk wire.DeviceKey) (*SeederEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, wire.ErrNotFound)
	}
	se, ok := st.seeders[dk.String()]
	if !ok {
		return nil, fmt.Errorf("seeder %s for %s: %w", dk, fileID, wire.ErrNotFound)
	}
	cp := *se
	cp.Bitmap = cloneBitmap(se.Bitmap)
	return &cp, nil
}

// Stats summarizes the directory, for the HTTP stats endpoint.
type Stats struct {
	Files    int `json:"files"`
	Seeders  int `json:"seeders"`
	Leechers int `json:"leechers"`
}

// Stats returns summary statistics.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var s Stats
	for _, st := range t.files {
		if st.record.Deleted {
			continue
		}
		s.Files++
		s.Seeders += len(st.seeders)
		s.Leechers += len(st.leechers)
	}
	return s
}

// --- internals (callers hold t.mu) ---

func (t *Tracker) refreshTTL(st *fileState, now time.Time) {
	if st.record.ExpiresAt.Sub(now) < RefreshThreshold {
		st.record.ExpiresAt = now.Add(RecordTTL)
	}
}

func (t *Tracker) upsertSeeder(st *fileState, dk wire.DeviceKey, bm *wire.Bitmap, capacity int, now time.Time) {
	if capacity <= 0 {
		capacity = defaultUploadCapacity
	}
	if bm == nil {
		bm = wire.FullBitmap(st.record.ChunkCount)
	}
	since := now
	if prev, ok := st.seeders[dk.String()]; ok {
		since = prev.SeederSince
	}
	st.seeders[dk.String()] = &SeederEntry{
		DeviceKey:        dk,
		Bitmap:           cloneBitmap(bm),
		UploadCapacity:   capacity,
		LastActivityAt:   now,
		DownloadComplete: bm.Complete(),
		SeederSince:      since,
	}
	// A device that seeds is no longer just a leecher.
	delete(st.leechers, dk.String())
}

func (t *Tracker) uploaderOnlineTargets(st *fileState, announcer wire.DeviceKey) []wire.DeviceKey {
	if announcer.UserID != st.record.OriginalUploaderID {
		return nil
	}
	targets := make([]wire.DeviceKey, 0, len(st.leechers))
	for _, le := range st.leechers {
		targets = append(targets, le.DeviceKey)
	}
	return targets
}

func (t *Tracker) summary(st *fileState) *wire.FileRecordSummary {
	return &wire.FileRecordSummary{
		FileID:      st.record.FileID,
		TotalSize:   st.record.TotalSize,
		ChunkCount:  st.record.ChunkCount,
		Checksum:    st.record.Checksum,
		SeederCount: len(st.seeders),
		ExpiresAt:   st.record.ExpiresAt.Unix(),
	}
}

func (t *Tracker) notifyAll(targets []wire.DeviceKey, typ string, n wire.Notification) {
	if t.notifier == nil {
		return
	}
	for _, dk := range targets {
		t.notifier.Notify(dk, typ, n)
	}
}

func cloneBitmap(b *wire.Bitmap) *wire.Bitmap {
	if b == nil {
		return nil
	}
	return b.Clone()
}

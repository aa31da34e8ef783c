// Package swarm drives per-file download and upload state machines: chunk
// scheduling across peer connections, exactly-once completion under races,
// crash-safe resume, and the seeding path that serves other devices.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coveglabs/skiff/internal/chunkstore"
	"github.com/coveglabs/skiff/internal/crypto"
	"github.com/coveglabs/skiff/internal/storage"
	"github.com/coveglabs/skiff/internal/transport"
	"github.com/coveglabs/skiff/internal/wire"
)

// TrackerClient is the tracker surface the coordinator depends on.
// tracker.Client implements it over WebSocket; tests use an in-memory fake.
type TrackerClient interface {
	Announce(req wire.AnnounceRequest) (*wire.FileRecordSummary, error)
	Reannounce(req wire.ReannounceRequest) (*wire.FileRecordSummary, error)
	CheckExists(fileIDs []string) (exists, missing []string, err error)
	GetAvailableChunks(fileID string) (map[string]wire.ChunkAvailability, error)
	RegisterLeecher(fileID string, wanted []int) error
	MarkActivity(fileID string) error
	DeleteShare(fileID string) error
}

// KeyRing resolves an opaque file-key handle to the symmetric key delivered
// by the out-of-band key-exchange collaborator.
type KeyRing interface {
	ResolveKey(handle string) ([]byte, error)
}

// Config tunes the coordinator.
type Config struct {
	ChunkSize           int           // plaintext bytes per chunk when sharing
	DrainTimeout        time.Duration // bounded wait for in-flight responses after the bitmap fills
	RequestTimeout      time.Duration // deadline for a chunk reply before the index is requeued elsewhere
	PeerRefresh         time.Duration // seeder rediscovery interval
	StorageRetries      int           // bounded chunk-store write retries before requeueing
	UploadSlots         int64         // concurrent serves per seeded file
	DefaultPeerCapacity int           // outstanding requests per seeder when it reports none
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           512 * 1024,
		DrainTimeout:        10 * time.Second,
		RequestTimeout:      15 * time.Second,
		PeerRefresh:         30 * time.Second,
		StorageRetries:      3,
		UploadSlots:         4,
		DefaultPeerCapacity: 4,
	}
}

// Coordinator owns per-file transfer state for one device, keyed by fileID.
// No global registries: peers and tasks live here and are passed by handle.
type Coordinator struct {
	self    wire.DeviceKey
	cfg     Config
	store   *chunkstore.Store
	db      *storage.DB
	tracker TrackerClient
	trans   transport.Transport
	keys    KeyRing

	mu         sync.Mutex
	tasks      map[string]*DownloadTask
	seeds      map[string]*seedState
	peerStates map[string]transport.State
}

// New creates a coordinator and registers it as the transport handler.
func New(self wire.DeviceKey, cfg Config, store *chunkstore.Store, db *storage.DB,
	tc TrackerClient, tr transport.Transport, keys KeyRing) *Coordinator {
	c := &Coordinator{
		self:       self,
		cfg:        cfg,
		store:      store,
		db:         db,
		tracker:    tc,
		trans:      tr,
		keys:       keys,
		tasks:      make(map[string]*DownloadTask),
		seeds:      make(map[string]*seedState),
		peerStates: make(map[string]transport.State),
	}
	tr.SetHandler(c)
	return c
}

// DownloadRequest starts a transfer. Metadata and the key handle arrive with
// the share invitation, out of band.
type DownloadRequest struct {
	FileID        string
	ChunkCount    int
	TotalSize     int64
	Checksum      string
	FileKeyHandle string
	DestPath      string
}

// StartDownload creates the download task and begins scheduling. The task
// runs until Complete, Failed, pause, or context cancellation.
func (c *Coordinator) StartDownload(ctx context.Context, req DownloadRequest) (*DownloadTask, error) {
	if req.FileID == "" || req.ChunkCount <= 0 || req.TotalSize < 0 {
		return nil, fmt.Errorf("invalid download request for %q", req.FileID)
	}

	key, err := c.keys.ResolveKey(req.FileKeyHandle)
	if err != nil {
		return nil, fmt.Errorf("resolve file key: %w", err)
	}
	if err := c.ensureKeyCheck(req.FileID, key); err != nil {
		return nil, err
	}

	// Seed from chunks already committed locally, so a restart after a crash
	// never re-fetches owned chunks even before the first persist.
	completed, err := c.store.Bitmap(req.FileID, req.ChunkCount)
	if err != nil {
		return nil, fmt.Errorf("load local bitmap: %w", err)
	}

	now := time.Now().Unix()
	if err := c.db.UpsertLocalFile(&storage.LocalFile{
		FileID:         req.FileID,
		TotalSize:      req.TotalSize,
		ChunkCount:     req.ChunkCount,
		Checksum:       req.Checksum,
		LastActivityAt: now,
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}

	t := newDownloadTask(c, req, key, completed)

	c.mu.Lock()
	if _, exists := c.tasks[req.FileID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("download %s: %w", req.FileID, wire.ErrConflict)
	}
	c.tasks[req.FileID] = t
	c.mu.Unlock()

	t.persist()
	if err := c.tracker.RegisterLeecher(req.FileID, nil); err != nil {
		log.Printf("[swarm] register leecher %s: %v", req.FileID, err)
	}

	go t.run(ctx)
	return t, nil
}

// Resume restores a paused or interrupted download from its persisted resume
// tuple and re-enters Downloading from the complement of the committed
// bitmap.
func (c *Coordinator) Resume(ctx context.Context, fileID string) (*DownloadTask, error) {
	ts, err := c.db.GetTaskState(fileID)
	if err != nil {
		return nil, err
	}
	return c.StartDownload(ctx, DownloadRequest{
		FileID:        ts.FileID,
		ChunkCount:    ts.ChunkCount,
		TotalSize:     ts.TotalSize,
		Checksum:      ts.Checksum,
		FileKeyHandle: ts.FileKeyHandle,
		DestPath:      ts.DestPath,
	})
}

// RestoreTasks resumes every persisted, non-terminal download. Called at
// process start.
func (c *Coordinator) RestoreTasks(ctx context.Context) error {
	states, err := c.db.ListTaskStates()
	if err != nil {
		return err
	}
	for _, ts := range states {
		if ts.Phase == PhaseComplete.String() || ts.Phase == PhaseFailed.String() {
			continue
		}
		if _, err := c.Resume(ctx, ts.FileID); err != nil {
			log.Printf("[swarm] restore %s: %v", ts.FileID, err)
		}
	}
	return nil
}

// Pause stops scheduling for a download, persists its bitmap, and releases
// its connections. Committed chunks are kept.
func (c *Coordinator) Pause(fileID string) error {
	c.mu.Lock()
	t, ok := c.tasks[fileID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s: %w", fileID, wire.ErrNotFound)
	}
	t.pause()
	<-t.done
	return nil
}

// Cancel fails a running download. Local chunks are left for the garbage
// collector.
func (c *Coordinator) Cancel(fileID string) error {
	c.mu.Lock()
	t, ok := c.tasks[fileID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s: %w", fileID, wire.ErrNotFound)
	}
	t.cancel()
	<-t.done
	return nil
}

// Task returns the running download task for fileID, if any.
func (c *Coordinator) Task(fileID string) (*DownloadTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[fileID]
	return t, ok
}

// ShareFile chunks, encrypts, and stores a local file, announces it to the
// tracker, and starts seeding. The file ID is the SHA3-256 of the plaintext.
func (c *Coordinator) ShareFile(path string, scope wire.ShareScope, keyHandle string) (*wire.FileRecordSummary, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("refusing to share empty file %s", path)
	}

	key, err := c.keys.ResolveKey(keyHandle)
	if err != nil {
		return nil, fmt.Errorf("resolve file key: %w", err)
	}

	fileID := crypto.HashContent(plaintext)
	chunkCount := (len(plaintext) + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize

	for i := 0; i < chunkCount; i++ {
		start := i * c.cfg.ChunkSize
		end := start + c.cfg.ChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		iv, ct, err := crypto.SealChunk(key, plaintext[start:end])
		if err != nil {
			return nil, fmt.Errorf("seal chunk %d: %w", i, err)
		}
		err = c.store.Put(fileID, i, chunkstore.Record{IV: iv, Ciphertext: ct})
		if err != nil && !errors.Is(err, wire.ErrConflict) {
			return nil, fmt.Errorf("store chunk %d: %w", i, err)
		}
	}

	if err := c.ensureKeyCheck(fileID, key); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if err := c.db.UpsertLocalFile(&storage.LocalFile{
		FileID:           fileID,
		TotalSize:        int64(len(plaintext)),
		ChunkCount:       chunkCount,
		Checksum:         fileID,
		DownloadComplete: true,
		LastActivityAt:   now,
		CreatedAt:        now,
	}); err != nil {
		return nil, err
	}

	summary, err := c.tracker.Announce(wire.AnnounceRequest{
		FileID:         fileID,
		DeviceKey:      c.self,
		TotalSize:      int64(len(plaintext)),
		Checksum:       fileID,
		ChunkCount:     chunkCount,
		Bitmap:         wire.FullBitmap(chunkCount),
		ShareScope:     scope,
		UploadCapacity: int(c.cfg.UploadSlots),
	})
	if err != nil {
		return nil, fmt.Errorf("announce %s: %w", fileID, err)
	}

	c.registerSeed(fileID, keyHandle)
	return summary, nil
}

// ReannounceLocal re-registers a locally held file after a reconnect. A
// NotFound answer means the share is gone tracker-side; the local copy is
// purged, per the reannounce contract.
func (c *Coordinator) ReannounceLocal(fileID string) error {
	lf, err := c.db.GetLocalFile(fileID)
	if err != nil {
		return err
	}
	bm, err := c.store.Bitmap(fileID, lf.ChunkCount)
	if err != nil {
		return err
	}
	_, err = c.tracker.Reannounce(wire.ReannounceRequest{
		FileID:           fileID,
		DeviceKey:        c.self,
		Bitmap:           bm,
		DownloadComplete: lf.DownloadComplete,
	})
	if errors.Is(err, wire.ErrNotFound) {
		log.Printf("[swarm] reannounce %s rejected, purging local state", fileID)
		return c.PurgeLocal(fileID)
	}
	return err
}

// PurgeLocal atomically deletes every chunk of a file, then its metadata,
// resume state, and keycheck. Chunk removal is a single transaction: never
// partial.
func (c *Coordinator) PurgeLocal(fileID string) error {
	if err := c.store.DeleteFile(fileID); err != nil {
		return err
	}
	if err := c.db.DeleteTaskState(fileID); err != nil {
		return err
	}
	if err := c.db.DeleteKeyCheck(fileID); err != nil {
		return err
	}
	if err := c.db.DeleteLocalFile(fileID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.seeds, fileID)
	c.mu.Unlock()
	return nil
}

// DeleteShare asks the tracker to delete a share this device uploaded, then
// purges the local copy. Other holders converge on deletion as they process
// the tracker's notice or run their own sweep.
func (c *Coordinator) DeleteShare(fileID string) error {
	if err := c.tracker.DeleteShare(fileID); err != nil {
		return err
	}
	return c.PurgeLocal(fileID)
}

// ensureKeyCheck self-tests the cached key artifact and rebuilds it when the
// test fails, instead of continuing with an unusable key.
func (c *Coordinator) ensureKeyCheck(fileID string, key []byte) error {
	var kc crypto.KeyCheck
	iv, check, err := c.db.GetKeyCheck(fileID)
	if err == nil {
		kc = crypto.KeyCheck{IV: iv, Check: check}
	} else if !errors.Is(err, wire.ErrNotFound) {
		return err
	}
	verified, rebuilt, err := crypto.VerifyOrRebuild(key, kc)
	if err != nil {
		return fmt.Errorf("keycheck %s: %w", fileID, err)
	}
	if rebuilt {
		if len(kc.Check) > 0 {
			log.Printf("[swarm] keycheck for %s failed self-test, rebuilt", fileID)
		}
		if err := c.db.SaveKeyCheck(fileID, verified.IV, verified.Check); err != nil {
			return err
		}
	}
	return nil
}

// --- transport.Handler ---

// HandleMessage routes inbound peer traffic: chunk requests go to the seeding
// path, everything else becomes a typed event on the owning task's queue.
func (c *Coordinator) HandleMessage(peer wire.DeviceKey, msg *wire.Message) {
	switch msg.Type {
	case wire.MsgChunkRequest:
		var req wire.ChunkRequest
		if err := msg.Decode(&req); err != nil {
			return
		}
		go c.serveChunk(context.Background(), peer, req)

	case wire.MsgChunkData:
		var cd wire.ChunkData
		if err := msg.Decode(&cd); err != nil {
			return
		}
		c.deliver(cd.FileID, chunkReceivedEvent{peer: peer, index: cd.Index, iv: cd.IV, ciphertext: cd.Ciphertext})

	case wire.MsgChunkUnavailable:
		var cu wire.ChunkUnavailable
		if err := msg.Decode(&cu); err != nil {
			return
		}
		c.deliver(cu.FileID, chunkUnavailableEvent{peer: peer, index: cu.Index})

	case wire.MsgDownloadComplete:
		var dc wire.DownloadCompleteNotice
		if err := msg.Decode(&dc); err != nil {
			return
		}
		c.cancelQueuedSends(dc.FileID, peer)

	default:
		// Tracker or unknown traffic on a peer link: not ours.
	}
}

// HandleState converts transport state transitions into per-task events. A
// link failing from established means a disconnect; failing from connecting
// means the establish timeout fired.
func (c *Coordinator) HandleState(peer wire.DeviceKey, st transport.State) {
	key := peer.String()

	c.mu.Lock()
	prev, known := c.peerStates[key]
	if st == transport.StateFailed {
		delete(c.peerStates, key)
	} else {
		c.peerStates[key] = st
	}
	tasks := make([]*DownloadTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	var ev event
	switch {
	case st == transport.StateEstablished:
		ev = peerConnectedEvent{peer: peer}
	case st == transport.StateFailed && known && prev == transport.StateEstablished:
		ev = peerDisconnectedEvent{peer: peer}
	case st == transport.StateFailed:
		ev = connectionTimeoutEvent{peer: peer}
	default:
		return
	}
	for _, t := range tasks {
		t.post(ev)
	}
}

// peerEstablished reports whether the transport currently holds an
// established link to the peer.
func (c *Coordinator) peerEstablished(dk wire.DeviceKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerStates[dk.String()] == transport.StateEstablished
}

// deliver posts an event to the task owning fileID. Traffic for unknown files
// (late chunks after completion, stray sends) is dropped.
func (c *Coordinator) deliver(fileID string, ev event) {
	c.mu.Lock()
	t, ok := c.tasks[fileID]
	c.mu.Unlock()
	if !ok {
		return
	}
	t.post(ev)
}

// finishTask removes a terminal task from the registry and releases peer
// links no other task uses.
func (c *Coordinator) finishTask(t *DownloadTask, peers []wire.DeviceKey) {
	c.mu.Lock()
	if cur, ok := c.tasks[t.fileID]; ok && cur == t {
		delete(c.tasks, t.fileID)
	}
	others := make([]*DownloadTask, 0, len(c.tasks))
	for _, other := range c.tasks {
		others = append(others, other)
	}
	c.mu.Unlock()

	inUse := make(map[string]bool)
	for _, other := range others {
		for _, dk := range other.connectedPeers() {
			inUse[dk.String()] = true
		}
	}

	for _, dk := range peers {
		if !inUse[dk.String()] {
			c.trans.Close(dk)
		}
	}
}

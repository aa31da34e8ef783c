package swarm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/coveglabs/skiff/internal/chunkstore"
	"github.com/coveglabs/skiff/internal/crypto"
	"github.com/coveglabs/skiff/internal/storage"
	"github.com/coveglabs/skiff/internal/wire"
)

// Phase is a download task's position in its state machine. Failed is
// reachable from every phase.
type Phase int32

const (
	PhaseDownloading Phase = iota
	PhaseDraining
	PhaseAssembling
	PhaseVerifying
	PhaseComplete
	PhaseFailed
)

// String returns the phase name used in logs and persisted state.
func (p Phase) String() string {
	switch p {
	case PhaseDownloading:
		return "downloading"
	case PhaseDraining:
		return "draining"
	case PhaseAssembling:
		return "assembling"
	case PhaseVerifying:
		return "verifying"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// inflightReq tracks the single owner of a requested index and when the
// request went out, so a seeder that accepts requests but never answers is
// timed out instead of owning the index forever.
type inflightReq struct {
	peer   string
	sentAt time.Time
}

// taskPeer is one seeder as seen by a task.
type taskPeer struct {
	key         wire.DeviceKey
	bitmap      *wire.Bitmap
	capacity    int
	outstanding int
	established bool
}

// DownloadTask drives one file's download. The run goroutine is the single
// owner of the state machine; everything else communicates through the typed
// event queue.
type DownloadTask struct {
	co *Coordinator

	fileID     string
	chunkCount int
	totalSize  int64
	checksum   string
	keyHandle  string
	destPath   string
	key        []byte

	mu        sync.Mutex
	phase     Phase
	completed *wire.Bitmap
	queue     []int               // missing indices awaiting an owner
	inflight  map[int]inflightReq // index -> current owner, at most one
	excluded  map[int]string      // index -> peer to avoid after a failed attempt
	peers     map[string]*taskPeer
	failErr   error

	events     chan event
	pauseCh    chan struct{}
	cancelCh   chan struct{}
	pauseOnce  sync.Once
	cancelOnce sync.Once
	done       chan struct{}
}

// TaskStatus is a point-in-time snapshot for callers.
type TaskStatus struct {
	FileID     string
	Phase      Phase
	ChunkCount int
	Completed  int
	InFlight   int
	Err        error
}

func newDownloadTask(co *Coordinator, req DownloadRequest, key []byte, completed *wire.Bitmap) *DownloadTask {
	t := &DownloadTask{
		co:         co,
		fileID:     req.FileID,
		chunkCount: req.ChunkCount,
		totalSize:  req.TotalSize,
		checksum:   req.Checksum,
		keyHandle:  req.FileKeyHandle,
		destPath:   req.DestPath,
		key:        key,
		phase:      PhaseDownloading,
		completed:  completed,
		queue:      completed.Missing(),
		inflight:   make(map[int]inflightReq),
		excluded:   make(map[int]string),
		peers:      make(map[string]*taskPeer),
		events:     make(chan event, 256),
		pauseCh:    make(chan struct{}),
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	return t
}

// Status returns a snapshot of the task.
func (t *DownloadTask) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		FileID:     t.fileID,
		Phase:      t.phase,
		ChunkCount: t.chunkCount,
		Completed:  t.completed.Count(),
		InFlight:   len(t.inflight),
		Err:        t.failErr,
	}
}

// Done is closed when the task's run loop exits.
func (t *DownloadTask) Done() <-chan struct{} { return t.done }

// post delivers an event to the task queue. The queue is buffered; if the
// task has stopped consuming (terminal phase) the event is dropped, which is
// exactly the contract for late chunks.
func (t *DownloadTask) post(ev event) {
	select {
	case t.events <- ev:
	case <-t.done:
	default:
		log.Printf("[swarm] %s: event queue full, dropping %T", t.fileID, ev)
	}
}

func (t *DownloadTask) pause()  { t.pauseOnce.Do(func() { close(t.pauseCh) }) }
func (t *DownloadTask) cancel() { t.cancelOnce.Do(func() { close(t.cancelCh) }) }

func (t *DownloadTask) getPhase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *DownloadTask) setPhase(p Phase) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
}

// run is the task's state machine loop: Downloading -> Draining ->
// Assembling -> Verifying -> Complete, with Failed reachable from anywhere.
// It is the sole consumer of the event queue.
func (t *DownloadTask) run(ctx context.Context) {
	defer close(t.done)
	defer t.releasePeers()

	t.refreshSeeders()
	t.schedule()

	refresh := time.NewTicker(t.co.cfg.PeerRefresh)
	defer refresh.Stop()

	var drainC <-chan time.Time

	for {
		t.mu.Lock()
		phase := t.phase
		complete := t.completed.Complete()
		inflightEmpty := len(t.inflight) == 0
		t.mu.Unlock()

		switch phase {
		case PhaseDownloading:
			if complete {
				// All chunks are logically accounted for, but responses may
				// still be in flight. Drain before touching the assembly.
				t.enterDraining()
				timer := time.NewTimer(t.co.cfg.DrainTimeout)
				defer timer.Stop()
				drainC = timer.C
				continue
			}
			select {
			case <-ctx.Done():
				t.persist()
				return
			case <-t.pauseCh:
				t.persist()
				log.Printf("[swarm] %s: paused at %d/%d chunks", t.fileID, t.completedCount(), t.chunkCount)
				return
			case <-t.cancelCh:
				t.fail(fmt.Errorf("download %s cancelled", t.fileID))
				return
			case ev := <-t.events:
				t.handleEvent(ctx, ev)
			case <-refresh.C:
				t.expireInflight()
				t.refreshSeeders()
				t.schedule()
			}

		case PhaseDraining:
			if inflightEmpty {
				t.setPhase(PhaseAssembling)
				continue
			}
			select {
			case <-ctx.Done():
				t.persist()
				return
			case <-t.cancelCh:
				t.fail(fmt.Errorf("download %s cancelled", t.fileID))
				return
			case ev := <-t.events:
				t.handleEvent(ctx, ev)
			case <-drainC:
				log.Printf("[swarm] %s: drain timeout with %d in flight", t.fileID, t.inflightCount())
				t.setPhase(PhaseAssembling)
			}

		case PhaseAssembling:
			t.assembleAndVerify()

		case PhaseVerifying:
			// assembleAndVerify always leaves a terminal phase; nothing to do.

		case PhaseComplete, PhaseFailed:
			return
		}
	}
}

func (t *DownloadTask) completedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed.Count()
}

func (t *DownloadTask) inflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *DownloadTask) connectedPeers() []wire.DeviceKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.DeviceKey, 0, len(t.peers))
	for _, p := range t.peers {
		if p.established {
			out = append(out, p.key)
		}
	}
	return out
}

func (t *DownloadTask) handleEvent(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case chunkReceivedEvent:
		t.handleChunk(e)
	case chunkUnavailableEvent:
		t.requeueFromPeer(e.peer, e.index)
		t.schedule()
	case peerConnectedEvent:
		t.mu.Lock()
		if p, ok := t.peers[e.peer.String()]; ok {
			p.established = true
		}
		t.mu.Unlock()
		t.schedule()
	case peerDisconnectedEvent:
		t.dropPeer(e.peer, "disconnected")
		t.schedule()
	case connectionTimeoutEvent:
		t.dropPeer(e.peer, "connect timeout")
		t.schedule()
	}
	_ = ctx
}

// handleChunk is the idempotent receipt path: a chunk counts as complete only
// after the store confirms a verified write, re-receipt of a completed index
// is a logged no-op, and anything arriving once assembly has begun is ignored
// outright.
func (t *DownloadTask) handleChunk(e chunkReceivedEvent) {
	peerKey := e.peer.String()

	t.mu.Lock()
	if fl, ok := t.inflight[e.index]; ok && fl.peer == peerKey {
		delete(t.inflight, e.index)
		if p, ok := t.peers[peerKey]; ok && p.outstanding > 0 {
			p.outstanding--
		}
	}
	if t.phase >= PhaseAssembling {
		t.mu.Unlock()
		return
	}
	if t.completed.Has(e.index) {
		t.mu.Unlock()
		log.Printf("[swarm] %s: duplicate chunk %d from %s: %v", t.fileID, e.index, e.peer, wire.ErrConflict)
		t.schedule()
		return
	}
	t.mu.Unlock()

	rec := chunkstore.Record{IV: e.iv, Ciphertext: e.ciphertext}
	var err error
	for attempt := 0; attempt < t.co.cfg.StorageRetries; attempt++ {
		err = t.co.store.Put(t.fileID, e.index, rec)
		if err == nil || errors.Is(err, wire.ErrConflict) || errors.Is(err, wire.ErrCorrupt) {
			break
		}
	}

	switch {
	case err == nil, errors.Is(err, wire.ErrConflict):
		// ErrConflict means the chunk was already committed (a racing write
		// beat the bitmap update); either way the store holds the bytes.
		t.mu.Lock()
		t.completed.Set(e.index)
		delete(t.excluded, e.index)
		t.mu.Unlock()
		t.persist()
	case errors.Is(err, wire.ErrCorrupt):
		log.Printf("[swarm] %s: chunk %d from %s failed verification: %v", t.fileID, e.index, e.peer, err)
		t.requeueExcluding(e.index, peerKey)
	default:
		log.Printf("[swarm] %s: chunk %d store failed after %d attempts: %v", t.fileID, e.index, t.co.cfg.StorageRetries, err)
		t.requeueExcluding(e.index, peerKey)
	}
	t.schedule()
}

// requeueExcluding puts the index back on the work queue, steering the next
// attempt to a different seeder.
func (t *DownloadTask) requeueExcluding(index int, peerKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.excluded[index] = peerKey
	t.requeueLocked(index)
}

// requeueFromPeer returns an index a peer declined or abandoned.
func (t *DownloadTask) requeueFromPeer(peer wire.DeviceKey, index int) {
	peerKey := peer.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if fl, ok := t.inflight[index]; ok && fl.peer == peerKey {
		delete(t.inflight, index)
		if p, ok := t.peers[peerKey]; ok && p.outstanding > 0 {
			p.outstanding--
		}
	}
	t.excluded[index] = peerKey
	t.requeueLocked(index)
}

// expireInflight requeues indices whose request has gone unanswered past the
// response deadline, steering the retry away from the silent peer. A seeder
// that only stalls keeps its link; repeated stalls just stop it winning
// assignments while a faster peer holds the chunk.
func (t *DownloadTask) expireInflight() {
	now := time.Now()
	t.mu.Lock()
	expired := 0
	for idx, fl := range t.inflight {
		if now.Sub(fl.sentAt) <= t.co.cfg.RequestTimeout {
			continue
		}
		delete(t.inflight, idx)
		if p, ok := t.peers[fl.peer]; ok && p.outstanding > 0 {
			p.outstanding--
		}
		t.excluded[idx] = fl.peer
		t.requeueLocked(idx)
		expired++
	}
	t.mu.Unlock()
	if expired > 0 {
		log.Printf("[swarm] %s: %d chunk requests timed out: %v", t.fileID, expired, wire.ErrTimeout)
	}
}

func (t *DownloadTask) requeueLocked(index int) {
	if t.completed.Has(index) {
		return
	}
	if _, ok := t.inflight[index]; ok {
		return
	}
	for _, q := range t.queue {
		if q == index {
			return
		}
	}
	t.queue = append(t.queue, index)
}

// dropPeer requeues everything in flight toward the peer and forgets it.
func (t *DownloadTask) dropPeer(peer wire.DeviceKey, reason string) {
	peerKey := peer.String()
	t.mu.Lock()
	if _, ok := t.peers[peerKey]; !ok {
		t.mu.Unlock()
		return
	}
	requeued := 0
	for idx, fl := range t.inflight {
		if fl.peer != peerKey {
			continue
		}
		delete(t.inflight, idx)
		t.requeueLocked(idx)
		requeued++
	}
	delete(t.peers, peerKey)
	t.mu.Unlock()
	if requeued > 0 {
		log.Printf("[swarm] %s: peer %s %s, requeued %d chunks", t.fileID, peer, reason, requeued)
	}
}

// refreshSeeders rediscovers the swarm via the tracker and dials any seeder
// we do not hold a link to yet.
func (t *DownloadTask) refreshSeeders() {
	seeders, err := t.co.tracker.GetAvailableChunks(t.fileID)
	if err != nil {
		if errors.Is(err, wire.ErrNotFound) {
			// The share is gone tracker-side; existing transfers ride out on
			// connected peers, and the GC converges on the deletion notice.
			log.Printf("[swarm] %s: share no longer tracked", t.fileID)
			return
		}
		log.Printf("[swarm] %s: seeder discovery: %v", t.fileID, err)
		return
	}

	var toConnect []wire.DeviceKey
	t.mu.Lock()
	for key, avail := range seeders {
		dk, err := wire.ParseDeviceKey(key)
		if err != nil || dk == t.co.self || !avail.Reachable {
			continue
		}
		p, ok := t.peers[key]
		if !ok {
			p = &taskPeer{key: dk, capacity: avail.UploadCapacity}
			if p.capacity <= 0 {
				p.capacity = t.co.cfg.DefaultPeerCapacity
			}
			t.peers[key] = p
		}
		if avail.Bitmap != nil {
			p.bitmap = avail.Bitmap
		}
		if !p.established {
			if t.co.peerEstablished(dk) {
				p.established = true
			} else {
				toConnect = append(toConnect, dk)
			}
		}
	}
	t.mu.Unlock()

	for _, dk := range toConnect {
		go func(dk wire.DeviceKey) {
			if err := t.co.trans.Connect(context.Background(), dk); err != nil {
				log.Printf("[swarm] %s: connect %s: %v", t.fileID, dk, err)
			}
		}(dk)
	}
}

// schedule assigns queued indices to established seeders. Each seeder gets up
// to its capacity of outstanding requests, and an index has at most one
// in-flight owner across all peers.
func (t *DownloadTask) schedule() {
	type assignment struct {
		peer  wire.DeviceKey
		index int
	}
	var sends []assignment

	t.mu.Lock()
	if t.phase != PhaseDownloading {
		t.mu.Unlock()
		return
	}
	var remaining []int
	for _, idx := range t.queue {
		if t.completed.Has(idx) {
			continue
		}
		p := t.pickPeerLocked(idx)
		if p == nil {
			remaining = append(remaining, idx)
			continue
		}
		t.inflight[idx] = inflightReq{peer: p.key.String(), sentAt: time.Now()}
		p.outstanding++
		sends = append(sends, assignment{peer: p.key, index: idx})
	}
	t.queue = remaining
	t.mu.Unlock()

	for _, a := range sends {
		msg, err := wire.NewMessage(wire.MsgChunkRequest, t.co.self, wire.ChunkRequest{FileID: t.fileID, Index: a.index})
		if err != nil {
			t.requeueFromPeer(a.peer, a.index)
			continue
		}
		if err := t.co.trans.Send(a.peer, msg); err != nil {
			log.Printf("[swarm] %s: request chunk %d from %s: %v", t.fileID, a.index, a.peer, err)
			t.post(peerDisconnectedEvent{peer: a.peer})
		}
	}
}

// pickPeerLocked finds an established seeder with spare capacity holding the
// index, preferring one the index is not excluded from. When only the
// excluded seeder qualifies, the exclusion is dropped rather than starving
// the index.
func (t *DownloadTask) pickPeerLocked(idx int) *taskPeer {
	var fallback *taskPeer
	keys := make([]string, 0, len(t.peers))
	for k := range t.peers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := t.peers[k]
		if !p.established || p.outstanding >= p.capacity {
			continue
		}
		if p.bitmap == nil || !p.bitmap.Has(idx) {
			continue
		}
		if t.excluded[idx] == k {
			fallback = p
			continue
		}
		return p
	}
	if fallback != nil {
		delete(t.excluded, idx)
		return fallback
	}
	return nil
}

// enterDraining stops new scheduling and tells connected peers we are done so
// they can cancel queued sends. Best-effort: a missed notice only costs the
// peer a wasted send.
func (t *DownloadTask) enterDraining() {
	t.setPhase(PhaseDraining)
	t.persist()
	log.Printf("[swarm] %s: all %d chunks accounted for, draining %d in flight", t.fileID, t.chunkCount, t.inflightCount())

	for _, dk := range t.connectedPeers() {
		msg, err := wire.NewMessage(wire.MsgDownloadComplete, t.co.self, wire.DownloadCompleteNotice{FileID: t.fileID})
		if err != nil {
			continue
		}
		if err := t.co.trans.Send(dk, msg); err != nil {
			log.Printf("[swarm] %s: completion notice to %s: %v", t.fileID, dk, err)
		}
	}
}

// assembleAndVerify runs the terminal phases: every index must exist and pass
// the minimum-size check before decryption, and the reassembled plaintext
// must match the whole-file checksum. Any failure carries the full offending
// list; no partial file is ever exposed as complete.
func (t *DownloadTask) assembleAndVerify() {
	t.persist()

	records := make([]*chunkstore.Record, t.chunkCount)
	var offending []int
	for i := 0; i < t.chunkCount; i++ {
		rec, err := t.co.store.Get(t.fileID, i)
		if err != nil {
			offending = append(offending, i)
			continue
		}
		if len(rec.Ciphertext) <= crypto.TagOverhead {
			offending = append(offending, i)
			continue
		}
		records[i] = rec
	}
	if len(offending) > 0 {
		t.fail(fmt.Errorf("assembly of %s: %d missing or undersized chunks %v: %w",
			t.fileID, len(offending), offending, wire.ErrCorrupt))
		return
	}

	t.setPhase(PhaseVerifying)
	t.persist()

	var buf bytes.Buffer
	buf.Grow(int(t.totalSize))
	for i, rec := range records {
		plaintext, err := crypto.OpenChunk(t.key, rec.IV, rec.Ciphertext)
		if err != nil {
			offending = append(offending, i)
			continue
		}
		buf.Write(plaintext)
	}
	if len(offending) > 0 {
		t.fail(fmt.Errorf("decryption of %s: %d chunks failed authentication %v: %w",
			t.fileID, len(offending), offending, wire.ErrCorrupt))
		return
	}

	if sum := crypto.HashContent(buf.Bytes()); t.checksum != "" && sum != t.checksum {
		t.fail(fmt.Errorf("checksum of %s: got %s want %s: %w", t.fileID, sum, t.checksum, wire.ErrCorrupt))
		return
	}

	if t.destPath != "" {
		if err := os.WriteFile(t.destPath, buf.Bytes(), 0600); err != nil {
			t.fail(fmt.Errorf("write %s: %w", t.destPath, err))
			return
		}
	}

	t.finishComplete()
}

// finishComplete flips the task to Complete and promotes this device to a
// seeder of the file.
func (t *DownloadTask) finishComplete() {
	now := time.Now().Unix()
	if err := t.co.db.SetDownloadComplete(t.fileID, now); err != nil {
		log.Printf("[swarm] %s: mark complete: %v", t.fileID, err)
	}
	if err := t.co.db.DeleteTaskState(t.fileID); err != nil {
		log.Printf("[swarm] %s: drop resume state: %v", t.fileID, err)
	}

	_, err := t.co.tracker.Reannounce(wire.ReannounceRequest{
		FileID:           t.fileID,
		DeviceKey:        t.co.self,
		Bitmap:           wire.FullBitmap(t.chunkCount),
		DownloadComplete: true,
	})
	if err != nil {
		log.Printf("[swarm] %s: seed announce: %v", t.fileID, err)
	}

	t.co.registerSeed(t.fileID, t.keyHandle)
	t.setPhase(PhaseComplete)
	log.Printf("[swarm] %s: download complete (%d chunks)", t.fileID, t.chunkCount)
}

func (t *DownloadTask) fail(err error) {
	t.mu.Lock()
	t.phase = PhaseFailed
	t.failErr = err
	t.mu.Unlock()
	log.Printf("[swarm] %s: failed: %v", t.fileID, err)
}

// persist saves the resume tuple. Called after every committed chunk and on
// every phase transition, so a crash resumes from the complement of the
// committed bitmap.
func (t *DownloadTask) persist() {
	t.mu.Lock()
	ts := &storage.TaskState{
		FileID:        t.fileID,
		ChunkCount:    t.chunkCount,
		Completed:     t.completed.Bytes(),
		Phase:         t.phase.String(),
		FileKeyHandle: t.keyHandle,
		DestPath:      t.destPath,
		TotalSize:     t.totalSize,
		Checksum:      t.checksum,
		UpdatedAt:     time.Now().Unix(),
	}
	t.mu.Unlock()
	if err := t.co.db.SaveTaskState(ts); err != nil {
		log.Printf("[swarm] %s: persist: %v", t.fileID, err)
	}
}

// releasePeers hands terminal cleanup to the coordinator.
func (t *DownloadTask) releasePeers() {
	t.co.finishTask(t, t.connectedPeers())
}

package swarm

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/coveglabs/skiff/internal/wire"
)

// seedState throttles serves for one seeded file. The weighted semaphore
// bounds concurrent uploads; requests beyond the limit queue in Acquire.
// gens carries a per-peer cancellation generation: a completion notice bumps
// it, and queued serves captured under the old generation are dropped when
// they finally acquire a slot.
type seedState struct {
	fileID    string
	keyHandle string
	sem       *semaphore.Weighted

	mu   sync.Mutex
	gens map[string]uint64
}

func (s *seedState) generation(peer string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[peer]
}

func (s *seedState) bumpGeneration(peer string) {
	s.mu.Lock()
	s.gens[peer]++
	s.mu.Unlock()
}

// registerSeed records that this device seeds fileID. Idempotent.
func (c *Coordinator) registerSeed(fileID, keyHandle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seeds[fileID]; ok {
		return
	}
	c.seeds[fileID] = &seedState{
		fileID:    fileID,
		keyHandle: keyHandle,
		sem:       semaphore.NewWeighted(c.cfg.UploadSlots),
		gens:      make(map[string]uint64),
	}
}

// seedFor returns the seed state for fileID, creating one lazily. A partial
// holder serves the chunks it has committed even before its own download
// finishes, so serving is not gated on a prior registerSeed.
func (c *Coordinator) seedFor(fileID string) *seedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.seeds[fileID]
	if !ok {
		s = &seedState{
			fileID: fileID,
			sem:    semaphore.NewWeighted(c.cfg.UploadSlots),
			gens:   make(map[string]uint64),
		}
		c.seeds[fileID] = s
	}
	return s
}

// serveChunk answers one inbound chunk request. The stored ciphertext and IV
// are relayed as-is; a seeder never decrypts on behalf of a downloader.
func (c *Coordinator) serveChunk(ctx context.Context, peer wire.DeviceKey, req wire.ChunkRequest) {
	s := c.seedFor(req.FileID)
	gen := s.generation(peer.String())

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	// The requester finished while this serve sat in the queue.
	if s.generation(peer.String()) != gen {
		return
	}

	rec, err := c.store.Get(req.FileID, req.Index)
	if err != nil {
		if !errors.Is(err, wire.ErrNotFound) {
			log.Printf("[swarm] serve %s chunk %d: %v", req.FileID, req.Index, err)
		}
		msg, merr := wire.NewMessage(wire.MsgChunkUnavailable, c.self, wire.ChunkUnavailable{FileID: req.FileID, Index: req.Index})
		if merr == nil {
			if serr := c.trans.Send(peer, msg); serr != nil {
				log.Printf("[swarm] unavailable notice to %s: %v", peer, serr)
			}
		}
		return
	}

	msg, err := wire.NewMessage(wire.MsgChunkData, c.self, wire.ChunkData{
		FileID:     req.FileID,
		Index:      req.Index,
		IV:         rec.IV,
		Ciphertext: rec.Ciphertext,
	})
	if err != nil {
		return
	}
	if err := c.trans.Send(peer, msg); err != nil {
		log.Printf("[swarm] send %s chunk %d to %s: %v", req.FileID, req.Index, peer, err)
		return
	}

	// A served chunk counts as seeder activity on both sides of the ledger.
	if err := c.db.TouchActivity(req.FileID, time.Now().Unix()); err != nil {
		log.Printf("[swarm] touch activity %s: %v", req.FileID, err)
	}
	if err := c.tracker.MarkActivity(req.FileID); err != nil {
		log.Printf("[swarm] mark activity %s: %v", req.FileID, err)
	}
}

// cancelQueuedSends drops serves queued for a peer that announced completion
// of fileID. Serves already holding a slot finish; the downloader ignores the
// extras.
func (c *Coordinator) cancelQueuedSends(fileID string, peer wire.DeviceKey) {
	c.mu.Lock()
	s, ok := c.seeds[fileID]
	c.mu.Unlock()
	if !ok {
		return
	}
	s.bumpGeneration(peer.String())
}

// Package chunkstore persists ciphertext chunks keyed by (fileID, chunkIndex).
// Writes are verify-before-commit and write-once: a committed chunk is never
// partially overwritten and must be deleted before any re-write.
package chunkstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coveglabs/skiff/internal/crypto"
	"github.com/coveglabs/skiff/internal/wire"
)

// Record is one stored ciphertext chunk. Ciphertext includes the GCM tag.
type Record struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	WrittenAt  int64  `json:"written_at"`
}

// Store is a bbolt-backed chunk store. One bucket per file ID; keys are
// 8-byte big-endian chunk indices.
type Store struct {
	db *bolt.DB

	// Per-(fileID, index) write locks: writes to the same chunk are mutually
	// exclusive, different chunks of the same file proceed concurrently.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) the chunk store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) chunkLock(fileID string, index int) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", fileID, index)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func chunkKey(index int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

// Put commits a verified chunk. The record is validated (IV length, minimum
// ciphertext size) before anything touches disk; a write to an
// already-committed index returns wire.ErrConflict.
func (s *Store) Put(fileID string, index int, rec Record) error {
	if index < 0 {
		return fmt.Errorf("chunk index %d: %w", index, wire.ErrCorrupt)
	}
	if len(rec.IV) != crypto.IVLen {
		return fmt.Errorf("chunk %s:%d iv length %d: %w", fileID, index, len(rec.IV), wire.ErrCorrupt)
	}
	if len(rec.Ciphertext) <= crypto.TagOverhead {
		return fmt.Errorf("chunk %s:%d ciphertext too short (%d bytes): %w", fileID, index, len(rec.Ciphertext), wire.ErrCorrupt)
	}
	if rec.WrittenAt == 0 {
		rec.WrittenAt = time.Now().Unix()
	}

	l := s.chunkLock(fileID, index)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode chunk %s:%d: %w", fileID, index, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(fileID))
		if err != nil {
			return err
		}
		if b.Get(chunkKey(index)) != nil {
			return fmt.Errorf("chunk %s:%d already committed: %w", fileID, index, wire.ErrConflict)
		}
		return b.Put(chunkKey(index), data)
	})
	if err != nil {
		return err
	}
	return nil
}

// Get returns a committed chunk, or wire.ErrNotFound.
func (s *Store) Get(fileID string, index int) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(fileID))
		if b == nil {
			return fmt.Errorf("chunk %s:%d: %w", fileID, index, wire.ErrNotFound)
		}
		data := b.Get(chunkKey(index))
		if data == nil {
			return fmt.Errorf("chunk %s:%d: %w", fileID, index, wire.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Has reports whether a chunk is committed.
func (s *Store) Has(fileID string, index int) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(fileID))
		if b == nil {
			return nil
		}
		found = b.Get(chunkKey(index)) != nil
		return nil
	})
	return found, err
}

// Bitmap reconstructs the completion bitmap for a file from committed chunks.
func (s *Store) Bitmap(fileID string, chunkCount int) (*wire.Bitmap, error) {
	bm := wire.NewBitmap(chunkCount)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(fileID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			idx := int(binary.BigEndian.Uint64(k))
			bm.Set(idx)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bm, nil
}

// Delete removes one committed chunk so it can be rewritten. Deleting an
// absent chunk is a no-op.
func (s *Store) Delete(fileID string, index int) error {
	l := s.chunkLock(fileID, index)
	l.Lock()
	defer l.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(fileID))
		if b == nil {
			return nil
		}
		return b.Delete(chunkKey(index))
	})
}

// DeleteFile removes every chunk of a file in a single transaction: the
// deletion is all-or-nothing, never partial. Unknown files are a no-op.
func (s *Store) DeleteFile(fileID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(fileID)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(fileID))
	})
	if err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}

	s.mu.Lock()
	prefix := fileID + ":"
	for k := range s.locks {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.locks, k)
		}
	}
	s.mu.Unlock()
	return nil
}

// Files returns the IDs of all locally held files.
func (s *Store) Files() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			ids = append(ids, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

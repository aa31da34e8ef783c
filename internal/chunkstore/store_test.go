package chunkstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/coveglabs/skiff/internal/crypto"
	"github.com/coveglabs/skiff/internal/wire"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chunks.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(fill byte) Record {
	return Record{
		IV:         bytes.Repeat([]byte{fill}, crypto.IVLen),
		Ciphertext: bytes.Repeat([]byte{fill}, crypto.TagOverhead+8),
	}
}

func TestStore_PutGet(t *testing.T) {
	s := testStore(t)

	rec := testRecord(1)
	if err := s.Put("file1", 0, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("file1", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got.IV, rec.IV) || !bytes.Equal(got.Ciphertext, rec.Ciphertext) {
		t.Fatal("record not round-tripped")
	}
	if got.WrittenAt == 0 {
		t.Fatal("WrittenAt not stamped")
	}
}

func TestStore_PutIsWriteOnce(t *testing.T) {
	s := testStore(t)

	if err := s.Put("file1", 3, testRecord(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := s.Put("file1", 3, testRecord(2))
	if !errors.Is(err, wire.ErrConflict) {
		t.Fatalf("rewrite should be ErrConflict, got %v", err)
	}

	// The original bytes survive the rejected rewrite.
	got, err := s.Get("file1", 3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IV[0] != 1 {
		t.Fatal("rejected rewrite mutated the committed chunk")
	}

	// Delete-then-rewrite is the sanctioned path.
	if err := s.Delete("file1", 3); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Put("file1", 3, testRecord(2)); err != nil {
		t.Fatalf("Put after delete: %v", err)
	}
}

func TestStore_PutValidatesBeforeCommit(t *testing.T) {
	s := testStore(t)

	cases := []struct {
		name string
		idx  int
		rec  Record
	}{
		{"negative index", -1, testRecord(1)},
		{"short iv", 0, Record{IV: []byte{1, 2}, Ciphertext: testRecord(1).Ciphertext}},
		{"ciphertext below tag size", 0, Record{IV: testRecord(1).IV, Ciphertext: make([]byte, crypto.TagOverhead)}},
	}
	for _, tc := range cases {
		err := s.Put("file1", tc.idx, tc.rec)
		if !errors.Is(err, wire.ErrCorrupt) {
			t.Fatalf("%s: want ErrCorrupt, got %v", tc.name, err)
		}
	}

	// Nothing was committed by the rejected writes.
	if ok, _ := s.Has("file1", 0); ok {
		t.Fatal("rejected write left a committed chunk")
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get("nope", 0); !errors.Is(err, wire.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.Put("file1", 0, testRecord(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Get("file1", 1); !errors.Is(err, wire.ErrNotFound) {
		t.Fatalf("want ErrNotFound for absent index, got %v", err)
	}
}

func TestStore_Bitmap(t *testing.T) {
	s := testStore(t)

	for _, idx := range []int{0, 2, 4} {
		if err := s.Put("file1", idx, testRecord(byte(idx + 1))); err != nil {
			t.Fatalf("Put %d: %v", idx, err)
		}
	}

	bm, err := s.Bitmap("file1", 5)
	if err != nil {
		t.Fatalf("Bitmap: %v", err)
	}
	if bm.Count() != 3 || !bm.Has(0) || !bm.Has(2) || !bm.Has(4) {
		t.Fatalf("bitmap wrong: count=%d", bm.Count())
	}
	if got := bm.Missing(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("missing = %v, want [1 3]", got)
	}

	// Unknown file yields an empty bitmap, not an error.
	bm, err = s.Bitmap("nope", 4)
	if err != nil {
		t.Fatalf("Bitmap unknown file: %v", err)
	}
	if bm.Count() != 0 {
		t.Fatalf("unknown file bitmap count = %d", bm.Count())
	}
}

func TestStore_DeleteFile(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Put("file1", i, testRecord(byte(i + 1))); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	if err := s.Put("file2", 0, testRecord(9)); err != nil {
		t.Fatalf("Put file2: %v", err)
	}

	if err := s.DeleteFile("file1"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	for i := 0; i < 3; i++ {
		if ok, _ := s.Has("file1", i); ok {
			t.Fatalf("chunk %d survived DeleteFile", i)
		}
	}
	// Other files untouched.
	if ok, _ := s.Has("file2", 0); !ok {
		t.Fatal("DeleteFile removed another file's chunk")
	}

	// Deleting an unknown file is a no-op.
	if err := s.DeleteFile("nope"); err != nil {
		t.Fatalf("DeleteFile unknown: %v", err)
	}
}

func TestStore_Files(t *testing.T) {
	s := testStore(t)
	if err := s.Put("a", 0, testRecord(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put("b", 0, testRecord(2)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ids, err := s.Files()
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("files = %v, want 2", ids)
	}
}

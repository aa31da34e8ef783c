package wire

import "errors"

// Shared error taxonomy for tracker operations, chunk transfer, and storage.
// Callers classify failures with errors.Is.
var (
	// ErrNotFound indicates an absent or deleted file record, or a missing
	// seeder/chunk/task.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a request outside the file's share scope or a
	// delete attempted by a device other than the original uploader.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCorrupt indicates a chunk failing its size/format check or a
	// whole-file checksum mismatch after assembly. Always fatal to the attempt.
	ErrCorrupt = errors.New("corrupt")

	// ErrTimeout indicates a connect, drain, or response deadline elapsed.
	ErrTimeout = errors.New("timeout")

	// ErrConflict indicates a duplicate or late chunk, or a write to an
	// already-committed chunk slot. Logged, never fatal.
	ErrConflict = errors.New("conflict")

	// ErrStorage indicates a chunk store failure. Writes are retried a bounded
	// number of times before the chunk request is requeued elsewhere.
	ErrStorage = errors.New("storage failure")
)

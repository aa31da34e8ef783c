package storage

// TaskState is the persisted resume tuple for a download: saved after every
// committed chunk so a crash or pause never loses progress and resuming never
// re-fetches owned chunks.
type TaskState struct {
	FileID        string
	ChunkCount    int
	Completed     []byte // raw bitmap bits
	Phase         string
	FileKeyHandle string
	DestPath      string
	TotalSize     int64
	Checksum      string
	UpdatedAt     int64
}

// LocalFile mirrors this device's own SeederEntry for a locally held file.
// The garbage collector sweeps on it: download_complete=false plus 30 days of
// inactivity means the chunks and metadata go.
type LocalFile struct {
	FileID           string
	TotalSize        int64
	ChunkCount       int
	Checksum         string
	DownloadComplete bool
	LastActivityAt   int64
	CreatedAt        int64
}

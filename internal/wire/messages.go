package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types. Tracker operations are client->tracker, notifications are
// tracker->client pushes, and peer messages travel device-to-device.
const (
	// Tracker operations
	MsgAnnounce           = "ANNOUNCE"
	MsgReannounce         = "REANNOUNCE"
	MsgCheckExists        = "CHECK_EXISTS"
	MsgGetAvailableChunks = "GET_AVAILABLE_CHUNKS"
	MsgDeleteShare        = "DELETE_SHARE"
	MsgRegisterLeecher    = "REGISTER_LEECHER"
	MsgMarkActivity       = "MARK_ACTIVITY"

	// Generic reply envelope
	MsgResponse = "RESPONSE"
	MsgError    = "ERROR"

	// Tracker notifications
	MsgUploaderOnline = "UPLOADER_ONLINE"
	MsgShareDeleted   = "SHARE_DELETED"
	MsgSeederRemoved  = "SEEDER_REMOVED"

	// Peer-to-peer chunk transfer
	MsgChunkRequest     = "CHUNK_REQUEST"
	MsgChunkData        = "CHUNK_DATA"
	MsgChunkUnavailable = "CHUNK_UNAVAILABLE"
	MsgDownloadComplete = "DOWNLOAD_COMPLETE"
)

// Message is the common envelope for all wire traffic. Payload carries the
// type-specific struct; unknown types are filtered at the boundary and never
// reach the swarm state machine.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Sender    DeviceKey       `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with a fresh UUID and the payload marshaled.
func NewMessage(typ string, sender DeviceKey, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Message{
		Type:      typ,
		ID:        uuid.New().String(),
		Sender:    sender,
		Timestamp: time.Now().Unix(),
		Payload:   data,
	}, nil
}

// Reply builds a response envelope reusing the request ID so callers can
// correlate it with their pending request.
func (m *Message) Reply(typ string, sender DeviceKey, payload any) (*Message, error) {
	r, err := NewMessage(typ, sender, payload)
	if err != nil {
		return nil, err
	}
	r.ID = m.ID
	return r, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// KnownType reports whether typ is part of the protocol. Messages with
// unknown types are dropped at the boundary.
func KnownType(typ string) bool {
	switch typ {
	case MsgAnnounce, MsgReannounce, MsgCheckExists, MsgGetAvailableChunks,
		MsgDeleteShare, MsgRegisterLeecher, MsgMarkActivity,
		MsgResponse, MsgError,
		MsgUploaderOnline, MsgShareDeleted, MsgSeederRemoved,
		MsgChunkRequest, MsgChunkData, MsgChunkUnavailable, MsgDownloadComplete:
		return true
	}
	return false
}

// --- Tracker operation payloads ---

// AnnounceRequest registers a device as a seeder for a file, creating the
// file record on first announce.
type AnnounceRequest struct {
	FileID         string     `json:"file_id"`
	DeviceKey      DeviceKey  `json:"device_key"`
	TotalSize      int64      `json:"total_size"`
	Checksum       string     `json:"checksum"` // SHA3-256 hex of the plaintext
	ChunkCount     int        `json:"chunk_count"`
	Bitmap         *Bitmap    `json:"bitmap"`
	ShareScope     ShareScope `json:"share_scope"`
	UploadCapacity int        `json:"upload_capacity"`
}

// ReannounceRequest re-registers availability after a reconnect.
type ReannounceRequest struct {
	FileID           string    `json:"file_id"`
	DeviceKey        DeviceKey `json:"device_key"`
	Bitmap           *Bitmap   `json:"bitmap"`
	DownloadComplete bool      `json:"download_complete"`
}

// FileRecordSummary is returned by announce/reannounce.
type FileRecordSummary struct {
	FileID      string `json:"file_id"`
	TotalSize   int64  `json:"total_size"`
	ChunkCount  int    `json:"chunk_count"`
	Checksum    string `json:"checksum"`
	SeederCount int    `json:"seeder_count"`
	ExpiresAt   int64  `json:"expires_at"`
}

// CheckExistsRequest is the batched probe a reconnecting client uses to decide
// what to reannounce versus purge locally.
type CheckExistsRequest struct {
	FileIDs []string `json:"file_ids"`
}

// CheckExistsResponse partitions the probed IDs. Deleted files count as
// missing.
type CheckExistsResponse struct {
	Exists  []string `json:"exists"`
	Missing []string `json:"missing"`
}

// GetAvailableChunksRequest asks which devices hold chunks of a file.
type GetAvailableChunksRequest struct {
	FileID string `json:"file_id"`
}

// ChunkAvailability describes one seeder's holdings, liveness, and how many
// concurrent requests it accepts.
type ChunkAvailability struct {
	Bitmap         *Bitmap `json:"bitmap"`
	Reachable      bool    `json:"reachable"`
	UploadCapacity int     `json:"upload_capacity"`
}

// GetAvailableChunksResponse maps canonical device keys to availability.
type GetAvailableChunksResponse struct {
	Seeders map[string]ChunkAvailability `json:"seeders"`
}

// DeleteShareRequest asks the tracker to delete a share. Only the original
// uploader may succeed.
type DeleteShareRequest struct {
	FileID string `json:"file_id"`
}

// RegisterLeecherRequest records that a device is downloading a file, so
// deletion notices reach it.
type RegisterLeecherRequest struct {
	FileID    string    `json:"file_id"`
	DeviceKey DeviceKey `json:"device_key"`
	Wanted    []int     `json:"wanted,omitempty"`
}

// MarkActivityRequest is the upload-activity signal emitted after a
// successful serve; it refreshes the seeder's LastActivityAt.
type MarkActivityRequest struct {
	FileID    string    `json:"file_id"`
	DeviceKey DeviceKey `json:"device_key"`
}

// ErrorResponse carries a tracker-side failure back to the caller.
type ErrorResponse struct {
	Code    string `json:"code"` // "not_found", "unauthorized", "rate_limited", "bad_request"
	Message string `json:"message"`
}

// Err converts the response into the matching sentinel error.
func (e *ErrorResponse) Err() error {
	switch e.Code {
	case "not_found":
		return fmt.Errorf("%s: %w", e.Message, ErrNotFound)
	case "unauthorized":
		return fmt.Errorf("%s: %w", e.Message, ErrUnauthorized)
	default:
		return fmt.Errorf("tracker error %s: %s", e.Code, e.Message)
	}
}

// --- Notifications ---

// Notification is pushed tracker->client.
type Notification struct {
	FileID string `json:"file_id"`
	Reason string `json:"reason,omitempty"`
}

// --- Peer messages ---

// ChunkRequest asks a seeder for one chunk.
type ChunkRequest struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

// ChunkData carries one ciphertext chunk. Ciphertext includes the GCM tag.
type ChunkData struct {
	FileID     string `json:"file_id"`
	Index      int    `json:"index"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// ChunkUnavailable tells the requester the seeder cannot serve the index.
type ChunkUnavailable struct {
	FileID string `json:"file_id"`
	Index  int    `json:"index"`
}

// DownloadCompleteNotice tells connected seeders the sender is done, letting
// them cancel still-queued sends for it.
type DownloadCompleteNotice struct {
	FileID string `json:"file_id"`
}

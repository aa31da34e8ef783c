package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DeviceKey identifies a device in a swarm: a user may run several devices,
// each tracked independently.
type DeviceKey struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// String returns the canonical "userID/deviceID" form used as a map key.
func (k DeviceKey) String() string {
	return k.UserID + "/" + k.DeviceID
}

// IsZero reports whether the key is empty.
func (k DeviceKey) IsZero() bool {
	return k.UserID == "" && k.DeviceID == ""
}

// ParseDeviceKey parses the canonical "userID/deviceID" form.
func ParseDeviceKey(s string) (DeviceKey, error) {
	user, device, ok := strings.Cut(s, "/")
	if !ok || user == "" || device == "" {
		return DeviceKey{}, fmt.Errorf("invalid device key %q", s)
	}
	return DeviceKey{UserID: user, DeviceID: device}, nil
}

// ShareScope is the set of user IDs permitted to discover and download a file.
type ShareScope map[string]bool

// NewShareScope builds a scope from user IDs.
func NewShareScope(userIDs ...string) ShareScope {
	s := make(ShareScope, len(userIDs))
	for _, id := range userIDs {
		s[id] = true
	}
	return s
}

// CanAccess reports whether the user may discover the file.
func (s ShareScope) CanAccess(userID string) bool {
	return s[userID]
}

// Merge unions other into s.
func (s ShareScope) Merge(other ShareScope) {
	for id := range other {
		s[id] = true
	}
}

// Clone returns an independent copy.
func (s ShareScope) Clone() ShareScope {
	c := make(ShareScope, len(s))
	for id := range s {
		c[id] = true
	}
	return c
}

// Users returns the member user IDs, sorted.
func (s ShareScope) Users() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON encodes the scope as a sorted array of user IDs.
func (s ShareScope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Users())
}

// UnmarshalJSON decodes an array of user IDs.
func (s *ShareScope) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewShareScope(ids...)
	return nil
}

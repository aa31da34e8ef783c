package wire

import (
	"encoding/json"
	"testing"
)

func TestDeviceKey_StringParse(t *testing.T) {
	dk := DeviceKey{UserID: "alice", DeviceID: "laptop"}
	if dk.String() != "alice/laptop" {
		t.Fatalf("String() = %q", dk.String())
	}

	got, err := ParseDeviceKey("alice/laptop")
	if err != nil {
		t.Fatalf("ParseDeviceKey: %v", err)
	}
	if got != dk {
		t.Fatalf("parsed %+v, want %+v", got, dk)
	}

	for _, bad := range []string{"", "alice", "alice/", "/laptop"} {
		if _, err := ParseDeviceKey(bad); err == nil {
			t.Fatalf("ParseDeviceKey(%q) should fail", bad)
		}
	}
}

func TestDeviceKey_IsZero(t *testing.T) {
	if !(DeviceKey{}).IsZero() {
		t.Fatal("zero key not reported zero")
	}
	if (DeviceKey{UserID: "a"}).IsZero() {
		t.Fatal("partial key reported zero")
	}
}

func TestShareScope_Access(t *testing.T) {
	s := NewShareScope("alice", "bob")
	if !s.CanAccess("alice") || !s.CanAccess("bob") {
		t.Fatal("members denied access")
	}
	if s.CanAccess("carol") {
		t.Fatal("non-member granted access")
	}
}

func TestShareScope_MergeAndClone(t *testing.T) {
	s := NewShareScope("alice")
	s.Merge(NewShareScope("bob"))
	if !s.CanAccess("bob") {
		t.Fatal("merge did not add member")
	}

	c := s.Clone()
	c["carol"] = true
	if s.CanAccess("carol") {
		t.Fatal("clone shares backing map")
	}
}

func TestShareScope_JSONSortedArray(t *testing.T) {
	s := NewShareScope("bob", "alice")
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["alice","bob"]` {
		t.Fatalf("marshal = %s, want sorted array", data)
	}

	var got ShareScope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.CanAccess("alice") || !got.CanAccess("bob") || len(got) != 2 {
		t.Fatalf("round trip lost members: %v", got)
	}
}

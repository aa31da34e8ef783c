package wire

import (
	"errors"
	"testing"
)

func TestMessage_RoundTrip(t *testing.T) {
	sender := DeviceKey{UserID: "alice", DeviceID: "laptop"}
	msg, err := NewMessage(MsgChunkRequest, sender, ChunkRequest{FileID: "f1", Index: 7})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.ID == "" || msg.Type != MsgChunkRequest || msg.Sender != sender {
		t.Fatalf("envelope fields wrong: %+v", msg)
	}

	var req ChunkRequest
	if err := msg.Decode(&req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.FileID != "f1" || req.Index != 7 {
		t.Fatalf("payload not round-tripped: %+v", req)
	}
}

func TestMessage_ReplyKeepsID(t *testing.T) {
	sender := DeviceKey{UserID: "alice", DeviceID: "laptop"}
	req, err := NewMessage(MsgCheckExists, sender, CheckExistsRequest{FileIDs: []string{"f1"}})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	resp, err := req.Reply(MsgResponse, DeviceKey{UserID: "tracker", DeviceID: "0"}, CheckExistsResponse{})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if resp.ID != req.ID {
		t.Fatalf("reply ID %q does not match request ID %q", resp.ID, req.ID)
	}
	if resp.Type != MsgResponse {
		t.Fatalf("reply type = %q", resp.Type)
	}
}

func TestKnownType(t *testing.T) {
	for _, typ := range []string{MsgAnnounce, MsgChunkData, MsgShareDeleted, MsgError} {
		if !KnownType(typ) {
			t.Fatalf("%s should be known", typ)
		}
	}
	for _, typ := range []string{"", "BOGUS", "announce"} {
		if KnownType(typ) {
			t.Fatalf("%q should be unknown", typ)
		}
	}
}

func TestErrorResponse_Err(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"not_found", ErrNotFound},
		{"unauthorized", ErrUnauthorized},
	}
	for _, tc := range cases {
		e := &ErrorResponse{Code: tc.code, Message: "x"}
		if !errors.Is(e.Err(), tc.want) {
			t.Fatalf("code %q did not map to %v", tc.code, tc.want)
		}
	}
	e := &ErrorResponse{Code: "rate_limited", Message: "slow down"}
	if e.Err() == nil {
		t.Fatal("unknown code should still produce an error")
	}
}

package protocol

import (
	"encoding/json"
	"errors"
	"io/fs"
	"testing"
)

func TestPeekType(t *testing.T) {
	env, err := PeekType([]byte(`{"type":"subscribe","session_id":"abc"}`))
	if err != nil {
		t.Fatalf("PeekType failed: %v", err)
	}
	if env.Type != TypeSubscribe {
		t.Errorf("expected %q, got %q", TypeSubscribe, env.Type)
	}
}

func TestPeekTypeCarriesRequestID(t *testing.T) {
	env, err := PeekType([]byte(`{"type":"read_file","request_id":"r1","path":"/tmp/x"}`))
	if err != nil {
		t.Fatalf("PeekType failed: %v", err)
	}
	if env.RequestID != "r1" {
		t.Errorf("expected request_id r1, got %q", env.RequestID)
	}
}

func TestPeekTypeMalformed(t *testing.T) {
	if _, err := PeekType([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := PeekType([]byte(`{"session_id":"abc"}`)); err == nil {
		t.Error("expected error for missing type field")
	}
}

func TestSnakeCaseFieldNames(t *testing.T) {
	msg := WaitingForInput{
		Type:          TypeWaitingForInput,
		SessionID:     "s1",
		WaitType:      "tool_approval",
		CLIType:       "claude",
		Prompt:        "Do you want to proceed?",
		ApprovalModel: "numbered",
		DetectedAt:    1700000000000,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{"type", "session_id", "wait_type", "cli_type", "prompt", "approval_model", "detected_at"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing wire field %q", key)
		}
	}
}

func TestWrapFSErrorMapsOSErrors(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{fs.ErrNotExist, CodeNotFound},
		{fs.ErrPermission, CodePermissionDenied},
		{fs.ErrExist, CodeAlreadyExists},
		{errors.New("disk exploded"), CodeIOError},
	}
	for _, tt := range tests {
		got := WrapFSError("/x", tt.err)
		if got.Code != tt.want {
			t.Errorf("WrapFSError(%v) code = %s, want %s", tt.err, got.Code, tt.want)
		}
	}
}

func TestAsFSErrorPreservesTypedErrors(t *testing.T) {
	inner := NewFSError(CodeFileTooLarge, "/big", "file is 60MB, limit is 50MB")
	wrapped := errors.Join(errors.New("outer"), inner)
	got := AsFSError("/big", wrapped)
	if got.Code != CodeFileTooLarge {
		t.Errorf("expected file_too_large through the chain, got %s", got.Code)
	}
}

package transport_test

import (
	"testing"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

func TestCodec_PreservesHandleAndBatch(t *testing.T) {
	in := transport.NewTask("backup", transport.KindBatch, id.NewRunID(), "backup")
	in.BatchIndex = 3
	in.Payload = []byte(`{"devices":["r1","r2"]}`)

	data, err := transport.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := transport.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if out.ID.String() != in.ID.String() {
		t.Errorf("ID = %s, want %s", out.ID, in.ID)
	}
	if out.RunID.String() != in.RunID.String() {
		t.Errorf("RunID = %s, want %s", out.RunID, in.RunID)
	}
	if out.Kind != transport.KindBatch || out.BatchIndex != 3 {
		t.Errorf("Kind/BatchIndex = %s/%d", out.Kind, out.BatchIndex)
	}
	if string(out.Payload) != string(in.Payload) {
		t.Errorf("Payload = %s", out.Payload)
	}
	if !out.WorkerID.IsNil() {
		t.Errorf("expected nil WorkerID, got %s", out.WorkerID)
	}
	if !out.EnqueuedAt.Equal(in.EnqueuedAt) {
		t.Errorf("EnqueuedAt = %s, want %s", out.EnqueuedAt, in.EnqueuedAt)
	}
}

func TestCodec_RejectsGarbage(t *testing.T) {
	if _, err := transport.Decode([]byte{0xc1}); err == nil {
		t.Error("expected decode error")
	}
}

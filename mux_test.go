package cmld

import (
	"bytes"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := request{Op: "ping"}
	if err := writeFrame(&buf, want); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	var got request
	if err := readFrame(&buf, &got); err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.Op != want.Op {
		t.Fatalf("got op %q, want %q", got.Op, want.Op)
	}
}

func TestFrame_RejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // huge bogus length prefix
	var out request
	if err := readFrame(&buf, &out); err == nil {
		t.Fatal("readFrame: want error for oversized frame, got nil")
	}
}

func TestMuxServer_Dispatch_UnknownOp(t *testing.T) {
	m := &MuxServer{ctl: &Control{Registry: NewRegistry(1000, 100, 10)}}
	resp := m.dispatch(nil, request{Op: "nonsense"})
	if resp.OK {
		t.Fatal("dispatch: want !OK for unknown op")
	}
}

func TestMuxServer_Dispatch_Ping(t *testing.T) {
	m := &MuxServer{ctl: &Control{Registry: NewRegistry(1000, 100, 10)}}
	resp := m.dispatch(nil, request{Op: "ping"})
	if !resp.OK {
		t.Fatalf("dispatch ping: %s", resp.Error)
	}
}

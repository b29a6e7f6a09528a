package transfer

import (
	"net"
	"testing"

	"ntpspy/internal/storage"
	"ntpspy/internal/wire"
)

func testSession(t *testing.T, chunks uint32) *session {
	t.Helper()
	sink := storage.NewMemSink()
	file, err := sink.Begin(1)
	if err != nil {
		t.Fatal(err)
	}
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	return newSession(peer, &wire.Message{
		Kind:        wire.KindStart,
		TransferID:  1,
		TotalSize:   uint64(chunks) * wire.MaxPayload,
		TotalChunks: chunks,
		Filename:    "f",
	}, file)
}

func TestSessionBitmap(t *testing.T) {
	for _, chunks := range []uint32{1, 63, 64, 65, 130} {
		s := testSession(t, chunks)
		if s.complete() {
			t.Errorf("chunks=%d: empty session complete", chunks)
		}
		for i := uint32(0); i < chunks; i++ {
			if s.has(i) {
				t.Fatalf("chunks=%d: index %d set before mark", chunks, i)
			}
			if !s.mark(i) {
				t.Fatalf("chunks=%d: first mark of %d reported duplicate", chunks, i)
			}
			if s.mark(i) {
				t.Fatalf("chunks=%d: second mark of %d reported new", chunks, i)
			}
		}
		if !s.complete() {
			t.Errorf("chunks=%d: all marked but not complete", chunks)
		}
		if s.received != chunks {
			t.Errorf("chunks=%d: received=%d", chunks, s.received)
		}
	}
}

func TestSessionFirstMissing(t *testing.T) {
	s := testSession(t, 5)
	if got := s.firstMissing(); got != 0 {
		t.Errorf("firstMissing = %d, want 0", got)
	}
	s.mark(0)
	s.mark(1)
	s.mark(3)
	if got := s.firstMissing(); got != 2 {
		t.Errorf("firstMissing = %d, want 2", got)
	}
	s.mark(2)
	s.mark(4)
	if got := s.firstMissing(); got != wire.NoChunk {
		t.Errorf("firstMissing on complete session = %d", got)
	}
}

func TestSessionHasOutOfRange(t *testing.T) {
	s := testSession(t, 2)
	if s.has(2) || s.has(wire.NoChunk) {
		t.Error("out-of-range index reported as received")
	}
}

func TestSessionMatches(t *testing.T) {
	s := testSession(t, 2)
	same := &wire.Message{Filename: "f", TotalSize: 32, TotalChunks: 2}
	if !s.matches(same) {
		t.Error("identical start not treated as retransmit")
	}
	for _, m := range []*wire.Message{
		{Filename: "g", TotalSize: 32, TotalChunks: 2},
		{Filename: "f", TotalSize: 16, TotalChunks: 1},
	} {
		if s.matches(m) {
			t.Errorf("conflicting start %+v treated as retransmit", m)
		}
	}
}

package wire

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestNtpTimeRoundTrip(t *testing.T) {
	want := time.Date(2024, 6, 1, 12, 34, 56, 789000000, time.UTC)
	got := toNtpTime(want).Time()
	if d := got.Sub(want); d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("round trip drifted by %v", d)
	}
}

func TestIsNTPRequest(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := NTPRequest(now)
	if !IsNTPRequest(req) {
		t.Error("NTPRequest output not recognized")
	}
	if IsNTPRequest(req[:47]) {
		t.Error("short buffer accepted")
	}
	reply := NTPReply(req, now)
	if IsNTPRequest(reply) {
		t.Error("mode-4 reply accepted as a request")
	}
}

func TestNTPReply(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	req := NTPRequest(now.Add(-50 * time.Millisecond))
	reply := NTPReply(req, now)

	if len(reply) != HeaderSize {
		t.Fatalf("reply is %d bytes, want %d", len(reply), HeaderSize)
	}
	if reply[0] != 0x24 {
		t.Errorf("LI|VN|Mode = %#02x, want 0x24", reply[0])
	}
	if binary.BigEndian.Uint64(reply[24:32]) != binary.BigEndian.Uint64(req[40:48]) {
		t.Error("originate timestamp does not echo the request transmit timestamp")
	}

	xmt, err := NTPTransmitTime(reply)
	if err != nil {
		t.Fatalf("NTPTransmitTime: %v", err)
	}
	if d := xmt.Sub(now); d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("transmit timestamp off by %v", d)
	}

	ref := ntpTime(binary.BigEndian.Uint64(reply[16:24])).Time()
	if !ref.Before(xmt) {
		t.Error("reference timestamp not backdated")
	}
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c := FixedClock{T: at}
	if !c.Now().Equal(at) {
		t.Error("FixedClock drifted")
	}
}

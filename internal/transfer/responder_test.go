package transfer_test

import (
	"net"
	"testing"
	"time"

	"ntpspy/internal/storage"
	"ntpspy/internal/transfer"
	"ntpspy/internal/wire"
)

func sendPlainNTP(t *testing.T, addr *net.UDPAddr) ([]byte, bool) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.NTPRequest(time.Now())); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func TestResponderAnswersGenuineNTP(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := startServer(t, transfer.ServerConfig{
		Sink:      storage.NewMemSink(),
		AnswerNTP: true,
		Clock:     wire.FixedClock{T: at},
	})

	reply, ok := sendPlainNTP(t, srv.Addr())
	if !ok {
		t.Fatal("no reply to a genuine NTP request")
	}
	if len(reply) != wire.HeaderSize {
		t.Fatalf("reply is %d bytes", len(reply))
	}
	if reply[0] != 0x24 {
		t.Errorf("reply LI|VN|Mode = %#02x, want 0x24", reply[0])
	}
	got, err := wire.NTPTransmitTime(reply)
	if err != nil {
		t.Fatal(err)
	}
	if d := got.Sub(at); d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("server time %v, want %v", got, at)
	}
}

func TestForeignDatagramsIgnoredByDefault(t *testing.T) {
	srv := startServer(t, transfer.ServerConfig{Sink: storage.NewMemSink()})
	if _, ok := sendPlainNTP(t, srv.Addr()); ok {
		t.Error("default server answered a genuine NTP request")
	}
}

// ntpcheck sends one plain NTP request and prints the server's time.
// It verifies that an ntpspy server in responder mode is answering
// ordinary clients the way a real NTP server would.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"ntpspy/internal/wire"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: ntpcheck <host[:port]>")
		os.Exit(1)
	}
	host := os.Args[1]
	if !strings.Contains(host, ":") {
		host += ":123"
	}

	conn, err := net.Dial("udp", host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ntpcheck: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	if _, err := conn.Write(wire.NTPRequest(time.Now())); err != nil {
		fmt.Fprintf(os.Stderr, "ntpcheck: %v\n", err)
		os.Exit(2)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ntpcheck: request timed out")
		os.Exit(2)
	}

	t, err := wire.NTPTransmitTime(buf[:n])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ntpcheck: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(t.UTC().Format(time.RFC3339))
}

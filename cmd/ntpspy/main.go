// ntpspy tunnels files inside datagrams indistinguishable from NTP.
// One binary serves both ends: -s runs the reassembly server, anything
// else is the sending client.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"ntpspy/internal/discovery"
	"ntpspy/internal/storage"
	"ntpspy/internal/transfer"
)

const version = "1.0.0"

const (
	defaultPort  = 123
	defaultMagic = 0xDEADBEEF

	exitOK       = 0
	exitUsage    = 1
	exitNetwork  = 2
	exitChecksum = 3
	exitLocalIO  = 4
)

func main() {
	serverPath := flag.String("s", "", "server mode: storage root `path`")
	overwrite := flag.Bool("o", false, "overwrite existing files on name collision (server)")
	port := flag.Int("p", defaultPort, "UDP port")
	magicStr := flag.String("m", fmt.Sprintf("0x%X", defaultMagic), "magic number (hex, 1-FFFFFFFF)")
	interval := flag.Int("t", 0, "minimum seconds between datagrams (client)")
	query := flag.Bool("q", false, "query server version and exit (client)")
	announce := flag.Bool("a", false, "announce the service over mDNS (server)")
	discover := flag.Bool("d", false, "discover the server over mDNS instead of naming it (client)")
	answerNTP := flag.Bool("n", false, "answer genuine NTP clients with real time (server)")
	v := flag.Bool("v", false, "verbose")
	vv := flag.Bool("vv", false, "more verbose")
	vvv := flag.Bool("vvv", false, "trace")
	showVersion := flag.Bool("V", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ntpspy %s\n", version)
		os.Exit(exitOK)
	}

	setupLogging(*v, *vv, *vvv)

	magic, err := parseMagic(*magicStr)
	if err != nil {
		log.Errorf("invalid magic: %v", err)
		os.Exit(exitUsage)
	}
	if *port < 1 || *port > 65535 {
		log.Errorf("invalid port %d", *port)
		os.Exit(exitUsage)
	}

	if *serverPath != "" {
		if flag.NArg() > 0 || *query || *discover {
			log.Error("server mode does not accept a remote host, filenames, -q or -d")
			os.Exit(exitUsage)
		}
		os.Exit(runServer(*serverPath, *port, magic, *overwrite, *announce, *answerNTP))
	}

	addr, files, code := clientTarget(*discover, *port)
	if code != exitOK {
		os.Exit(code)
	}
	os.Exit(runClient(addr, magic, time.Duration(*interval)*time.Second, *query, files))
}

func setupLogging(v, vv, vvv bool) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	switch {
	case vvv:
		log.SetLevel(log.TraceLevel)
	case vv:
		log.SetLevel(log.DebugLevel)
	case v:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}
}

func parseMagic(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("magic 0 is reserved")
	}
	return uint32(n), nil
}

// clientTarget resolves the peer address from the -d flag or the first
// positional argument, and returns the remaining filenames.
func clientTarget(discover bool, port int) (string, []string, int) {
	args := flag.Args()
	if discover {
		addr, err := discovery.Discover(5 * time.Second)
		if err != nil {
			log.Errorf("discovery: %v", err)
			return "", nil, exitNetwork
		}
		return addr, args, exitOK
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ntpspy [options] host[:port] [file ...]   (or -s <path> for server mode)")
		flag.PrintDefaults()
		return "", nil, exitUsage
	}
	host := args[0]
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return host, args[1:], exitOK
}

func runServer(root string, port int, magic uint32, overwrite, announce, answerNTP bool) int {
	sink, err := storage.NewDirSink(root)
	if err != nil {
		log.Errorf("%v", err)
		return exitLocalIO
	}
	swept, err := sink.Sweep()
	if err != nil {
		log.Errorf("sweep: %v", err)
		return exitLocalIO
	}
	if swept > 0 {
		log.Infof("swept %d stale .part file(s)", swept)
	}

	server, err := transfer.NewServer(transfer.ServerConfig{
		Addr:      fmt.Sprintf("0.0.0.0:%d", port),
		Magic:     magic,
		Sink:      sink,
		Overwrite: overwrite,
		AnswerNTP: answerNTP,
	})
	if err != nil {
		log.Errorf("%v", err)
		return exitNetwork
	}

	if announce {
		mdns, err := discovery.Announce("ntpspy", port)
		if err != nil {
			log.Errorf("announce: %v", err)
			return exitNetwork
		}
		defer mdns.Shutdown()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Info("shutting down")
		server.Close()
	}()

	if err := server.Run(nil); err != nil {
		log.Errorf("%v", err)
		return exitNetwork
	}
	return exitOK
}

func runClient(addr string, magic uint32, interval time.Duration, query bool, files []string) int {
	client, err := transfer.NewClient(transfer.ClientConfig{
		Addr:     addr,
		Magic:    magic,
		Interval: interval,
	})
	if err != nil {
		log.Errorf("%v", err)
		return exitNetwork
	}
	defer client.Close()

	if query {
		reply, err := client.Query()
		if err != nil {
			log.Errorf("query: %v", err)
			return exitNetwork
		}
		fmt.Printf("server protocol version %d, caps %08x\n", reply.Version, reply.Caps)
		return exitOK
	}

	// Interrupt aborts the current file without End; the server's idle
	// timeout reclaims the partial transfer.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Warn("interrupted")
		client.Close()
	}()

	if len(files) == 0 {
		return exitCode(client.Send(os.Stdin, ""))
	}

	worst := exitOK
	for _, path := range files {
		var err error
		if path == "-" {
			err = client.Send(os.Stdin, "")
		} else {
			err = client.SendFile(path)
		}
		if err == nil {
			continue
		}
		log.Errorf("%s: %v", path, err)
		code := exitCode(err)
		if code > worst {
			worst = code
		}
		if errors.Is(err, transfer.ErrUnreachable) {
			log.Error("server unreachable, aborting remaining files")
			break
		}
	}
	return worst
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, transfer.ErrChecksum):
		return exitChecksum
	case errors.Is(err, transfer.ErrTimeout), errors.Is(err, transfer.ErrRejected):
		return exitNetwork
	default:
		return exitLocalIO
	}
}

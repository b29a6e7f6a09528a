package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"ntpspy/internal/wire"
)

// Client engine tuning defaults.
const (
	DefaultWindow           = 32
	DefaultRTTBase          = 500 * time.Millisecond
	DefaultHandshakeRetries = 5
	DefaultChunkRetries     = 8

	maxBackoff = 8 * time.Second
)

var (
	// ErrTimeout means the peer stopped answering within all retries.
	ErrTimeout = errors.New("no response from server")

	// ErrUnreachable is ErrTimeout on Start or Query: the server never
	// answered at all, so the rest of the batch is hopeless too.
	ErrUnreachable = fmt.Errorf("server unreachable: %w", ErrTimeout)

	// ErrChecksum means the server rejected the completed transfer
	// because the reassembled digest did not match.
	ErrChecksum = errors.New("server reported checksum mismatch")

	// ErrRejected covers Naks that end the current file: session
	// conflicts, lost sessions, out-of-range fields.
	ErrRejected = errors.New("server rejected transfer")
)

// ClientConfig configures a Client. Addr and Magic are required.
type ClientConfig struct {
	// Addr is the server, "host:port".
	Addr string

	// Magic is the shared 32-bit discriminator. Must be non-zero.
	Magic uint32

	// Interval is the pacing knob: the minimum time between any two
	// outgoing datagrams. Zero disables pacing. Pacing dominates every
	// other scheduling decision.
	Interval time.Duration

	// Window is the number of unacked Data chunks kept in flight.
	Window int

	// RTTBase seeds the retransmit backoff.
	RTTBase time.Duration

	// HandshakeRetries bounds Start, End and Query attempts.
	HandshakeRetries int

	// ChunkRetries bounds retransmits of a single chunk.
	ChunkRetries int
}

func (c *ClientConfig) withDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.RTTBase <= 0 {
		c.RTTBase = DefaultRTTBase
	}
	if c.HandshakeRetries <= 0 {
		c.HandshakeRetries = DefaultHandshakeRetries
	}
	if c.ChunkRetries <= 0 {
		c.ChunkRetries = DefaultChunkRetries
	}
}

// Client is the sending endpoint. It runs transfers one at a time over
// a single connected UDP socket; no goroutines, no locks.
type Client struct {
	cfg   ClientConfig
	codec *wire.Codec
	conn  *net.UDPConn

	nextID   uint32
	lastSend time.Time
	names    map[string]bool
}

// NewClient resolves the peer and connects the socket.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.withDefaults()
	codec, err := wire.NewCodec(cfg.Magic)
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return &Client{
		cfg:    cfg,
		codec:  codec,
		conn:   conn,
		nextID: 1,
		names:  make(map[string]bool),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Query probes the server and returns its QueryReply.
func (c *Client) Query() (*wire.Message, error) {
	reply, err := c.await(&wire.Message{Kind: wire.KindQuery}, func(m *wire.Message) bool {
		return m.Kind == wire.KindQueryReply
	})
	if errors.Is(err, ErrTimeout) {
		return nil, ErrUnreachable
	}
	if err != nil {
		return nil, err
	}
	log.Infof("server answered: protocol version %d, caps %08x", reply.Version, reply.Caps)
	return reply, nil
}

// SendFile transfers one file from disk.
func (c *Client) SendFile(path string) error {
	src, err := OpenFile(path)
	if err != nil {
		return err
	}
	defer src.Close()
	return c.transfer(src)
}

// Send transfers a stream, spooling it first to learn its size. An
// empty name labels the transfer as stdin.
func (c *Client) Send(r io.Reader, name string) error {
	src, err := Spool(r, name)
	if err != nil {
		return err
	}
	defer src.Close()
	return c.transfer(src)
}

func (c *Client) transfer(src *Source) error {
	id := c.nextID
	c.nextID++
	name := c.wireName(src.Name)
	log.Infof("transfer %d: %q as %q, %d bytes in %d chunks (crc %08x)",
		id, src.Name, name, src.Size, src.Chunks, src.Sum)

	start := &wire.Message{
		Kind:        wire.KindStart,
		TransferID:  id,
		TotalSize:   src.Size,
		TotalChunks: src.Chunks,
		Filename:    name,
	}
	reply, err := c.await(start, matchHandshake(id, wire.FlagAckStart))
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("start: %w", ErrUnreachable)
	}
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if reply.Kind == wire.KindNak {
		return fmt.Errorf("start: %s: %w", reply.Reason, ErrRejected)
	}

	if src.Chunks > 0 {
		if err := c.sendChunks(src, id, 0); err != nil {
			return err
		}
	}

	end := &wire.Message{
		Kind:        wire.KindEnd,
		TransferID:  id,
		TotalChunks: src.Chunks,
		Checksum:    src.Sum,
	}
	for try := 0; try < c.cfg.HandshakeRetries; try++ {
		reply, err := c.await(end, matchHandshake(id, wire.FlagAckEnd))
		if err != nil {
			return fmt.Errorf("end: %w", err)
		}
		if reply.Kind == wire.KindAck {
			log.Infof("transfer %d: complete", id)
			return nil
		}
		switch reply.Reason {
		case wire.ReasonMissingChunks:
			log.Debugf("transfer %d: server missing chunks from %d", id, reply.AckIndex)
			if err := c.sendChunks(src, id, reply.AckIndex); err != nil {
				return err
			}
		case wire.ReasonChecksumFailed:
			return fmt.Errorf("transfer %d: %w", id, ErrChecksum)
		default:
			return fmt.Errorf("end: %s: %w", reply.Reason, ErrRejected)
		}
	}
	return fmt.Errorf("end: %w", ErrTimeout)
}

// wireName maps a local name onto the 16 bytes Start can carry, falling
// back to a stable hash when the truncation collides with a name already
// sent in this batch.
func (c *Client) wireName(name string) string {
	short := wire.TruncateName(name)
	if short != name && c.names[short] {
		short = wire.HashName(name)
	}
	c.names[short] = true
	return short
}

func matchHandshake(id uint32, flag uint8) func(*wire.Message) bool {
	return func(m *wire.Message) bool {
		return (m.Kind == wire.KindAck || m.Kind == wire.KindNak) &&
			m.TransferID == id && m.Flags&flag != 0
	}
}

// await sends m and waits for a reply accepted by match, retrying with
// exponential backoff up to HandshakeRetries times.
func (c *Client) await(m *wire.Message, match func(*wire.Message) bool) (*wire.Message, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RTTBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for try := 0; try < c.cfg.HandshakeRetries; try++ {
		if err := c.send(m); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(bo.NextBackOff())
		for {
			reply, err := c.recv(deadline)
			if err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					break
				}
				return nil, err
			}
			if match(reply) {
				return reply, nil
			}
			log.Tracef("ignoring stale %s", reply.Kind)
		}
	}
	return nil, ErrTimeout
}

// flight tracks one unacked chunk.
type flight struct {
	lastSend time.Time
	retries  int
}

func (f *flight) deadline(rtt time.Duration) time.Time {
	return f.lastSend.Add(rtt * time.Duration(1<<f.retries))
}

// sendChunks runs the windowed Data phase over chunks [from, Chunks).
func (c *Client) sendChunks(src *Source, id, from uint32) error {
	if from >= src.Chunks {
		return nil
	}
	pending := make(map[uint32]*flight)
	next := from
	outstanding := src.Chunks - from

	sendChunk := func(index uint32) error {
		payload, err := src.Chunk(index)
		if err != nil {
			return err
		}
		return c.send(&wire.Message{
			Kind:       wire.KindData,
			TransferID: id,
			ChunkIndex: index,
			Payload:    payload,
		})
	}

	for outstanding > 0 {
		for len(pending) < c.cfg.Window && next < src.Chunks {
			if err := sendChunk(next); err != nil {
				return err
			}
			pending[next] = &flight{lastSend: time.Now()}
			next++
		}

		var deadline time.Time
		for _, f := range pending {
			if d := f.deadline(c.cfg.RTTBase); deadline.IsZero() || d.Before(deadline) {
				deadline = d
			}
		}

		reply, err := c.recv(deadline)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if err := c.retransmit(pending, sendChunk); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if reply.TransferID != id {
			continue
		}
		switch reply.Kind {
		case wire.KindAck:
			if reply.Flags != 0 {
				continue // late handshake ack
			}
			if _, ok := pending[reply.AckIndex]; ok {
				delete(pending, reply.AckIndex)
				outstanding--
			}
		case wire.KindNak:
			if reply.Reason == wire.ReasonNoSession {
				return fmt.Errorf("transfer %d: session lost: %w", id, ErrRejected)
			}
			if f, ok := pending[reply.AckIndex]; ok {
				log.Debugf("transfer %d: nak for chunk %d (%s), resending", id, reply.AckIndex, reply.Reason)
				if err := sendChunk(reply.AckIndex); err != nil {
					return err
				}
				f.lastSend = time.Now()
			}
		}
	}
	return nil
}

// retransmit resends every pending chunk whose backoff deadline passed,
// failing the file once a chunk exhausts its retries.
func (c *Client) retransmit(pending map[uint32]*flight, sendChunk func(uint32) error) error {
	now := time.Now()
	for index, f := range pending {
		if now.Before(f.deadline(c.cfg.RTTBase)) {
			continue
		}
		f.retries++
		if f.retries > c.cfg.ChunkRetries {
			return fmt.Errorf("chunk %d unacked after %d retries: %w", index, c.cfg.ChunkRetries, ErrTimeout)
		}
		log.Tracef("retransmit chunk %d (try %d)", index, f.retries)
		if err := sendChunk(index); err != nil {
			return err
		}
		f.lastSend = time.Now()
	}
	return nil
}

// send encodes and transmits one datagram, enforcing the pacing
// interval first.
func (c *Client) send(m *wire.Message) error {
	buf, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	if c.cfg.Interval > 0 {
		if wait := c.cfg.Interval - time.Since(c.lastSend); wait > 0 {
			time.Sleep(wait)
		}
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	c.lastSend = time.Now()
	return nil
}

// recv blocks for one decodable datagram from the peer until deadline.
// Foreign or malformed datagrams are skipped without resetting it.
func (c *Client) recv(deadline time.Time) (*wire.Message, error) {
	buf := make([]byte, 2*wire.DatagramSize)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		m, err := c.codec.Decode(buf[:n])
		if err != nil {
			log.Tracef("dropping undecodable reply: %v", err)
			continue
		}
		return m, nil
	}
}

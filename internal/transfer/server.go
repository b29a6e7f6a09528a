package transfer

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"ntpspy/internal/storage"
	"ntpspy/internal/wire"
)

// DefaultIdleTimeout is how long a session may sit without traffic from
// its peer before it is garbage-collected.
const DefaultIdleTimeout = 60 * time.Second

// sweepTick bounds how long the receive loop blocks before it looks for
// idle sessions.
const sweepTick = time.Second

// ServerConfig configures a Server. Magic and Sink are required.
type ServerConfig struct {
	// Addr is the UDP listen address, e.g. "0.0.0.0:123".
	Addr string

	// Magic is the shared 32-bit discriminator. Must be non-zero.
	Magic uint32

	// Sink receives reassembled files.
	Sink storage.Sink

	// Overwrite replaces existing files on name collision instead of
	// deconflicting with -1, -2, ... suffixes.
	Overwrite bool

	// IdleTimeout garbage-collects silent sessions. Defaults to
	// DefaultIdleTimeout.
	IdleTimeout time.Duration

	// AnswerNTP makes the server reply to genuine NTP client requests
	// with plausible time, instead of ignoring them.
	AnswerNTP bool

	// Clock stamps genuine NTP replies. Defaults to the system clock.
	Clock wire.Clock
}

// Server is the reassembly endpoint. It runs a single cooperative loop
// over one UDP socket; the session map is touched only from that loop,
// so no locking is needed.
type Server struct {
	cfg   ServerConfig
	codec *wire.Codec
	conn  *net.UDPConn

	sessions map[string]*session

	// completed remembers recently committed transfers so that a
	// retransmitted End (its Ack was lost) is re-acked instead of
	// Nak'd with NoSession.
	completed map[string]time.Time
}

// NewServer validates cfg and binds the socket.
func NewServer(cfg ServerConfig) (*Server, error) {
	codec, err := wire.NewCodec(cfg.Magic)
	if err != nil {
		return nil, err
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("server: no storage sink")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = wire.SystemClock{}
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	return &Server{
		cfg:       cfg,
		codec:     codec,
		conn:      conn,
		sessions:  make(map[string]*session),
		completed: make(map[string]time.Time),
	}, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close unblocks Run.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Run receives and dispatches datagrams until the socket is closed.
// If ready is non-nil it is signalled once the loop is about to serve.
func (s *Server) Run(ready chan<- struct{}) error {
	log.Infof("listening on %s", s.Addr())
	if ready != nil {
		ready <- struct{}{}
	}

	buf := make([]byte, 2*wire.DatagramSize)
	for {
		s.conn.SetReadDeadline(time.Now().Add(sweepTick))
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.sweepIdle()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: %w", err)
		}
		s.handle(buf[:n], peer)
		s.sweepIdle()
	}
}

func (s *Server) handle(buf []byte, peer *net.UDPAddr) {
	m, err := s.codec.Decode(buf)
	switch {
	case errors.Is(err, wire.ErrNotOurs):
		if s.cfg.AnswerNTP && wire.IsNTPRequest(buf) {
			log.Debugf("ntp request from %s", peer)
			s.conn.WriteToUDP(wire.NTPReply(buf, s.cfg.Clock.Now()), peer)
			return
		}
		log.Tracef("dropping foreign datagram from %s", peer)
		return
	case errors.Is(err, wire.ErrFieldOutOfRange) && m != nil:
		log.Debugf("out of range from %s: %v", peer, err)
		s.reply(peer, &wire.Message{
			Kind:       wire.KindNak,
			Flags:      handshakeFlag(m.Kind),
			TransferID: m.TransferID,
			AckIndex:   m.ChunkIndex,
			Reason:     wire.ReasonFieldOutOfRange,
		})
		return
	case err != nil:
		log.Debugf("dropping malformed datagram from %s: %v", peer, err)
		return
	}

	if sess, ok := s.sessions[sessionKey(peer, m.TransferID)]; ok {
		sess.lastSeen = time.Now()
	}

	switch m.Kind {
	case wire.KindQuery:
		log.Debugf("query from %s", peer)
		s.reply(peer, &wire.Message{
			Kind:    wire.KindQueryReply,
			Version: wire.ProtocolVersion,
		})
	case wire.KindStart:
		s.handleStart(m, peer)
	case wire.KindData:
		s.handleData(m, peer)
	case wire.KindEnd:
		s.handleEnd(m, peer)
	default:
		// QueryReply, Ack, Nak travel server to client only.
		log.Debugf("dropping %s from %s: wrong direction", m.Kind, peer)
	}
}

func handshakeFlag(k wire.Kind) uint8 {
	switch k {
	case wire.KindStart:
		return wire.FlagAckStart
	case wire.KindEnd:
		return wire.FlagAckEnd
	}
	return 0
}

func (s *Server) handleStart(m *wire.Message, peer *net.UDPAddr) {
	key := sessionKey(peer, m.TransferID)
	if sess, ok := s.sessions[key]; ok {
		if sess.matches(m) {
			s.ack(peer, m.TransferID, wire.NoChunk, wire.FlagAckStart)
			return
		}
		log.Warnf("conflicting start for %s", key)
		s.nak(peer, m.TransferID, wire.NoChunk, wire.ReasonSessionConflict, wire.FlagAckStart)
		return
	}

	file, err := s.cfg.Sink.Begin(m.TransferID)
	if err != nil {
		// Local I/O failure: no session, no ack; the client times out.
		log.Errorf("cannot begin transfer %d: %v", m.TransferID, err)
		return
	}
	s.sessions[key] = newSession(peer, m, file)
	log.Infof("transfer %d from %s: %q, %d bytes in %d chunks",
		m.TransferID, peer, m.Filename, m.TotalSize, m.TotalChunks)
	s.ack(peer, m.TransferID, wire.NoChunk, wire.FlagAckStart)
}

func (s *Server) handleData(m *wire.Message, peer *net.UDPAddr) {
	key := sessionKey(peer, m.TransferID)
	sess, ok := s.sessions[key]
	if !ok {
		s.nak(peer, m.TransferID, m.ChunkIndex, wire.ReasonNoSession, 0)
		return
	}
	if m.ChunkIndex >= sess.chunks {
		s.nak(peer, m.TransferID, m.ChunkIndex, wire.ReasonFieldOutOfRange, 0)
		return
	}
	if !sess.has(m.ChunkIndex) {
		off := int64(m.ChunkIndex) * wire.MaxPayload
		if _, err := sess.file.WriteAt(m.Payload, off); err != nil {
			log.Errorf("transfer %d: write chunk %d: %v", sess.id, m.ChunkIndex, err)
			s.retire(key, sess, true)
			return
		}
		sess.mark(m.ChunkIndex)
		log.Tracef("transfer %d: chunk %d (%d/%d)", sess.id, m.ChunkIndex, sess.received, sess.chunks)
	}
	s.ack(peer, m.TransferID, m.ChunkIndex, 0)
}

func (s *Server) handleEnd(m *wire.Message, peer *net.UDPAddr) {
	key := sessionKey(peer, m.TransferID)
	sess, ok := s.sessions[key]
	if !ok {
		if _, done := s.completed[key]; done {
			s.ack(peer, m.TransferID, wire.NoChunk, wire.FlagAckEnd)
			return
		}
		s.nak(peer, m.TransferID, wire.NoChunk, wire.ReasonNoSession, wire.FlagAckEnd)
		return
	}
	if m.TotalChunks != sess.chunks {
		s.nak(peer, m.TransferID, wire.NoChunk, wire.ReasonSessionConflict, wire.FlagAckEnd)
		return
	}
	if !sess.complete() {
		missing := sess.firstMissing()
		log.Debugf("transfer %d: end with %d/%d chunks, first missing %d",
			sess.id, sess.received, sess.chunks, missing)
		s.nak(peer, m.TransferID, missing, wire.ReasonMissingChunks, wire.FlagAckEnd)
		return
	}

	sum, err := sess.file.Checksum()
	if err != nil {
		log.Errorf("transfer %d: checksum: %v", sess.id, err)
		s.retire(key, sess, true)
		return
	}
	if sum != m.Checksum {
		log.Warnf("transfer %d: checksum mismatch: got %08x, declared %08x",
			sess.id, sum, m.Checksum)
		s.retire(key, sess, true)
		s.nak(peer, m.TransferID, wire.NoChunk, wire.ReasonChecksumFailed, wire.FlagAckEnd)
		return
	}

	final, err := sess.file.Commit(sess.name, s.cfg.Overwrite)
	if err != nil {
		log.Errorf("transfer %d: commit %q: %v", sess.id, sess.name, err)
		s.retire(key, sess, false)
		return
	}
	log.Infof("transfer %d: committed %q (%d bytes, crc %08x)", sess.id, final, sess.size, sum)
	s.retire(key, sess, false)
	s.completed[key] = time.Now()
	s.ack(peer, m.TransferID, wire.NoChunk, wire.FlagAckEnd)
}

// retire drops a session from the map, aborting its temp file unless it
// was already committed or aborted.
func (s *Server) retire(key string, sess *session, abort bool) {
	if abort {
		sess.file.Abort()
	}
	delete(s.sessions, key)
}

func (s *Server) sweepIdle() {
	now := time.Now()
	for key, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > s.cfg.IdleTimeout {
			log.Infof("transfer %d from %s: idle timeout", sess.id, sess.peer)
			s.retire(key, sess, true)
		}
	}
	for key, done := range s.completed {
		if now.Sub(done) > s.cfg.IdleTimeout {
			delete(s.completed, key)
		}
	}
}

func (s *Server) ack(peer *net.UDPAddr, id, index uint32, flags uint8) {
	s.reply(peer, &wire.Message{
		Kind:       wire.KindAck,
		Flags:      flags,
		TransferID: id,
		AckIndex:   index,
	})
}

func (s *Server) nak(peer *net.UDPAddr, id, index uint32, reason wire.Reason, flags uint8) {
	s.reply(peer, &wire.Message{
		Kind:       wire.KindNak,
		Flags:      flags,
		TransferID: id,
		AckIndex:   index,
		Reason:     reason,
	})
}

func (s *Server) reply(peer *net.UDPAddr, m *wire.Message) {
	buf, err := s.codec.Encode(m)
	if err != nil {
		log.Errorf("encode %s: %v", m.Kind, err)
		return
	}
	if _, err := s.conn.WriteToUDP(buf, peer); err != nil {
		log.Debugf("send %s to %s: %v", m.Kind, peer, err)
	}
}

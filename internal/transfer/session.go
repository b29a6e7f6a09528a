// Package transfer implements the two endpoints of the covert channel:
// the client engine that segments a source into 16-byte chunks and
// drives the ack/retransmit loop, and the server engine that reassembles
// them into a storage sink.
package transfer

import (
	"fmt"
	"net"
	"time"

	"ntpspy/internal/storage"
	"ntpspy/internal/wire"
)

// session is the server-side bookkeeping for one in-flight transfer,
// keyed by (peer address, transfer id).
type session struct {
	id     uint32
	peer   *net.UDPAddr
	name   string
	size   uint64
	chunks uint32

	bitmap   []uint64
	received uint32
	file     storage.File
	lastSeen time.Time
}

func sessionKey(peer *net.UDPAddr, id uint32) string {
	return fmt.Sprintf("%s/%d", peer.String(), id)
}

func newSession(peer *net.UDPAddr, m *wire.Message, file storage.File) *session {
	return &session{
		id:       m.TransferID,
		peer:     peer,
		name:     m.Filename,
		size:     m.TotalSize,
		chunks:   m.TotalChunks,
		bitmap:   make([]uint64, (m.TotalChunks+63)/64),
		file:     file,
		lastSeen: time.Now(),
	}
}

// matches reports whether m is a retransmit of the Start that created
// this session. Differing declared fields mean a conflicting transfer.
func (s *session) matches(m *wire.Message) bool {
	return s.name == m.Filename && s.size == m.TotalSize && s.chunks == m.TotalChunks
}

func (s *session) has(index uint32) bool {
	return index < s.chunks && s.bitmap[index/64]&(1<<(index%64)) != 0
}

// mark records receipt of a chunk. The bitmap only ever grows; a second
// mark of the same index is a no-op and reports false.
func (s *session) mark(index uint32) bool {
	if s.has(index) {
		return false
	}
	s.bitmap[index/64] |= 1 << (index % 64)
	s.received++
	return true
}

func (s *session) complete() bool {
	return s.received == s.chunks
}

// firstMissing returns the lowest unset chunk index, used as the resend
// hint on Nak(MissingChunks).
func (s *session) firstMissing() uint32 {
	for i := uint32(0); i < s.chunks; i++ {
		if !s.has(i) {
			return i
		}
	}
	return wire.NoChunk
}

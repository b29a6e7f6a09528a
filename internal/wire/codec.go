// Package wire implements the covert NTP datagram format: a 48-byte
// buffer laid out as an NTP v4 client/server packet whose timestamp
// fields carry the tunnel's framing, plus an optional 16-byte extension
// area shaped like a MAC trailer. Everything a passive observer can
// classify is kept within what real NTP traffic looks like.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
)

const (
	// HeaderSize is the mandatory NTP packet size and the size of every
	// datagram that carries no extension area.
	HeaderSize = 48

	// ExtSize is the size of the repurposed extension/auth trailer used
	// by Data and Start datagrams.
	ExtSize = 16

	// DatagramSize is the size of the extended (Data/Start) form.
	DatagramSize = HeaderSize + ExtSize

	// MaxPayload is the number of covert payload bytes one Data datagram
	// can carry, and the unit the chunk index addresses.
	MaxPayload = 16

	// MaxName is the longest filename a Start datagram can carry.
	MaxName = ExtSize
)

// Header byte constants. Values outside the repurposed timestamp fields
// are pinned to plausible NTP so that classifiers accept the traffic.
const (
	liVnModeClient = 0x23 // LI=0 VN=4 Mode=3
	liVnModeServer = 0x24 // LI=0 VN=4 Mode=4
	stratum        = 2
	poll           = 6
	precision      = 0xEC // -20
	referenceID    = 0x7F000001
)

var (
	// ErrNotOurs marks a datagram that is not part of the tunnel: wrong
	// size for NTP or magic mismatch. Callers drop these silently.
	ErrNotOurs = errors.New("not an ntpspy datagram")

	// ErrMalformedKind is returned for an unknown kind byte.
	ErrMalformedKind = errors.New("malformed message kind")

	// ErrLengthMismatch is returned when the datagram length disagrees
	// with what its kind requires.
	ErrLengthMismatch = errors.New("datagram length does not match kind")

	// ErrFieldOutOfRange is returned for impossible declared values. The
	// partially decoded message is returned alongside it so the server
	// can Nak with the offending transfer id.
	ErrFieldOutOfRange = errors.New("field out of range")

	// ErrZeroMagic rejects the reserved magic value 0.
	ErrZeroMagic = errors.New("magic must be non-zero")
)

// Codec encodes and decodes datagrams for one (out-of-band agreed) magic.
type Codec struct {
	magic uint32
}

// NewCodec returns a codec bound to the given magic. Zero is reserved as
// the codec's "unset" sentinel and is rejected.
func NewCodec(magic uint32) (*Codec, error) {
	if magic == 0 {
		return nil, ErrZeroMagic
	}
	return &Codec{magic: magic}, nil
}

// Magic returns the magic the codec was built with.
func (c *Codec) Magic() uint32 { return c.magic }

// NumChunks returns the number of Data datagrams needed for size bytes.
func NumChunks(size uint64) uint64 {
	return (size + MaxPayload - 1) / MaxPayload
}

// Encode serializes m into a freshly allocated 48- or 64-byte datagram.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	if !m.Kind.valid() {
		return nil, fmt.Errorf("%w: %d", ErrMalformedKind, uint8(m.Kind))
	}

	size := HeaderSize
	if m.Kind.extended() {
		size = DatagramSize
	}
	buf := make([]byte, size)

	if m.Kind.fromServer() {
		buf[0] = liVnModeServer
	} else {
		buf[0] = liVnModeClient
	}
	buf[1] = stratum
	buf[2] = poll
	buf[3] = precision
	binary.BigEndian.PutUint32(buf[12:16], referenceID)

	buf[16] = byte(m.Kind)
	buf[17] = m.Flags
	binary.BigEndian.PutUint32(buf[24:28], m.TransferID)
	binary.BigEndian.PutUint32(buf[40:44], c.magic)

	chunkIndex := NoChunk
	switch m.Kind {
	case KindStart:
		if len(m.Filename) == 0 || len(m.Filename) > MaxName {
			return nil, fmt.Errorf("%w: filename length %d", ErrFieldOutOfRange, len(m.Filename))
		}
		if uint64(m.TotalChunks) != NumChunks(m.TotalSize) {
			return nil, fmt.Errorf("%w: %d chunks for %d bytes", ErrFieldOutOfRange, m.TotalChunks, m.TotalSize)
		}
		chunkIndex = m.TotalChunks
		binary.BigEndian.PutUint64(buf[32:40], m.TotalSize)
		copy(buf[HeaderSize:], m.Filename)
	case KindData:
		if len(m.Payload) == 0 || len(m.Payload) > MaxPayload {
			return nil, fmt.Errorf("%w: payload length %d", ErrFieldOutOfRange, len(m.Payload))
		}
		if m.ChunkIndex == NoChunk {
			return nil, fmt.Errorf("%w: data without chunk index", ErrFieldOutOfRange)
		}
		chunkIndex = m.ChunkIndex
		binary.BigEndian.PutUint16(buf[32:34], uint16(len(m.Payload)))
		copy(buf[HeaderSize:], m.Payload)
	case KindEnd:
		binary.BigEndian.PutUint32(buf[32:36], m.TotalChunks)
		binary.BigEndian.PutUint32(buf[36:40], m.Checksum)
	case KindAck, KindNak:
		chunkIndex = m.AckIndex
		binary.BigEndian.PutUint32(buf[32:36], m.AckIndex)
		binary.BigEndian.PutUint32(buf[36:40], uint32(m.Reason))
	case KindQueryReply:
		binary.BigEndian.PutUint32(buf[32:36], m.Version)
		binary.BigEndian.PutUint32(buf[36:40], m.Caps)
	}
	binary.BigEndian.PutUint32(buf[28:32], chunkIndex)

	return buf, nil
}

// Decode parses a received UDP buffer. ErrNotOurs means the datagram is
// to be ignored without logging above trace level. On ErrFieldOutOfRange
// the partially decoded message is returned so the caller can Nak it.
func (c *Codec) Decode(buf []byte) (*Message, error) {
	if len(buf) != HeaderSize && len(buf) != DatagramSize {
		return nil, ErrNotOurs
	}
	if binary.BigEndian.Uint32(buf[40:44]) != c.magic {
		return nil, ErrNotOurs
	}

	kind := Kind(buf[16])
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %d", ErrMalformedKind, buf[16])
	}
	if kind.extended() != (len(buf) == DatagramSize) {
		return nil, fmt.Errorf("%w: %s in %d bytes", ErrLengthMismatch, kind, len(buf))
	}

	m := &Message{
		Kind:       kind,
		Flags:      buf[17],
		TransferID: binary.BigEndian.Uint32(buf[24:28]),
		ChunkIndex: NoChunk,
	}

	switch kind {
	case KindStart:
		m.TotalChunks = binary.BigEndian.Uint32(buf[28:32])
		m.TotalSize = binary.BigEndian.Uint64(buf[32:40])
		m.Filename = nameFromExt(buf[HeaderSize:])
		if len(m.Filename) == 0 {
			return m, fmt.Errorf("%w: empty filename", ErrFieldOutOfRange)
		}
		if uint64(m.TotalChunks) != NumChunks(m.TotalSize) {
			return m, fmt.Errorf("%w: %d chunks for %d bytes", ErrFieldOutOfRange, m.TotalChunks, m.TotalSize)
		}
	case KindData:
		m.ChunkIndex = binary.BigEndian.Uint32(buf[28:32])
		n := binary.BigEndian.Uint16(buf[32:34])
		if n == 0 || n > MaxPayload {
			return m, fmt.Errorf("%w: payload length %d", ErrFieldOutOfRange, n)
		}
		if m.ChunkIndex == NoChunk {
			return m, fmt.Errorf("%w: data without chunk index", ErrFieldOutOfRange)
		}
		m.Payload = append([]byte(nil), buf[HeaderSize:HeaderSize+n]...)
	case KindEnd:
		m.TotalChunks = binary.BigEndian.Uint32(buf[32:36])
		m.Checksum = binary.BigEndian.Uint32(buf[36:40])
	case KindAck, KindNak:
		m.ChunkIndex = binary.BigEndian.Uint32(buf[28:32])
		m.AckIndex = binary.BigEndian.Uint32(buf[32:36])
		m.Reason = Reason(binary.BigEndian.Uint32(buf[36:40]))
	case KindQueryReply:
		m.Version = binary.BigEndian.Uint32(buf[32:36])
		m.Caps = binary.BigEndian.Uint32(buf[36:40])
	}

	return m, nil
}

// nameFromExt strips the NUL padding from a Start extension area.
func nameFromExt(ext []byte) string {
	for i, b := range ext {
		if b == 0 {
			return string(ext[:i])
		}
	}
	return string(ext)
}

// TruncateName maps an arbitrary filename onto the 16 bytes a Start
// datagram can carry: names that fit pass through, longer ones keep
// their first 8 and last 7 bytes around a "~".
func TruncateName(name string) string {
	if len(name) <= MaxName {
		return name
	}
	return name[:8] + "~" + name[len(name)-7:]
}

// HashName is the fallback when TruncateName would collide with another
// name already used in the same batch: 8 hex digits of FNV-1a over the
// full name, stable across runs.
func HashName(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}

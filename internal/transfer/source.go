package transfer

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"ntpspy/internal/wire"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Source is one stream of bytes prepared for transfer: sized, digested,
// and addressable by chunk index.
type Source struct {
	Name   string
	Size   uint64
	Chunks uint32
	Sum    uint32

	r io.ReaderAt
	c io.Closer
}

// OpenFile prepares a file on disk. The digest pass reads the file once
// before any datagram is sent.
func OpenFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	h := crc32.New(castagnoli)
	if _, err := io.Copy(h, f); err != nil {
		f.Close()
		return nil, err
	}
	src, err := newSource(filepath.Base(path), uint64(info.Size()), h.Sum32(), f, f)
	if err != nil {
		f.Close()
	}
	return src, err
}

// Spool prepares a stream of unknown size by buffering it whole. An
// empty name yields the conventional stdin-<utc-epoch-seconds> name.
func Spool(r io.Reader, name string) (*Source, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("stdin-%d", time.Now().UTC().Unix())
	}
	return newSource(name, uint64(len(data)), crc32.Checksum(data, castagnoli), bytes.NewReader(data), nil)
}

func newSource(name string, size uint64, sum uint32, r io.ReaderAt, c io.Closer) (*Source, error) {
	chunks := wire.NumChunks(size)
	if chunks >= uint64(wire.NoChunk) {
		return nil, fmt.Errorf("%s: too large to transfer (%d bytes)", name, size)
	}
	return &Source{
		Name:   name,
		Size:   size,
		Chunks: uint32(chunks),
		Sum:    sum,
		r:      r,
		c:      c,
	}, nil
}

// Chunk reads the payload of one Data datagram. Only the final chunk is
// ever shorter than MaxPayload.
func (s *Source) Chunk(index uint32) ([]byte, error) {
	off := int64(index) * wire.MaxPayload
	n := int64(wire.MaxPayload)
	if rest := int64(s.Size) - off; rest < n {
		n = rest
	}
	if n <= 0 {
		return nil, fmt.Errorf("chunk %d out of range", index)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(s.r, off, n), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Source) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

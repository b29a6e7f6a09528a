package storage

import (
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
)

// MemSink keeps committed files in memory. It exists for tests that
// exercise the engines without touching disk.
type MemSink struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemSink() *MemSink {
	return &MemSink{files: make(map[string][]byte)}
}

func (s *MemSink) Begin(id uint32) (File, error) {
	return &memFile{sink: s}, nil
}

// Get returns a committed file's contents.
func (s *MemSink) Get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

// Names returns the committed file names in no particular order.
func (s *MemSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	return names
}

type memFile struct {
	sink *MemSink
	buf  []byte
	done bool
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	if m.done {
		return 0, fmt.Errorf("write to finished file")
	}
	end := int(off) + len(p)
	if end > len(m.buf) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memFile) Checksum() (uint32, error) {
	return crc32.Checksum(m.buf, castagnoli), nil
}

func (m *memFile) Commit(name string, overwrite bool) (string, error) {
	if m.done {
		return "", fmt.Errorf("commit of finished file")
	}
	final, err := cleanName(name)
	if err != nil {
		return "", err
	}
	s := m.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.files[final]; taken && !overwrite {
		final, err = m.deconflictLocked(final)
		if err != nil {
			return "", err
		}
	}
	s.files[final] = m.buf
	m.done = true
	return final, nil
}

func (m *memFile) deconflictLocked(name string) (string, error) {
	ext := ""
	stem := name
	if i := strings.LastIndex(name, "."); i > 0 {
		stem, ext = name[:i], name[i:]
	}
	for i := 1; i <= 10000; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, taken := m.sink.files[candidate]; !taken {
			return candidate, nil
		}
	}
	return "", ErrExists
}

func (m *memFile) Abort() error {
	m.buf = nil
	m.done = true
	return nil
}

package storage

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// partPattern matches in-progress reassembly files under the root.
const partPattern = ".ntpspy-*.part"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// DirSink reassembles transfers under a storage root directory. Files
// in progress live as hidden .part files and are renamed into place on
// Commit.
type DirSink struct {
	root string
}

// NewDirSink returns a sink rooted at dir, which must exist.
func NewDirSink(dir string) (*DirSink, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %s: not a directory", dir)
	}
	return &DirSink{root: dir}, nil
}

// Root returns the storage root path.
func (s *DirSink) Root() string { return s.root }

// Sweep deletes stale .part files left behind by a previous process and
// returns how many were removed. Run it once at startup, before any
// session exists; two servers sharing a root will sweep each other's
// live transfers.
func (s *DirSink) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, partPattern))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Begin creates the temp file for one transfer.
func (s *DirSink) Begin(id uint32) (File, error) {
	name := fmt.Sprintf(".ntpspy-%d-%s.part", id, uuid.NewString()[:8])
	path := filepath.Join(s.root, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &dirFile{f: f, path: path, root: s.root}, nil
}

type dirFile struct {
	f    *os.File
	path string
	root string
}

func (d *dirFile) WriteAt(p []byte, off int64) (int, error) {
	return d.f.WriteAt(p, off)
}

func (d *dirFile) Checksum() (uint32, error) {
	if _, err := d.f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	h := crc32.New(castagnoli)
	if _, err := io.Copy(h, d.f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

func (d *dirFile) Commit(name string, overwrite bool) (string, error) {
	final, err := cleanName(name)
	if err != nil {
		d.Abort()
		return "", err
	}
	if !overwrite {
		final, err = deconflict(d.root, final)
		if err != nil {
			d.Abort()
			return "", err
		}
	}
	if err := d.f.Sync(); err != nil {
		d.Abort()
		return "", err
	}
	if err := d.f.Close(); err != nil {
		os.Remove(d.path)
		return "", err
	}
	if err := os.Rename(d.path, filepath.Join(d.root, final)); err != nil {
		os.Remove(d.path)
		return "", err
	}
	return final, nil
}

func (d *dirFile) Abort() error {
	d.f.Close()
	return os.Remove(d.path)
}

// cleanName strips any path components the client declared and rejects
// names that would not stay inside the root.
func cleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", ErrBadName
	}
	return base, nil
}

// deconflict appends -1, -2, ... before the extension until the name is
// free. Bounded so a pathological directory cannot loop forever.
func deconflict(root, name string) (string, error) {
	if _, err := os.Lstat(filepath.Join(root, name)); os.IsNotExist(err) {
		return name, nil
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i <= 10000; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Lstat(filepath.Join(root, candidate)); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", ErrExists
}

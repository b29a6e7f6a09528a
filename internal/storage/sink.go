// Package storage provides the reassembly sinks the server writes into:
// a directory-backed sink for real use and a memory sink for tests.
// A sink hands out one File per transfer; the engine writes chunks at
// their offsets and either commits the file under its final name or
// aborts it. Nothing is visible under a final name before Commit.
package storage

import "errors"

var (
	// ErrExists is returned by Commit when the target name is taken and
	// overwriting is not allowed and no deconflicted name could be found.
	ErrExists = errors.New("target name exists")

	// ErrBadName rejects names that are empty or escape the root after
	// path components are stripped.
	ErrBadName = errors.New("invalid target name")
)

// File is one in-progress reassembly target.
type File interface {
	// WriteAt stores p at the given offset, extending the file as needed.
	WriteAt(p []byte, off int64) (int, error)

	// Checksum returns the CRC32C (Castagnoli) of the full current
	// contents.
	Checksum() (uint32, error)

	// Commit publishes the file under name, applying the sink's
	// collision policy, and returns the name actually used. The File is
	// unusable afterwards.
	Commit(name string, overwrite bool) (string, error)

	// Abort discards the file and whatever was written to it.
	Abort() error
}

// Sink creates reassembly files.
type Sink interface {
	// Begin opens a fresh File for the given transfer id.
	Begin(id uint32) (File, error)
}

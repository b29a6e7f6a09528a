package storage

import (
	"bytes"
	"hash/crc32"
	"testing"
)

func checksumOf(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

func TestMemSinkCommit(t *testing.T) {
	sink := NewMemSink()
	f, err := sink.Begin(1)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	f.WriteAt([]byte("is a test"), 5)
	f.WriteAt([]byte("this "), 0)

	sum, err := f.Checksum()
	if err != nil {
		t.Fatal(err)
	}
	if want := checksumOf([]byte("this is a test")); sum != want {
		t.Errorf("CRC32C = %08x, want %08x", sum, want)
	}

	final, err := f.Commit("readme.txt", false)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if final != "readme.txt" {
		t.Fatalf("committed as %q", final)
	}
	data, ok := sink.Get("readme.txt")
	if !ok || !bytes.Equal(data, []byte("this is a test")) {
		t.Errorf("stored %q", data)
	}
}

func TestMemSinkDeconflicts(t *testing.T) {
	sink := NewMemSink()
	for i, want := range []string{"h.txt", "h-1.txt", "h-2.txt"} {
		f, _ := sink.Begin(uint32(i))
		f.WriteAt([]byte{byte(i)}, 0)
		final, err := f.Commit("h.txt", false)
		if err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
		if final != want {
			t.Errorf("commit %d landed as %q, want %q", i, final, want)
		}
	}
	if len(sink.Names()) != 3 {
		t.Errorf("names: %v", sink.Names())
	}
}

func TestMemSinkOverwrite(t *testing.T) {
	sink := NewMemSink()
	f, _ := sink.Begin(1)
	f.WriteAt([]byte("old"), 0)
	f.Commit("h.txt", true)

	g, _ := sink.Begin(2)
	g.WriteAt([]byte("new"), 0)
	if final, _ := g.Commit("h.txt", true); final != "h.txt" {
		t.Fatalf("committed as %q", final)
	}
	data, _ := sink.Get("h.txt")
	if string(data) != "new" {
		t.Errorf("contents %q", data)
	}
}

func TestMemSinkAbort(t *testing.T) {
	sink := NewMemSink()
	f, _ := sink.Begin(1)
	f.WriteAt([]byte("partial"), 0)
	if err := f.Abort(); err != nil {
		t.Fatal(err)
	}
	if len(sink.Names()) != 0 {
		t.Errorf("aborted file committed: %v", sink.Names())
	}
	if _, err := f.WriteAt([]byte("x"), 0); err == nil {
		t.Error("write after abort succeeded")
	}
}

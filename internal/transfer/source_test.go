package transfer

import (
	"bytes"
	"hash/crc32"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"ntpspy/internal/wire"
)

func TestOpenFile(t *testing.T) {
	data := make([]byte, 33)
	rand.New(rand.NewSource(7)).Read(data)
	path := filepath.Join(t.TempDir(), "thirty-three.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()

	if src.Name != "thirty-three.bin" {
		t.Errorf("name %q", src.Name)
	}
	if src.Size != 33 || src.Chunks != 3 {
		t.Errorf("size %d chunks %d", src.Size, src.Chunks)
	}
	if want := crc32.Checksum(data, castagnoli); src.Sum != want {
		t.Errorf("sum %08x, want %08x", src.Sum, want)
	}

	for i, want := range [][]byte{data[0:16], data[16:32], data[32:33]} {
		got, err := src.Chunk(uint32(i))
		if err != nil {
			t.Fatalf("Chunk(%d): %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Chunk(%d) = %d bytes at wrong offset", i, len(got))
		}
	}
	if _, err := src.Chunk(3); err == nil {
		t.Error("chunk past the end succeeded")
	}
}

func TestSpoolNamesStdin(t *testing.T) {
	src, err := Spool(bytes.NewReader([]byte("piped")), "")
	if err != nil {
		t.Fatalf("Spool: %v", err)
	}
	defer src.Close()
	if !regexp.MustCompile(`^stdin-\d+$`).MatchString(src.Name) {
		t.Errorf("spooled name %q", src.Name)
	}
	if src.Size != 5 || src.Chunks != 1 {
		t.Errorf("size %d chunks %d", src.Size, src.Chunks)
	}
}

func TestSpoolEmpty(t *testing.T) {
	src, err := Spool(bytes.NewReader(nil), "empty.bin")
	if err != nil {
		t.Fatalf("Spool: %v", err)
	}
	defer src.Close()
	if src.Size != 0 || src.Chunks != 0 {
		t.Errorf("size %d chunks %d", src.Size, src.Chunks)
	}
	if src.Sum != 0 {
		t.Errorf("empty digest %08x", src.Sum)
	}
	if _, err := src.Chunk(0); err == nil {
		t.Error("chunk of empty source succeeded")
	}
}

func TestSourceExactMultipleFinalChunk(t *testing.T) {
	src, err := Spool(bytes.NewReader(make([]byte, wire.MaxPayload)), "exact.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if src.Chunks != 1 {
		t.Fatalf("chunks %d, want 1", src.Chunks)
	}
	chunk, err := src.Chunk(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk) != wire.MaxPayload {
		t.Errorf("exact-multiple chunk is %d bytes", len(chunk))
	}
}

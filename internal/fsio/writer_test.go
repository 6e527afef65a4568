package fsio_test

import (
	"os"
	"path/filepath"
	"testing"

	libperm "github.com/nabbar/golib/file/perm"

	"github.com/nabbar/tftpd/internal/fsio"
)

func TestWriterPlainBinaryConcatenates(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	w, err := fsio.NewWriter(target, 512, fsio.EOLNone, libperm.Perm(0o644))
	if err != nil {
		t.Fatal(err)
	}
	block1 := make([]byte, 512)
	for i := range block1 {
		block1[i] = 0xAB
	}
	block2 := make([]byte, 10)
	for i := range block2 {
		block2[i] = 0xCD
	}
	if err := w.WriteBlock(block1, len(block1)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBlock(block2, len(block2)); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 522 {
		t.Fatalf("len(got) = %d, want 522", len(got))
	}
	for i := 0; i < 512; i++ {
		if got[i] != 0xAB {
			t.Fatalf("byte %d = %x, want 0xAB", i, got[i])
		}
	}
	for i := 512; i < 522; i++ {
		if got[i] != 0xCD {
			t.Fatalf("byte %d = %x, want 0xCD", i, got[i])
		}
	}
}

func TestWriterRewritesLoneLFAndPassesThroughCRLF(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	w, err := fsio.NewWriter(target, 512, fsio.EOLForceNative, libperm.Perm(0o644))
	if err != nil {
		t.Fatal(err)
	}
	in := []byte("a\nb\r\nc\n")
	if err := w.WriteBlock(in, len(in)); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	// On non-Windows, native EOL is "\n", so the expected output mirrors
	// scenario 3's Windows-target bytes with "\n" in place of "\r\n"
	// wherever a bare LF is rewritten.
	want := "a\nb\r\nc\n"
	if string(got) != want {
		t.Fatalf("got %q want %q", string(got), want)
	}
}

func TestWriterAbortLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	w, err := fsio.NewWriter(target, 512, fsio.EOLNone, libperm.Perm(0o644))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBlock([]byte("partial"), 7); err != nil {
		t.Fatal(err)
	}
	if err := w.Abort(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected target to not exist, stat err = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		t.Fatalf("expected scratch dir empty after abort, found %s", e.Name())
	}
}

func TestWriterBoundaryAcrossBlocks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "boundary.txt")

	w, err := fsio.NewWriter(target, 4, fsio.EOLForceNative, libperm.Perm(0o644))
	if err != nil {
		t.Fatal(err)
	}
	// "ab\r" | "\ncd" : the CRLF straddles the block boundary.
	if err := w.WriteBlock([]byte("ab\r"), 3); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteBlock([]byte("\ncd"), 3); err != nil {
		t.Fatal(err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	want := "ab\r\ncd"
	if string(got) != want {
		t.Fatalf("got %q want %q", string(got), want)
	}
}

package buffer_test

import (
	"bytes"
	"testing"

	"github.com/nabbar/tftpd/internal/buffer"
)

func TestHaloContiguousViews(t *testing.T) {
	const n = 16
	h := buffer.NewHalo(n)

	src := make([]byte, n)
	for i := range src {
		src[i] = byte(i + 1)
	}
	h.WriteAll(0, src)

	for offset := 0; offset < n; offset++ {
		for length := 0; length <= n; length++ {
			view := h.View(offset, length)
			if len(view) != length {
				t.Fatalf("offset=%d length=%d: got len %d", offset, length, len(view))
			}
			for j := 0; j < length; j++ {
				want := src[(offset+j)%n]
				if view[j] != want {
					t.Fatalf("offset=%d length=%d idx=%d: got %d want %d", offset, length, j, view[j], want)
				}
			}
		}
	}
}

func TestHaloOverwriteWraps(t *testing.T) {
	const n = 4
	h := buffer.NewHalo(n)

	h.WriteAll(0, []byte{1, 2, 3, 4})
	h.WriteAll(4, []byte{5, 6})

	got := h.View(2, 4)
	want := []byte{3, 4, 5, 6}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestPoolAllocFreeRotates(t *testing.T) {
	p := buffer.NewPool(2, 8)

	i0, b0, ok := p.Alloc()
	if !ok || i0 != 0 || len(b0) != 8 {
		t.Fatalf("first alloc: idx=%d ok=%v len=%d", i0, ok, len(b0))
	}
	i1, _, ok := p.Alloc()
	if !ok || i1 != 1 {
		t.Fatalf("second alloc: idx=%d ok=%v", i1, ok)
	}
	if _, _, ok := p.Alloc(); ok {
		t.Fatalf("third alloc should fail: pool exhausted")
	}

	p.Free(i0)
	i2, _, ok := p.Alloc()
	if !ok || i2 != i0 {
		t.Fatalf("alloc after free: idx=%d ok=%v want %d", i2, ok, i0)
	}
}

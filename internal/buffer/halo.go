/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package buffer

// Halo is a ring buffer of logical capacity N whose backing array is
// 2N bytes; every write at logical offset i is mirrored to both i and
// i+N. A read of any contiguous span up to N bytes starting anywhere in
// [0, N) is therefore a single slice expression, never a wraparound
// branch. This is the portable equivalent of the double virtual-memory
// mapping the ring trick is named after.
type Halo struct {
	n   int
	buf []byte
}

// NewHalo builds a Halo of logical capacity n.
func NewHalo(n int) *Halo {
	return &Halo{n: n, buf: make([]byte, 2*n)}
}

// Cap returns the logical capacity N.
func (h *Halo) Cap() int {
	return h.n
}

// WriteAt mirrors one byte at logical offset i (0 <= i < N).
func (h *Halo) WriteAt(i int, b byte) {
	h.buf[i] = b
	h.buf[i+h.n] = b
}

// WriteAll mirrors every byte of p starting at logical offset i,
// wrapping i modulo N as needed.
func (h *Halo) WriteAll(i int, p []byte) {
	for _, b := range p {
		h.WriteAt(i%h.n, b)
		i++
	}
}

// View returns a contiguous slice of length k (0 <= k <= N) starting at
// logical offset i (0 <= i < N). The returned slice aliases the
// backing array and is valid until the next write that overlaps it.
func (h *Halo) View(i, k int) []byte {
	return h.buf[i : i+k]
}

// ByteAt returns the single mirrored byte at logical offset i.
func (h *Halo) ByteAt(i int) byte {
	return h.buf[i%h.n]
}

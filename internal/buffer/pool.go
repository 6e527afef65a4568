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

// Package buffer provides the fixed-size datagram buffer pool and the
// double-mapped halo ring used by the write path's EOL rewriter.
package buffer

import "sync"

const (
	// DataBufferSize is the capacity of one rented datagram data buffer.
	DataBufferSize = 65535
	// CtrlBufferSize is the capacity of one rented datagram control buffer.
	CtrlBufferSize = 128
)

// Pool is a fixed-capacity set of uniform-size byte slices with a busy bit
// per slot and a rotating allocation cursor. It never grows past its
// initial capacity; Alloc fails once every slot is busy.
type Pool struct {
	mu      sync.Mutex
	slots   [][]byte
	busy    []bool
	cursor  int
	bufSize int
}

// NewPool allocates capacity slots of bufSize bytes each.
func NewPool(capacity, bufSize int) *Pool {
	p := &Pool{
		slots:   make([][]byte, capacity),
		busy:    make([]bool, capacity),
		bufSize: bufSize,
	}
	for i := range p.slots {
		p.slots[i] = make([]byte, bufSize)
	}
	return p
}

// BufSize returns the uniform size of every slot.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Cap returns the number of slots in the pool.
func (p *Pool) Cap() int {
	return len(p.slots)
}

// Alloc returns the index and backing slice of the next free slot,
// starting the search at the rotating cursor. ok is false if every slot
// is busy.
func (p *Pool) Alloc() (idx int, buf []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	for i := 0; i < n; i++ {
		c := (p.cursor + i) % n
		if !p.busy[c] {
			p.busy[c] = true
			p.cursor = (c + 1) % n
			return c, p.slots[c], true
		}
	}
	return -1, nil, false
}

// Free releases the slot at idx back to the pool.
func (p *Pool) Free(idx int) {
	if idx < 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if idx >= len(p.busy) {
		return
	}
	p.busy[idx] = false
}

// InUse returns the number of currently busy slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, b := range p.busy {
		if b {
			n++
		}
	}
	return n
}

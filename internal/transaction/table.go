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

// Package transaction holds the fixed-capacity table of in-flight
// transaction records the dispatcher consults for admission control.
// Lookup finds a record by both TIDs; the dispatcher does not use it,
// so a repeated request is admitted as a new transaction.
package transaction

import (
	"context"
	"sync"

	libclo "github.com/nabbar/golib/ioutils/mapCloser"
)

// Record describes one in-flight transfer, keyed by (ClientTID, ServerTID).
type Record struct {
	Active      bool
	WorkerIndex int
	SocketIndex int
	ClientTID   int
	ServerTID   int
	ClientHost  string
}

// Table is a fixed-capacity slot array; at most len(slots) records exist
// simultaneously, matching the one-record-per-worker spec invariant.
// Closers exposes a mapCloser.Closer the server registers its control
// socket and transaction sockets with at Start, so Stop can close every
// still-bound socket in a single Close call even if a worker is
// mid-abort. Open files are not registered.
type Table struct {
	mu      sync.Mutex
	slots   []Record
	closers libclo.Closer
}

// New returns a Table with room for capacity simultaneous records.
func New(ctx context.Context, capacity int) *Table {
	return &Table{
		slots:   make([]Record, capacity),
		closers: libclo.New(ctx),
	}
}

// Closers returns the registry the server adds its sockets to.
func (t *Table) Closers() libclo.Closer {
	return t.closers
}

// Admit finds a free slot and activates it with the given fields,
// returning the slot index. ok is false if every slot is occupied —
// the caller must reject the request with a wire ERROR and create no
// record.
func (t *Table) Admit(workerIndex, socketIndex, clientTID, serverTID int, clientHost string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if !t.slots[i].Active {
			t.slots[i] = Record{
				Active:      true,
				WorkerIndex: workerIndex,
				SocketIndex: socketIndex,
				ClientTID:   clientTID,
				ServerTID:   serverTID,
				ClientHost:  clientHost,
			}
			return i, true
		}
	}
	return -1, false
}

// ClearByTID deactivates the record matching (clientTID, serverTID), if
// any. It is the counterpart to Admit, called when a worker terminates
// its transaction.
func (t *Table) ClearByTID(clientTID, serverTID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].Active && t.slots[i].ClientTID == clientTID && t.slots[i].ServerTID == serverTID {
			t.slots[i] = Record{}
			return
		}
	}
}

// Lookup returns the record for (clientTID, serverTID), if active.
func (t *Table) Lookup(clientTID, serverTID int) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i].Active && t.slots[i].ClientTID == clientTID && t.slots[i].ServerTID == serverTID {
			return t.slots[i], true
		}
	}
	return Record{}, false
}

// ActiveCount reports how many slots are currently occupied.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].Active {
			n++
		}
	}
	return n
}

// Capacity returns the fixed number of slots, i.e. the configured
// thread count.
func (t *Table) Capacity() int {
	return len(t.slots)
}

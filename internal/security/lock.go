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

package security

import (
	"runtime"
	"sync"

	libatm "github.com/nabbar/golib/atomic"
)

const lockAttempts = 3

// pathLock is a per-path multi-reader/single-writer counter. readers
// holds the active reader count; writer is 0 or 1.
type pathLock struct {
	readers libatm.Value[int32]
	writer  libatm.Value[int32]
}

func newPathLock() *pathLock {
	return &pathLock{
		readers: libatm.NewValue[int32](),
		writer:  libatm.NewValue[int32](),
	}
}

func (l *pathLock) isFree() bool {
	return l.readers.Load() == 0 && l.writer.Load() == 0
}

// Locks is the per-path file interlock. Entries are created on first
// use and removed once both the reader count and writer bit return to
// zero.
type Locks struct {
	mu sync.Mutex
	m  map[string]*pathLock
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{m: make(map[string]*pathLock)}
}

func (l *Locks) get(path string) *pathLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	pl, ok := l.m[path]
	if !ok {
		pl = newPathLock()
		l.m[path] = pl
	}
	return pl
}

func (l *Locks) releaseIfFree(path string, pl *pathLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pl.isFree() {
		delete(l.m, path)
	}
}

// TryLockRead makes up to three lock-free CAS attempts to acquire a
// read lock on path. It never blocks; it returns false if a writer
// holds the path after all attempts are exhausted.
func (l *Locks) TryLockRead(path string) bool {
	pl := l.get(path)

	for attempt := 0; attempt < lockAttempts; attempt++ {
		if pl.writer.Load() != 0 {
			runtime.Gosched()
			continue
		}
		cur := pl.readers.Load()
		if pl.readers.CompareAndSwap(cur, cur+1) {
			return true
		}
		runtime.Gosched()
	}
	return false
}

// TryLockWrite makes up to three lock-free CAS attempts to acquire the
// exclusive write lock on path. It never blocks; it returns false if
// any reader or writer holds the path after all attempts are
// exhausted.
func (l *Locks) TryLockWrite(path string) bool {
	pl := l.get(path)

	for attempt := 0; attempt < lockAttempts; attempt++ {
		if pl.readers.Load() != 0 || pl.writer.Load() != 0 {
			runtime.Gosched()
			continue
		}
		if pl.writer.CompareAndSwap(0, 1) {
			return true
		}
		runtime.Gosched()
	}
	return false
}

// UnlockRead releases one reader on path. Once both counters return to
// zero, the path's entry is removed from the table.
func (l *Locks) UnlockRead(path string) {
	pl := l.get(path)
	for {
		cur := pl.readers.Load()
		if cur <= 0 {
			break
		}
		if pl.readers.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	l.releaseIfFree(path, pl)
}

// UnlockWrite releases the writer on path. Once both counters return to
// zero, the path's entry is removed from the table.
func (l *Locks) UnlockWrite(path string) {
	pl := l.get(path)
	pl.writer.CompareAndSwap(1, 0)
	l.releaseIfFree(path, pl)
}

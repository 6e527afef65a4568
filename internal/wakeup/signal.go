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

// Package wakeup provides an edge-triggered, single-consume wakeup
// signal used to hand a worker goroutine off from the dispatch loop.
package wakeup

import (
	"context"
	"time"
)

// Signal is an idempotent-emit, single-consume notification. Multiple
// Emit calls before a Wait collapse into one pending wakeup.
type Signal struct {
	ch chan struct{}
}

// New returns a ready-to-use Signal with no pending wakeup.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Emit marks the signal pending. It never blocks: if a wakeup is
// already pending, this call is a no-op.
func (s *Signal) Emit() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until a wakeup is pending (consuming it) or the timeout
// elapses, whichever comes first. A timeout of 0 or less waits
// indefinitely.
func (s *Signal) Wait(timeout time.Duration) (woken bool) {
	if timeout <= 0 {
		<-s.ch
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.ch:
		return true
	case <-t.C:
		return false
	}
}

// WaitContext blocks until a wakeup is pending (consuming it) or ctx is
// done, whichever comes first.
func (s *Signal) WaitContext(ctx context.Context) (woken bool) {
	select {
	case <-s.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

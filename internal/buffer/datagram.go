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

import "net"

// Factory owns the data and control buffer pools for one endpoint and
// hands out DatagramAssembly builders. Factory lifetime must strictly
// exceed every Datagram it produced; the server guarantees this by
// joining all workers before releasing the factory.
type Factory struct {
	data *Pool
	ctrl *Pool
}

// NewFactory builds a Factory with poolSize slots in both the data pool
// (DataBufferSize bytes each) and the control pool (CtrlBufferSize bytes
// each).
func NewFactory(poolSize int) *Factory {
	return &Factory{
		data: NewPool(poolSize, DataBufferSize),
		ctrl: NewPool(poolSize, CtrlBufferSize),
	}
}

// InUse reports how many data-pool slots are currently rented out.
func (f *Factory) InUse() int {
	return f.data.InUse()
}

// NewAssembly rents one data and one control buffer and returns a
// builder for the caller to populate. IsValid() is false if either pool
// was exhausted; the caller must check before use.
func (f *Factory) NewAssembly() *DatagramAssembly {
	a := &DatagramAssembly{factory: f, dataIdx: -1, ctrlIdx: -1}

	if idx, buf, ok := f.data.Alloc(); ok {
		a.dataIdx = idx
		a.dataBuf = buf
	} else {
		return a
	}

	if idx, buf, ok := f.ctrl.Alloc(); ok {
		a.ctrlIdx = idx
		a.ctrlBuf = buf
	} else {
		f.data.Free(a.dataIdx)
		a.dataIdx = -1
		a.dataBuf = nil
		return a
	}

	a.valid = true
	return a
}

// DatagramAssembly is a builder: it exposes rented buffers for the
// caller to populate (receive path) or marshal into (send path), and
// accepts metadata setters before Finalize produces an owned Datagram.
type DatagramAssembly struct {
	factory   *Factory
	dataIdx   int
	ctrlIdx   int
	dataBuf   []byte
	ctrlBuf   []byte
	valid     bool
	length    int
	source    *net.UDPAddr
	dest      *net.UDPAddr
	broadcast bool
}

// IsValid reports whether both buffer allocations succeeded.
func (a *DatagramAssembly) IsValid() bool {
	return a.valid
}

// Data returns the rented data buffer for the caller to write into,
// capped to its full capacity; SetLength records how much of it is
// meaningful.
func (a *DatagramAssembly) Data() []byte {
	return a.dataBuf
}

// Control returns the rented auxiliary control buffer.
func (a *DatagramAssembly) Control() []byte {
	return a.ctrlBuf
}

func (a *DatagramAssembly) SetLength(n int) {
	a.length = n
}

func (a *DatagramAssembly) SetSource(addr *net.UDPAddr) {
	a.source = addr
}

func (a *DatagramAssembly) SetDestination(addr *net.UDPAddr) {
	a.dest = addr
}

func (a *DatagramAssembly) SetBroadcast(b bool) {
	a.broadcast = b
}

// Finalize produces an owned Datagram from this assembly. Calling
// Finalize on an invalid assembly returns an invalid Datagram; the
// rented buffers (if any were obtained) are returned to the factory
// immediately since no owner remains to release them later.
func (a *DatagramAssembly) Finalize() *Datagram {
	if !a.valid {
		if a.dataIdx >= 0 {
			a.factory.data.Free(a.dataIdx)
		}
		if a.ctrlIdx >= 0 {
			a.factory.ctrl.Free(a.ctrlIdx)
		}
		return &Datagram{valid: false}
	}

	return &Datagram{
		factory:   a.factory,
		dataIdx:   a.dataIdx,
		ctrlIdx:   a.ctrlIdx,
		valid:     true,
		payload:   a.dataBuf[:a.length],
		source:    a.source,
		dest:      a.dest,
		broadcast: a.broadcast,
	}
}

// Datagram is a received or outgoing UDP payload backed by pool-rented
// buffers. Release returns both buffers to the owning factory; calling
// Release more than once is a no-op after the first call.
type Datagram struct {
	factory   *Factory
	dataIdx   int
	ctrlIdx   int
	valid     bool
	released  bool
	payload   []byte
	source    *net.UDPAddr
	dest      *net.UDPAddr
	broadcast bool
}

func (d *Datagram) IsValid() bool {
	return d.valid
}

// Payload returns the meaningful bytes of the rented data buffer.
func (d *Datagram) Payload() []byte {
	return d.payload
}

func (d *Datagram) Source() *net.UDPAddr {
	return d.source
}

func (d *Datagram) Destination() *net.UDPAddr {
	return d.dest
}

func (d *Datagram) Broadcast() bool {
	return d.broadcast
}

// Release returns the rented data and control buffers to the factory
// that produced this Datagram. The Datagram holds a plain pointer to its
// factory, so the pools stay reachable for as long as the Datagram does;
// on an invalid Datagram (which has no factory and no buffers) Release
// does nothing.
func (d *Datagram) Release() {
	if d.released || !d.valid || d.factory == nil {
		return
	}
	d.released = true
	d.factory.data.Free(d.dataIdx)
	d.factory.ctrl.Free(d.ctrlIdx)
}

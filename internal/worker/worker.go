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

package worker

import (
	"errors"
	"net"
	"time"

	libatm "github.com/nabbar/golib/atomic"
	libperm "github.com/nabbar/golib/file/perm"
	"github.com/sirupsen/logrus"

	"github.com/nabbar/tftpd/internal/buffer"
	"github.com/nabbar/tftpd/internal/fsio"
	"github.com/nabbar/tftpd/internal/netio"
	"github.com/nabbar/tftpd/internal/protocol"
	"github.com/nabbar/tftpd/internal/security"
	"github.com/nabbar/tftpd/internal/wakeup"
)

// idlePoll bounds how long the worker blocks on its wakeup signal while
// idle, so RequestStop's cancellation latency is bounded per spec §5.
const idlePoll = 100 * time.Millisecond

// pollSlice is the per-iteration poll granularity used while a
// transaction is active, per spec §4.7.
const pollSlice = 50 * time.Millisecond

var errNoScratchBuffer = errors.New("worker: no free scratch datagram buffer")

// TerminateFunc is called once a transaction ends (success or abort) so
// the owning dispatcher can free the transaction record and mark the
// worker and its transaction socket available again.
type TerminateFunc func(workerIndex, socketIndex, clientTID, serverTID int)

// Config carries the fields every worker in a server shares.
type Config struct {
	Policy      *security.Policy
	Locks       *security.Locks
	Factory     *buffer.Factory
	BlockSize   int
	Timeout     time.Duration
	Retries     int
	FilePerm    libperm.Perm
	OnTerminate TerminateFunc
	InfoLog     *logrus.Logger
	ErrorLog    *logrus.Logger
}

// Worker owns one goroutine, one wakeup signal, and the resources of at
// most one transaction at a time.
type Worker struct {
	index int
	cfg   Config

	activity libatm.Value[ActivityState]
	txState  libatm.Value[TransactionState]
	signal   *wakeup.Signal

	sock       *netio.Endpoint
	sockIndex  int
	clientAddr *net.UDPAddr
	clientHost string
	clientTID  int
	serverTID  int

	lastAck     uint16
	filePath    string
	op          protocol.Opcode
	asciiMode   bool
	lockedRead  bool
	lockedWrite bool
	reader      *fsio.Reader
	writer      *fsio.Writer
}

// New returns an idle worker identified by index.
func New(index int, cfg Config) *Worker {
	w := &Worker{
		index:    index,
		cfg:      cfg,
		signal:   wakeup.New(),
		activity: libatm.NewValue[ActivityState](),
		txState:  libatm.NewValue[TransactionState](),
	}
	w.activity.Store(ActivityInactive)
	w.txState.Store(TxWaitingForRequest)
	return w
}

func (w *Worker) Index() int { return w.index }

func (w *Worker) Activity() ActivityState { return w.activity.Load() }

func (w *Worker) TxState() TransactionState { return w.txState.Load() }

// RequestStop flips the activity flag and wakes the worker so it can
// observe the transition promptly whether idle or mid-transaction.
func (w *Worker) RequestStop() {
	w.activity.CompareAndSwap(ActivityActive, ActivityTerminating)
	w.signal.Emit()
}

// Run is the worker's goroutine body. It transitions INACTIVE -> ACTIVE
// on entry and, on exit, aborts any in-flight transaction with
// SHUTTING_DOWN before transitioning back to INACTIVE.
func (w *Worker) Run() {
	w.activity.CompareAndSwap(ActivityInactive, ActivityActive)

	for w.activity.Load() != ActivityTerminating {
		switch w.txState.Load() {
		case TxWaitingForData:
			w.runWaitingForData()
		case TxWaitingForAck:
			w.runWaitingForAck()
		default:
			w.signal.Wait(idlePoll)
		}
	}

	switch w.txState.Load() {
	case TxWaitingForData, TxWaitingForAck:
		w.abort(ErrShuttingDown, "")
	}
	w.activity.Store(ActivityInactive)
}

// AssignTransaction is called synchronously on the dispatcher thread. It
// snapshots the peer's identity, validates and sets up the initial
// RRQ/WRQ request, and — only on success — hands control to the
// worker's own goroutine via the wakeup signal.
func (w *Worker) AssignTransaction(req *buffer.Datagram, sock *netio.Endpoint, sockIndex, clientTID, serverTID int) {
	w.txState.Store(TxSettingUpRequest)

	w.sock = sock
	w.sockIndex = sockIndex
	w.clientTID = clientTID
	w.serverTID = serverTID
	w.lastAck = 0
	w.lockedRead = false
	w.lockedWrite = false

	if src := req.Source(); src != nil {
		w.clientAddr = src
		w.clientHost = src.IP.String()
	}

	if !w.setupRequest(req) {
		return
	}
	w.signal.Emit()
}

// setupRequest implements spec §4.7's "Initial request processing". It
// returns false if the request was rejected (an ERROR reply has already
// been sent and the transaction fully torn down).
func (w *Worker) setupRequest(req *buffer.Datagram) bool {
	w.txState.Store(TxProcessingRequest)

	payload := req.Payload()
	if len(payload) < 4 {
		w.abort(ErrInvalidMessageSize, "")
		return false
	}

	op, ok := protocol.DecodeOpcode(payload)
	if !ok || (op != protocol.OpRRQ && op != protocol.OpWRQ) {
		w.abort(ErrInvalidOpcode, "")
		return false
	}

	body := payload[2:]
	if !protocol.ValidateRequest(body) {
		w.abort(ErrInvalidMessageFormat, "")
		return false
	}
	r, ok := protocol.DecodeRequest(body)
	if !ok {
		w.abort(ErrInvalidMessageFormat, "")
		return false
	}

	w.op = op
	w.asciiMode = r.Mode == protocol.ModeNetascii
	w.filePath = w.cfg.Policy.AbsoluteFromRoot(r.Filename)

	var result security.ValidationResult
	if op == protocol.OpRRQ {
		result = w.cfg.Policy.IsFileValidForRead(w.filePath)
	} else {
		result = w.cfg.Policy.IsFileValidForWrite(w.filePath)
	}
	if result != security.Valid {
		w.abort(FromSecurity(result), "")
		return false
	}

	if op == protocol.OpWRQ {
		return w.setupWrite()
	}
	return w.setupRead()
}

func (w *Worker) setupWrite() bool {
	if !w.cfg.Locks.TryLockWrite(w.filePath) {
		w.abort(ErrFileLocked, "")
		return false
	}
	w.lockedWrite = true

	eol := fsio.EOLNone
	if w.asciiMode {
		eol = fsio.EOLForceNative
	}
	fw, err := fsio.NewWriter(w.filePath, w.cfg.BlockSize, eol, w.cfg.FilePerm)
	if err != nil {
		w.abort(ErrCriticalServerError, err.Error())
		return false
	}
	w.writer = fw

	w.txState.Store(TxWaitingForData)
	w.sendAck(0)
	w.lastAck = 0
	return true
}

func (w *Worker) setupRead() bool {
	if !w.cfg.Locks.TryLockRead(w.filePath) {
		w.abort(ErrFileLocked, "")
		return false
	}
	w.lockedRead = true

	fr, err := fsio.NewReader(w.filePath)
	if err != nil {
		w.abort(ErrNoSuchFile, "")
		return false
	}
	w.reader = fr

	w.lastAck = 0
	w.txState.Store(TxWaitingForAck)
	return true
}

// runWaitingForData implements spec §4.7's WAITING_FOR_DATA loop.
func (w *Worker) runWaitingForData() {
	deadline := time.Now().Add(w.cfg.Timeout)

	for {
		if w.activity.Load() == ActivityTerminating {
			w.abort(ErrShuttingDown, "")
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			w.abort(ErrTimeout, "")
			return
		}
		slice := pollSlice
		if remaining < slice {
			slice = remaining
		}

		ready, err := w.sock.Poll(slice, w.cfg.Factory)
		if err != nil {
			w.abort(ErrCriticalServerError, err.Error())
			return
		}
		if !ready {
			continue
		}

		dg, err := w.sock.Receive(w.cfg.Factory)
		if err != nil {
			w.abort(ErrCriticalServerError, err.Error())
			return
		}
		done := w.handleDataMessage(dg)
		dg.Release()
		if done || w.txState.Load() != TxWaitingForData {
			return
		}
		deadline = time.Now().Add(w.cfg.Timeout)
	}
}

// handleDataMessage processes one datagram received while
// WAITING_FOR_DATA. It returns true once the transaction has been
// terminated (successfully or via abort).
func (w *Worker) handleDataMessage(dg *buffer.Datagram) bool {
	payload := dg.Payload()

	op, ok := protocol.DecodeOpcode(payload)
	if !ok {
		w.abort(ErrInvalidMessageSize, "")
		return true
	}
	switch op {
	case protocol.OpERROR:
		w.abort(ErrClientError, "")
		return true
	case protocol.OpDATA:
	default:
		w.abort(ErrInvalidOpcode, "")
		return true
	}

	data, ok := protocol.DecodeData(payload[2:])
	if !ok {
		w.abort(ErrInvalidMessageSize, "")
		return true
	}

	expected := w.lastAck + 1
	if data.Block != expected {
		// Duplicate or out-of-order: reply with the last-accepted ACK
		// again and remain in WAITING_FOR_DATA, per spec §8 scenario 6.
		w.sendAck(w.lastAck)
		return false
	}

	if err := w.writer.WriteBlock(data.Payload, len(data.Payload)); err != nil {
		w.abort(ErrCriticalServerError, err.Error())
		return true
	}
	w.lastAck = data.Block
	w.sendAck(w.lastAck)

	if len(data.Payload) < w.cfg.BlockSize {
		if err := w.writer.Finalize(); err != nil {
			w.abort(ErrCriticalServerError, err.Error())
			return true
		}
		w.terminateTransaction()
		return true
	}
	return false
}

// runWaitingForAck implements spec §4.7's WAITING_FOR_ACK loop: build
// one DATA block, send/retry it up to Retries times, then either
// advance or abort with TIMEOUT.
func (w *Worker) runWaitingForAck() {
	block := w.lastAck + 1
	buf := make([]byte, w.cfg.BlockSize)

	n, err := w.reader.ReadBlock(buf, w.cfg.BlockSize)
	if err != nil {
		w.abort(ErrCriticalServerError, err.Error())
		return
	}
	payload := protocol.EncodeData(block, buf[:n])
	final := n < w.cfg.BlockSize

	attempts := 0
	for {
		if w.activity.Load() == ActivityTerminating {
			w.abort(ErrShuttingDown, "")
			return
		}
		if err := w.send(payload); err != nil {
			w.abort(ErrCriticalServerError, err.Error())
			return
		}

		acked, aborted := w.waitAckFor(block)
		if aborted {
			return
		}
		if acked {
			w.lastAck = block
			if final {
				w.terminateTransaction()
			}
			return
		}

		attempts++
		if attempts > w.cfg.Retries {
			w.abort(ErrTimeout, "")
			return
		}
	}
}

type ackOutcome int

const (
	ackMatch ackOutcome = iota
	ackMismatch
	ackInvalid
)

// waitAckFor polls for up to Timeout, in pollSlice slices, for an ACK
// matching want. A mismatched ACK or an outright timeout both resolve
// to (false, false) so the caller resends; a malformed message or a
// shutdown request aborts the transaction and resolves to (_, true).
func (w *Worker) waitAckFor(want uint16) (acked, aborted bool) {
	deadline := time.Now().Add(w.cfg.Timeout)

	for {
		if w.activity.Load() == ActivityTerminating {
			w.abort(ErrShuttingDown, "")
			return false, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, false
		}
		slice := pollSlice
		if remaining < slice {
			slice = remaining
		}

		ready, err := w.sock.Poll(slice, w.cfg.Factory)
		if err != nil {
			w.abort(ErrCriticalServerError, err.Error())
			return false, true
		}
		if !ready {
			continue
		}

		dg, err := w.sock.Receive(w.cfg.Factory)
		if err != nil {
			w.abort(ErrCriticalServerError, err.Error())
			return false, true
		}
		outcome := w.classifyAck(dg, want)
		dg.Release()

		switch outcome {
		case ackMatch:
			return true, false
		case ackMismatch:
			return false, false
		default:
			return false, true
		}
	}
}

func (w *Worker) classifyAck(dg *buffer.Datagram, want uint16) ackOutcome {
	payload := dg.Payload()

	op, ok := protocol.DecodeOpcode(payload)
	if !ok {
		w.abort(ErrInvalidMessageSize, "")
		return ackInvalid
	}
	switch op {
	case protocol.OpERROR:
		w.abort(ErrClientError, "")
		return ackInvalid
	case protocol.OpACK:
	default:
		w.abort(ErrInvalidOpcode, "")
		return ackInvalid
	}

	ack, ok := protocol.DecodeAck(payload[2:])
	if !ok {
		w.abort(ErrInvalidMessageSize, "")
		return ackInvalid
	}
	if ack.Block != want {
		return ackMismatch
	}
	return ackMatch
}

// send marshals payload into a scratch datagram and writes it to the
// client over this transaction's socket.
func (w *Worker) send(payload []byte) error {
	asm := w.cfg.Factory.NewAssembly()
	if !asm.IsValid() {
		return errNoScratchBuffer
	}
	n := copy(asm.Data(), payload)
	asm.SetLength(n)
	dg := asm.Finalize()
	defer dg.Release()
	return w.sock.Send(dg, w.clientAddr)
}

func (w *Worker) sendAck(block uint16) {
	if err := w.send(protocol.EncodeAck(block)); err != nil && w.cfg.ErrorLog != nil {
		w.cfg.ErrorLog.WithError(err).WithField("worker", w.index).Warn("failed to send ACK")
	}
}

// abort sends a best-effort ERROR reply (for categories that produce
// one) and tears the transaction down.
func (w *Worker) abort(cat ErrorCategory, msg string) {
	if code, def, reply := cat.WireCode(); reply {
		if msg == "" {
			msg = def
		}
		if err := w.send(protocol.EncodeError(code, msg)); err != nil && w.cfg.ErrorLog != nil {
			w.cfg.ErrorLog.WithError(err).WithField("worker", w.index).Warn("failed to send abort ERROR")
		}
	}
	w.terminateTransaction()
}

// terminateTransaction closes the open file, releases whichever file
// lock was taken, unbinds the transaction socket, notifies the
// dispatcher so it can free the record and reuse the worker/socket, and
// resets the transaction state to WAITING_FOR_REQUEST.
func (w *Worker) terminateTransaction() {
	if w.reader != nil {
		_ = w.reader.Close()
		w.reader = nil
	}
	if w.writer != nil {
		_ = w.writer.Abort()
		w.writer = nil
	}
	if w.lockedRead {
		w.cfg.Locks.UnlockRead(w.filePath)
		w.lockedRead = false
	}
	if w.lockedWrite {
		w.cfg.Locks.UnlockWrite(w.filePath)
		w.lockedWrite = false
	}
	if w.sock != nil {
		_ = w.sock.Unbind()
	}
	if w.cfg.OnTerminate != nil {
		w.cfg.OnTerminate(w.index, w.sockIndex, w.clientTID, w.serverTID)
	}

	w.sock = nil
	w.filePath = ""
	w.txState.Store(TxWaitingForRequest)
}

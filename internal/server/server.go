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

package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	libatm "github.com/nabbar/golib/atomic"
	libfd "github.com/nabbar/golib/ioutils/fileDescriptor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nabbar/tftpd/internal/buffer"
	"github.com/nabbar/tftpd/internal/netio"
	"github.com/nabbar/tftpd/internal/protocol"
	"github.com/nabbar/tftpd/internal/security"
	"github.com/nabbar/tftpd/internal/transaction"
	"github.com/nabbar/tftpd/internal/worker"
)

// dispatchPoll is the control socket's poll timeout, per spec §4.6.
const dispatchPoll = 100 * time.Millisecond

// Server is the control-port dispatcher: it binds the well-known
// control socket, maintains a fixed pool of workers and transaction
// sockets, and admits RRQ/WRQ requests to free workers.
type Server struct {
	cfg Setup

	starting libatm.Value[bool]
	stopping libatm.Value[bool]

	ctx    context.Context
	cancel context.CancelFunc

	factory    *buffer.Factory
	outFactory *buffer.Factory
	policy     *security.Policy
	locks      *security.Locks
	table      *transaction.Table

	control   *netio.Endpoint
	txSockets []*netio.Endpoint

	mu         sync.Mutex
	workerBusy []bool
	sockBusy   []bool

	workers []*worker.Worker
	grp     *errgroup.Group

	dispatchDone chan struct{}

	infoLog *logrus.Logger
	errLog  *logrus.Logger
}

// New validates cfg and returns a Server ready for Start. No sockets or
// goroutines are created until Start is called.
func New(cfg Setup) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	infoLog := logrus.New()
	infoLog.SetOutput(cfg.InfoWriter)
	errLog := logrus.New()
	errLog.SetOutput(cfg.ErrorWriter)

	return &Server{
		cfg:      cfg,
		infoLog:  infoLog,
		errLog:   errLog,
		starting: libatm.NewValue[bool](),
		stopping: libatm.NewValue[bool](),
	}, nil
}

// Start performs spec §4.6's setup sequence and launches the dispatch
// and worker goroutines. Start is idempotent: a second concurrent call
// blocks until the first finishes, then returns without re-initializing.
func (s *Server) Start() error {
	if !s.starting.CompareAndSwap(false, true) {
		s.waitWhile(s.starting)
		return nil
	}
	defer func() {
		if s.dispatchDone == nil {
			// setup failed before the dispatch loop was launched.
			s.starting.Store(false)
		}
	}()

	s.waitWhile(s.stopping)

	if _, _, err := libfd.SystemFileDescriptor(s.cfg.ThreadCount * 2); err != nil {
		s.errLog.WithError(err).Error("unable to raise file descriptor limit")
		return worker.NewError(worker.ErrCriticalServerError, fmt.Sprintf("raise file descriptor limit: %v", err))
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.factory = buffer.NewFactory(8 * s.cfg.ThreadCount)
	s.outFactory = buffer.NewFactory(s.cfg.MessagePoolSize)

	policy, err := security.NewPolicy(s.cfg.Root, s.cfg.Overwrite, s.cfg.Creation, s.cfg.Read)
	if err != nil {
		return fmt.Errorf("server: configure path security: %w", err)
	}
	s.policy = policy
	s.locks = security.NewLocks()

	s.control = netio.New()
	if err := s.control.Bind(s.cfg.Host, s.cfg.Port); err != nil {
		return fmt.Errorf("server: bind control socket: %w", err)
	}

	s.table = transaction.New(s.ctx, s.cfg.ThreadCount)
	s.table.Closers().Add(s.control)

	s.txSockets = make([]*netio.Endpoint, s.cfg.ThreadCount)
	s.workerBusy = make([]bool, s.cfg.ThreadCount)
	s.sockBusy = make([]bool, s.cfg.ThreadCount)
	s.workers = make([]*worker.Worker, s.cfg.ThreadCount)

	for i := 0; i < s.cfg.ThreadCount; i++ {
		s.txSockets[i] = netio.New()
		s.table.Closers().Add(s.txSockets[i])
		s.workers[i] = worker.New(i, worker.Config{
			Policy:      s.policy,
			Locks:       s.locks,
			Factory:     s.outFactory,
			BlockSize:   s.cfg.BlockSize,
			Timeout:     s.cfg.Timeout,
			Retries:     s.cfg.Retries,
			FilePerm:    s.cfg.FilePerm,
			OnTerminate: s.onWorkerTerminate,
			InfoLog:     s.infoLog,
			ErrorLog:    s.errLog,
		})
	}

	s.dispatchDone = make(chan struct{})
	grp, _ := errgroup.WithContext(s.ctx)
	s.grp = grp

	go s.dispatchLoop()
	for _, w := range s.workers {
		w := w
		s.grp.Go(func() error {
			w.Run()
			return nil
		})
	}

	return nil
}

// Stop requests every worker and the dispatch loop to exit, joins them,
// and releases all bound sockets and pools. Stop is idempotent.
func (s *Server) Stop() error {
	if !s.stopping.CompareAndSwap(false, true) {
		s.waitWhile(s.stopping)
		return nil
	}
	defer s.stopping.Store(false)

	if s.dispatchDone == nil {
		s.starting.Store(false)
		return nil
	}

	<-s.dispatchDone

	for _, w := range s.workers {
		w.RequestStop()
	}
	_ = s.grp.Wait()

	// Sweeps the control socket and every transaction socket in one call,
	// even one a worker left bound mid-abort.
	_ = s.table.Closers().Close()
	s.cancel()

	s.starting.Store(false)
	return nil
}

// waitWhile sleep-polls while flag is true, per spec §4.6's "callers
// sleep-poll while a counterpart transition is in progress".
func (s *Server) waitWhile(flag libatm.Value[bool]) {
	for flag.Load() {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) dispatchLoop() {
	defer close(s.dispatchDone)

	for !s.stopping.Load() {
		ready, err := s.control.Poll(dispatchPoll, s.factory)
		if err != nil {
			s.errLog.WithError(err).Error("control socket poll failed")
			continue
		}
		if !ready {
			continue
		}

		dg, err := s.control.Receive(s.factory)
		if err != nil {
			s.errLog.WithError(err).Error("control socket receive failed")
			continue
		}
		s.handleControlDatagram(dg)
		dg.Release()
	}
}

func (s *Server) handleControlDatagram(dg *buffer.Datagram) {
	op, ok := protocol.DecodeOpcode(dg.Payload())
	if !ok {
		s.infoLog.Debug("control: malformed datagram, ignored")
		return
	}

	switch op {
	case protocol.OpRRQ, protocol.OpWRQ:
		s.admit(dg)
	case protocol.OpACK:
		s.infoLog.Debug("control: ACK received on control port, ignored")
	default:
		s.infoLog.WithField("opcode", op).Debug("control: unhandled opcode, ignored")
	}
}

// admit implements spec §4.6's admission step: find a free transaction
// record, a free transaction socket, and a free worker; bind the socket
// to an ephemeral port as the new server TID; and hand the request to
// the worker. Any failure along the way rejects the request with a wire
// ERROR and leaves no record behind.
func (s *Server) admit(dg *buffer.Datagram) {
	wIdx, sIdx, ok := s.reserveSlot()
	if !ok {
		s.sendAdmissionError(dg)
		return
	}

	sock := s.txSockets[sIdx]
	if err := sock.Bind(s.cfg.Host, 0); err != nil {
		s.errLog.WithError(err).Error("failed to bind transaction socket")
		s.releaseSlot(wIdx, sIdx)
		s.sendAdmissionError(dg)
		return
	}
	serverTID := sock.GetLocalPort()

	clientTID := 0
	clientHost := ""
	if src := dg.Source(); src != nil {
		clientTID = src.Port
		clientHost = src.IP.String()
	}

	if _, ok := s.table.Admit(wIdx, sIdx, clientTID, serverTID, clientHost); !ok {
		_ = sock.Unbind()
		s.releaseSlot(wIdx, sIdx)
		s.sendAdmissionError(dg)
		return
	}

	s.workers[wIdx].AssignTransaction(dg, sock, sIdx, clientTID, serverTID)
}

func (s *Server) reserveSlot() (workerIndex, socketIndex int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workerIndex, ok = firstFree(s.workerBusy)
	if !ok {
		return -1, -1, false
	}
	socketIndex, ok = firstFree(s.sockBusy)
	if !ok {
		return -1, -1, false
	}
	s.workerBusy[workerIndex] = true
	s.sockBusy[socketIndex] = true
	return workerIndex, socketIndex, true
}

func (s *Server) releaseSlot(workerIndex, socketIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workerIndex >= 0 {
		s.workerBusy[workerIndex] = false
	}
	if socketIndex >= 0 {
		s.sockBusy[socketIndex] = false
	}
}

// onWorkerTerminate is the worker.TerminateFunc every worker is
// configured with: it frees the transaction record and marks the
// worker and socket available for the next admission.
func (s *Server) onWorkerTerminate(workerIndex, socketIndex, clientTID, serverTID int) {
	s.table.ClearByTID(clientTID, serverTID)
	s.releaseSlot(workerIndex, socketIndex)
}

// sendAdmissionError replies on the control socket per the Open
// Question resolution recorded in DESIGN.md: UNDEFINED(0) rather than
// overloading DISK_FULL(3).
func (s *Server) sendAdmissionError(dg *buffer.Datagram) {
	payload := protocol.EncodeError(protocol.ErrUndefined, "no free worker available")

	asm := s.outFactory.NewAssembly()
	if !asm.IsValid() {
		s.errLog.Error("admission reject: no scratch buffer available to send error")
		return
	}
	n := copy(asm.Data(), payload)
	asm.SetLength(n)
	out := asm.Finalize()
	defer out.Release()

	if src := dg.Source(); src != nil {
		if err := s.control.Send(out, src); err != nil {
			s.errLog.WithError(err).Warn("failed to send admission-rejection error")
		}
	}
}

func firstFree(busy []bool) (int, bool) {
	for i, b := range busy {
		if !b {
			return i, true
		}
	}
	return -1, false
}

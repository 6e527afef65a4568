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

// Package server implements the control-port dispatcher: admission
// control over a fixed worker pool, and Setup/Start/Stop lifecycle
// management.
package server

import (
	"fmt"
	"io"
	"time"

	libperm "github.com/nabbar/golib/file/perm"

	"github.com/nabbar/tftpd/internal/security"
)

// Setup carries every field configured once, before Start; per spec
// §4.6/§9 the configuration is immutable once the server is running.
type Setup struct {
	// Host is the bind address for the control socket and every
	// transaction socket. Defaults to "0.0.0.0".
	Host string
	// Port is the control socket's well-known port. Defaults to 69.
	Port int
	// Root is the filesystem root every RRQ/WRQ path resolves under.
	Root string
	// Timeout bounds how long a worker waits for the next DATA/ACK.
	// Defaults to 1000ms.
	Timeout time.Duration
	// ThreadCount is the number of workers (and transaction sockets,
	// and transaction record slots). Defaults to 8.
	ThreadCount int
	// BlockSize is the DATA payload size threshold. Defaults to 512.
	BlockSize int
	// Retries bounds how many times a worker resends an unacknowledged
	// DATA block before aborting with TIMEOUT. Defaults to 4.
	Retries int
	// MessagePoolSize sizes the scratch datagram factory workers use to
	// marshal outgoing ACK/DATA/ERROR messages. Defaults to 2 *
	// ThreadCount.
	MessagePoolSize int

	Overwrite security.OverwritePolicy
	Creation  security.FileCreationPolicy
	Read      security.ReadPolicy
	FilePerm  libperm.Perm

	// InfoWriter and ErrorWriter are the two sinks spec §9's "Singleton
	// debug/log facade" design note asks for, wrapped internally in
	// *logrus.Logger instances. Both default to io.Discard.
	InfoWriter  io.Writer
	ErrorWriter io.Writer
}

// withDefaults returns a copy of s with every zero-value field replaced
// by its documented default.
func (s Setup) withDefaults() Setup {
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = 69
	}
	if s.Timeout <= 0 {
		s.Timeout = 1000 * time.Millisecond
	}
	if s.ThreadCount <= 0 {
		s.ThreadCount = 8
	}
	if s.BlockSize <= 0 {
		s.BlockSize = 512
	}
	if s.Retries <= 0 {
		s.Retries = 4
	}
	if s.MessagePoolSize <= 0 {
		s.MessagePoolSize = 2 * s.ThreadCount
	}
	if s.FilePerm == 0 {
		s.FilePerm = libperm.Perm(0o644)
	}
	if s.InfoWriter == nil {
		s.InfoWriter = io.Discard
	}
	if s.ErrorWriter == nil {
		s.ErrorWriter = io.Discard
	}
	return s
}

// Validate reports whether the configuration is usable.
func (s Setup) Validate() error {
	if s.Root == "" {
		return fmt.Errorf("server: Setup.Root must not be empty")
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server: Setup.Port %d out of range", s.Port)
	}
	if s.ThreadCount < 0 {
		return fmt.Errorf("server: Setup.ThreadCount must not be negative")
	}
	if s.BlockSize < 0 || s.BlockSize > 65464 {
		return fmt.Errorf("server: Setup.BlockSize %d out of range", s.BlockSize)
	}
	return nil
}

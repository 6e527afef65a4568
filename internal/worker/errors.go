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
	liberr "github.com/nabbar/golib/errors"

	"github.com/nabbar/tftpd/internal/protocol"
	"github.com/nabbar/tftpd/internal/security"
)

// ErrorCategory is the worker's internal error taxonomy, registered as
// golib/errors CodeError constants; NewError wraps a category in a
// stack-trace-capable Error value. The abort path maps a category to a
// wire ERROR through WireCode and builds no Error value.
type ErrorCategory liberr.CodeError

const (
	ErrNone ErrorCategory = iota
	ErrInvalidState
	ErrInvalidOpcode
	ErrInvalidBlock
	ErrTimeout
	ErrInvalidMessageSize
	ErrInvalidMessageFormat
	ErrInvalidMode
	ErrNoSuchFile
	ErrAccessForbidden
	ErrFileLocked
	ErrUnsafePath
	ErrClientError
	ErrCriticalServerError
	ErrShuttingDown
)

var categoryMessage = map[ErrorCategory]string{
	ErrNone:                 "no error",
	ErrInvalidState:         "invalid transaction state",
	ErrInvalidOpcode:        "invalid opcode for current state",
	ErrInvalidBlock:         "unexpected block number",
	ErrTimeout:              "transaction timed out",
	ErrInvalidMessageSize:   "message too short",
	ErrInvalidMessageFormat: "malformed message",
	ErrInvalidMode:          "unsupported transfer mode",
	ErrNoSuchFile:           "file not found",
	ErrAccessForbidden:      "access forbidden",
	ErrFileLocked:           "file temporarily unavailable",
	ErrUnsafePath:           "path escapes configured root",
	ErrClientError:          "client reported an error",
	ErrCriticalServerError:  "critical server error",
	ErrShuttingDown:         "server shut down",
}

func init() {
	for code, msg := range categoryMessage {
		c, m := code, msg
		liberr.RegisterIdFctMessage(liberr.CodeError(c), func(liberr.CodeError) string { return m })
	}
}

// NewError wraps msg (or the category's registered default, if msg is
// empty) in a golib/errors.Error carrying this category's code.
func NewError(cat ErrorCategory, msg string) liberr.Error {
	if msg == "" {
		msg = categoryMessage[cat]
	}
	return liberr.New(uint16(cat), msg)
}

// WireCode maps an internal category to the RFC 1350 on-wire error code
// and its default message, per spec §7's table. reply is false for
// categories that never produce a wire ERROR (CLIENT_ERROR: the peer
// already knows; INVALID_BLOCK: handled as a duplicate-ACK reply
// instead, not an ERROR).
func (c ErrorCategory) WireCode() (code protocol.ErrorCode, message string, reply bool) {
	switch c {
	case ErrInvalidState, ErrInvalidOpcode, ErrInvalidMessageSize, ErrInvalidMessageFormat, ErrInvalidMode:
		return protocol.ErrIllegalOperation, protocol.DefaultMessage(protocol.ErrIllegalOperation), true
	case ErrNoSuchFile:
		return protocol.ErrFileNotFound, protocol.DefaultMessage(protocol.ErrFileNotFound), true
	case ErrAccessForbidden, ErrUnsafePath:
		return protocol.ErrAccessViolation, protocol.DefaultMessage(protocol.ErrAccessViolation), true
	case ErrFileLocked:
		return protocol.ErrUndefined, "temporarily unavailable", true
	case ErrTimeout:
		return protocol.ErrUndefined, "transaction timed out", true
	case ErrCriticalServerError, ErrShuttingDown:
		return protocol.ErrUndefined, "", true
	default:
		return 0, "", false
	}
}

// FromSecurity maps a security.ValidationResult to the worker's error
// taxonomy, per spec §7's path-security mapping table.
func FromSecurity(r security.ValidationResult) ErrorCategory {
	switch r {
	case security.InvalidFormat:
		return ErrNoSuchFile
	case security.InvalidEscapeRoot:
		return ErrUnsafePath
	case security.InvalidCantCreateFile, security.InvalidAccessForbidden, security.InvalidPermissions:
		return ErrAccessForbidden
	case security.InvalidNoSuchFile, security.InvalidIsDirectory:
		return ErrNoSuchFile
	default:
		return ErrCriticalServerError
	}
}

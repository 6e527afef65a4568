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

// Package protocol packs and unpacks the RFC 1350 TFTP wire messages:
// RRQ, WRQ, DATA, ACK and ERROR. Every multi-byte field is big-endian;
// all decoders are length-safe and never read past the supplied slice.
package protocol

import (
	"bytes"
	"encoding/binary"
)

// Opcode identifies the TFTP message type. Values per RFC 1350.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

// ErrorCode is the on-the-wire TFTP error code, 0..7 per RFC 1350.
type ErrorCode uint16

const (
	ErrUndefined         ErrorCode = 0
	ErrFileNotFound      ErrorCode = 1
	ErrAccessViolation   ErrorCode = 2
	ErrDiskFull          ErrorCode = 3
	ErrIllegalOperation  ErrorCode = 4
	ErrUnknownTID        ErrorCode = 5
	ErrFileAlreadyExists ErrorCode = 6
	ErrNoSuchUser        ErrorCode = 7
)

// DefaultMessage returns the RFC 1350 default human-readable message for
// a wire error code.
func DefaultMessage(code ErrorCode) string {
	switch code {
	case ErrFileNotFound:
		return "File not found"
	case ErrAccessViolation:
		return "Access violation"
	case ErrDiskFull:
		return "Disk full or allocation exceeded"
	case ErrIllegalOperation:
		return "Illegal TFTP operation"
	case ErrUnknownTID:
		return "Unknown transfer ID"
	case ErrFileAlreadyExists:
		return "File already exists"
	case ErrNoSuchUser:
		return "No such user"
	default:
		return "Not defined, see error message (if any)"
	}
}

// Mode is the transfer-mode string carried by RRQ/WRQ requests.
type Mode string

const (
	ModeNetascii Mode = "netascii"
	ModeOctet    Mode = "octet"
	ModeMail     Mode = "mail"
)

// DecodeOpcode reads the leading 16-bit opcode. ok is false if b is
// shorter than 2 bytes.
func DecodeOpcode(b []byte) (op Opcode, ok bool) {
	if len(b) < 2 {
		return 0, false
	}
	return Opcode(binary.BigEndian.Uint16(b[:2])), true
}

// readCString returns the bytes before the first NUL in b[from:] and
// the offset just past that NUL. ok is false if no NUL is found within
// b.
func readCString(b []byte, from int) (s string, next int, ok bool) {
	if from > len(b) {
		return "", 0, false
	}
	idx := bytes.IndexByte(b[from:], 0)
	if idx < 0 {
		return "", 0, false
	}
	return string(b[from : from+idx]), from + idx + 1, true
}

// Request is the decoded payload of an RRQ or WRQ, opcode excluded.
type Request struct {
	Filename string
	Mode     Mode
}

// ValidateRequest reports whether b decodes as a well-formed RRQ/WRQ
// body: a NUL-terminated filename, followed by a NUL-terminated mode
// string that is either "netascii" or "octet", all within len(b) bytes.
func ValidateRequest(b []byte) bool {
	_, next, ok := readCString(b, 0)
	if !ok {
		return false
	}
	mode, _, ok := readCString(b, next)
	if !ok {
		return false
	}
	m := Mode(asciiLower(mode))
	return m == ModeNetascii || m == ModeOctet
}

func asciiLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + ('a' - 'A')
		}
	}
	return string(out)
}

// DecodeRequest decodes an RRQ/WRQ body (opcode already consumed by the
// caller). ok is false unless ValidateRequest(b) would also be true.
func DecodeRequest(b []byte) (Request, bool) {
	filename, next, ok := readCString(b, 0)
	if !ok {
		return Request{}, false
	}
	mode, _, ok := readCString(b, next)
	if !ok {
		return Request{}, false
	}
	m := Mode(asciiLower(mode))
	if m != ModeNetascii && m != ModeOctet {
		return Request{}, false
	}
	return Request{Filename: filename, Mode: m}, true
}

// EncodeRequest packs an RRQ or WRQ message, opcode included.
func EncodeRequest(op Opcode, filename string, mode Mode) []byte {
	out := make([]byte, 0, 4+len(filename)+len(mode))
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(op))
	out = append(out, hdr[:]...)
	out = append(out, []byte(filename)...)
	out = append(out, 0)
	out = append(out, []byte(mode)...)
	out = append(out, 0)
	return out
}

// Data is the decoded payload of a DATA message, opcode excluded.
type Data struct {
	Block   uint16
	Payload []byte
}

// DecodeData decodes a DATA body (opcode already consumed). The
// returned Payload aliases b.
func DecodeData(b []byte) (Data, bool) {
	if len(b) < 2 {
		return Data{}, false
	}
	return Data{Block: binary.BigEndian.Uint16(b[:2]), Payload: b[2:]}, true
}

// EncodeData packs a DATA message, opcode included.
func EncodeData(block uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(out[2:4], block)
	copy(out[4:], payload)
	return out
}

// Ack is the decoded payload of an ACK message, opcode excluded.
type Ack struct {
	Block uint16
}

// DecodeAck decodes an ACK body (opcode already consumed).
func DecodeAck(b []byte) (Ack, bool) {
	if len(b) < 2 {
		return Ack{}, false
	}
	return Ack{Block: binary.BigEndian.Uint16(b[:2])}, true
}

// EncodeAck packs an ACK message, opcode included.
func EncodeAck(block uint16) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(out[2:4], block)
	return out
}

// ErrorMsg is the decoded payload of an ERROR message, opcode excluded.
type ErrorMsg struct {
	Code    ErrorCode
	Message string
}

// DecodeError decodes an ERROR body (opcode already consumed).
func DecodeError(b []byte) (ErrorMsg, bool) {
	if len(b) < 2 {
		return ErrorMsg{}, false
	}
	code := ErrorCode(binary.BigEndian.Uint16(b[:2]))
	msg, _, ok := readCString(b, 2)
	if !ok {
		return ErrorMsg{}, false
	}
	return ErrorMsg{Code: code, Message: msg}, true
}

// EncodeError packs an ERROR message, opcode included. An empty message
// is replaced by the RFC 1350 default for the code.
func EncodeError(code ErrorCode, message string) []byte {
	if message == "" {
		message = DefaultMessage(code)
	}
	out := make([]byte, 0, 5+len(message))
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(code))
	out = append(out, hdr[:]...)
	out = append(out, []byte(message)...)
	out = append(out, 0)
	return out
}

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

// Package fsio implements the write path's atomic-replace temp file
// with optional native-EOL rewriting, and the read path's plain block
// reader.
package fsio

import (
	"os"
	"path/filepath"
	"runtime"

	libperm "github.com/nabbar/golib/file/perm"

	"github.com/nabbar/tftpd/internal/buffer"
)

// EOLMode selects whether WriteBlock rewrites line endings.
type EOLMode int

const (
	EOLNone EOLMode = iota
	EOLForceNative
)

func nativeEOL() []byte {
	if runtime.GOOS == "windows" {
		return []byte("\r\n")
	}
	return []byte("\n")
}

// Writer creates a uniquely-named temp file next to the target,
// streams blocks into it (optionally rewriting line endings), and
// promotes the temp file onto the target path on Finalize. If Finalize
// is never called, the target is left untouched; Abort removes the temp
// file, and if neither is called the temp file stays in the target's
// directory.
type Writer struct {
	tmpPath    string
	finalPath  string
	tmpFile    *os.File
	eol        EOLMode
	halo       *buffer.Halo
	blockSize  int
	buffered   uint64
	emitted    uint64
	firstCall  bool
	committed  bool
}

// NewWriter creates the scratch temp file for finalPath (in the same
// directory, for a same-volume atomic rename) with the given
// permission bits, ready to accept WriteBlock calls.
func NewWriter(finalPath string, blockSize int, eol EOLMode, perm libperm.Perm) (*Writer, error) {
	dir := filepath.Dir(finalPath)
	f, err := os.CreateTemp(dir, ".tftpd-*.tmp")
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(perm.FileMode()); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}

	w := &Writer{
		tmpPath:   f.Name(),
		finalPath: finalPath,
		tmpFile:   f,
		eol:       eol,
		blockSize: blockSize,
		firstCall: true,
	}
	if eol == EOLForceNative {
		w.halo = buffer.NewHalo(2 * blockSize)
	}
	return w, nil
}

// WriteBlock writes n bytes of buf to the temp file, rewriting line
// endings first if the writer is in EOLForceNative mode.
func (w *Writer) WriteBlock(buf []byte, n int) error {
	if w.eol == EOLNone {
		_, err := w.tmpFile.Write(buf[:n])
		return err
	}
	return w.writeBlockRewrite(buf[:n])
}

// writeBlockRewrite stages buf into the halo buffer and emits
// rewritten output up to a one-block reserve, so a \r\n or bare \n
// straddling a block boundary is always fully buffered before it is
// classified. On the very first call, only half of the staged bytes
// are emitted, holding the remainder in reserve.
func (w *Writer) writeBlockRewrite(buf []byte) error {
	start := w.buffered
	w.halo.WriteAll(int(start%uint64(w.halo.Cap())), buf)
	w.buffered += uint64(len(buf))

	var emitLimit uint64
	if w.firstCall {
		emitLimit = w.buffered / 2
		w.firstCall = false
	} else {
		reserve := uint64(w.blockSize)
		if w.buffered > reserve {
			emitLimit = w.buffered - reserve
		} else {
			emitLimit = 0
		}
		if emitLimit < w.emitted {
			emitLimit = w.emitted
		}
	}

	return w.emitUpTo(emitLimit, false)
}

// emitUpTo rewrites and writes every buffered byte in [emitted, limit).
// Each \n is classified by the raw byte before it, so no lookahead is
// needed; final marks the tail flush from Finalize and does not change
// how bytes are rewritten.
func (w *Writer) emitUpTo(limit uint64, final bool) error {
	out := make([]byte, 0, limit-w.emitted)
	cap64 := uint64(w.halo.Cap())

	for pos := w.emitted; pos < limit; pos++ {
		b := w.halo.ByteAt(int(pos % cap64))

		if b == '\n' {
			precededByCR := pos > 0 && w.priorRawByte(pos-1) == '\r'
			if precededByCR {
				out = append(out, '\n')
			} else {
				out = append(out, nativeEOL()...)
			}
			continue
		}
		out = append(out, b)
	}

	if _, err := w.tmpFile.Write(out); err != nil {
		return err
	}
	w.emitted = limit
	return nil
}

// priorRawByte returns the raw (pre-rewrite) byte at logical offset
// pos, which must still be within the halo's buffered window.
func (w *Writer) priorRawByte(pos uint64) byte {
	return w.halo.ByteAt(int(pos % uint64(w.halo.Cap())))
}

// Finalize flushes any buffered tail, syncs and closes the temp file,
// and atomically promotes it onto the final path.
func (w *Writer) Finalize() error {
	if w.eol == EOLForceNative && w.emitted < w.buffered {
		if err := w.emitUpTo(w.buffered, true); err != nil {
			_ = w.abortFiles()
			return err
		}
	}

	if err := w.tmpFile.Sync(); err != nil {
		_ = w.abortFiles()
		return err
	}
	if err := w.tmpFile.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	w.committed = true
	return nil
}

// Abort discards the temp file; the target path is left untouched.
func (w *Writer) Abort() error {
	if w.committed {
		return nil
	}
	return w.abortFiles()
}

func (w *Writer) abortFiles() error {
	_ = w.tmpFile.Close()
	return os.Remove(w.tmpPath)
}

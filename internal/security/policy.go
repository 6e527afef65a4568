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

// Package security validates filesystem paths against a configured
// root and arbitrates per-path read/write access with a lock-free
// interlock.
package security

import (
	"os"
	"path/filepath"
)

type OverwritePolicy int

const (
	OverwriteDisallow OverwritePolicy = iota
	OverwriteAllow
)

type FileCreationPolicy int

const (
	CreationDisallow FileCreationPolicy = iota
	CreationAllow
)

type ReadPolicy int

const (
	ReadAllow ReadPolicy = iota
	ReadDisallow
)

// ValidationResult is the outcome of a path or file validity check.
type ValidationResult int

const (
	Valid ValidationResult = iota
	InvalidFormat
	InvalidEscapeRoot
	InvalidCantCreateFile
	InvalidIsDirectory
	InvalidAccessForbidden
	InvalidNoSuchFile
	InvalidPermissions
)

// Policy is configured once before Start; after Start, only the
// validation methods below are called, and they are safe for
// concurrent use.
type Policy struct {
	root      string
	overwrite OverwritePolicy
	creation  FileCreationPolicy
	read      ReadPolicy
}

// NewPolicy resolves root to an absolute path and returns a configured
// Policy.
func NewPolicy(root string, overwrite OverwritePolicy, creation FileCreationPolicy, read ReadPolicy) (*Policy, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Policy{root: abs, overwrite: overwrite, creation: creation, read: read}, nil
}

// Reset clears every field back to its zero configuration. Exposed for
// parity with the collaborator this was ported from; it is not called
// while the server is running.
func (p *Policy) Reset() {
	p.root = ""
	p.overwrite = OverwriteDisallow
	p.creation = CreationDisallow
	p.read = ReadAllow
}

func (p *Policy) Root() string {
	return p.root
}

// AbsoluteFromRoot joins relative onto the configured root and resolves
// it to an absolute path. This performs no traversal checking;
// traversal safety is IsPathValid's job.
func (p *Policy) AbsoluteFromRoot(relative string) string {
	full := filepath.Join(p.root, relative)
	abs, err := filepath.Abs(full)
	if err != nil {
		return full
	}
	return abs
}

// IsPathValid reports whether path is absolute and, walking its parent
// directories, encounters the exact configured root.
func (p *Policy) IsPathValid(path string) ValidationResult {
	if !filepath.IsAbs(path) {
		return InvalidFormat
	}

	dir := filepath.Dir(path)
	for {
		if dir == p.root {
			return Valid
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return InvalidEscapeRoot
}

// IsFileValidForWrite validates path for the write path of a WRQ: if
// absent, creation must be permitted; if present, it must be a regular
// file and overwrite must be permitted; then the path itself must
// resolve inside the configured root.
func (p *Policy) IsFileValidForWrite(path string) ValidationResult {
	info, err := os.Stat(path)
	exists := err == nil

	if !exists && p.creation != CreationAllow {
		return InvalidCantCreateFile
	}
	if exists && !info.Mode().IsRegular() {
		return InvalidIsDirectory
	}
	if exists && p.overwrite != OverwriteAllow {
		return InvalidAccessForbidden
	}
	return p.IsPathValid(path)
}

// IsFileValidForRead validates path for the read path of an RRQ:
// reading must be permitted, the file must exist, be a regular file,
// and resolve inside the configured root.
func (p *Policy) IsFileValidForRead(path string) ValidationResult {
	if p.read != ReadAllow {
		return InvalidAccessForbidden
	}

	info, err := os.Stat(path)
	if err != nil {
		return InvalidNoSuchFile
	}
	if !info.Mode().IsRegular() {
		return InvalidIsDirectory
	}
	return p.IsPathValid(path)
}

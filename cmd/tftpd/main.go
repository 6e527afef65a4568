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

// Command tftpd runs the TFTP (RFC 1350) server defined by package server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	libperm "github.com/nabbar/golib/file/perm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nabbar/tftpd/internal/security"
	"github.com/nabbar/tftpd/internal/server"
)

// flags mirrors server.Setup one field at a time so cobra can bind
// directly into it.
type flags struct {
	host        string
	port        int
	root        string
	timeout     time.Duration
	threads     int
	blockSize   int
	retries     int
	filePerm    uint32
	allowWrite  bool
	allowCreate bool
	allowRead   bool
	verbose     bool
}

var cmd flags

var rootCmd = &cobra.Command{
	Use:     "tftpd",
	Short:   "TFTP (RFC 1350) server",
	Version: "1.0.0",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cmd)
	},
}

func init() {
	fl := rootCmd.Flags()
	fl.StringVar(&cmd.host, "host", "0.0.0.0", "bind address for the control and transaction sockets")
	fl.IntVar(&cmd.port, "port", 69, "control socket port")
	fl.StringVarP(&cmd.root, "root", "r", "", "filesystem root every request path resolves under (required)")
	fl.DurationVar(&cmd.timeout, "timeout", 1000*time.Millisecond, "per-transaction DATA/ACK wait timeout")
	fl.IntVarP(&cmd.threads, "threads", "t", 8, "number of concurrent transaction workers")
	fl.IntVar(&cmd.blockSize, "block-size", 512, "DATA payload size threshold")
	fl.IntVar(&cmd.retries, "retries", 4, "resend attempts before a transaction aborts with timeout")
	fl.Uint32Var(&cmd.filePerm, "file-mode", 0o644, "file mode applied to files created by WRQ")
	fl.BoolVar(&cmd.allowWrite, "allow-overwrite", false, "allow WRQ to overwrite an existing file")
	fl.BoolVar(&cmd.allowCreate, "allow-create", true, "allow WRQ to create a file that does not exist")
	fl.BoolVar(&cmd.allowRead, "allow-read", true, "allow RRQ to read files")
	fl.BoolVarP(&cmd.verbose, "verbose", "v", false, "log at debug level")

	_ = rootCmd.MarkFlagRequired("root")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tftpd: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	infoLog := logrus.New()
	infoLog.SetOutput(os.Stdout)
	errLog := logrus.New()
	errLog.SetOutput(os.Stderr)
	if f.verbose {
		infoLog.SetLevel(logrus.DebugLevel)
		errLog.SetLevel(logrus.DebugLevel)
	}

	overwrite := security.OverwriteDisallow
	if f.allowWrite {
		overwrite = security.OverwriteAllow
	}
	creation := security.CreationDisallow
	if f.allowCreate {
		creation = security.CreationAllow
	}
	read := security.ReadDisallow
	if f.allowRead {
		read = security.ReadAllow
	}

	srv, err := server.New(server.Setup{
		Host:        f.host,
		Port:        f.port,
		Root:        f.root,
		Timeout:     f.timeout,
		ThreadCount: f.threads,
		BlockSize:   f.blockSize,
		Retries:     f.retries,
		Overwrite:   overwrite,
		Creation:    creation,
		Read:        read,
		FilePerm:    libperm.Perm(f.filePerm),
		InfoWriter:  infoLog.Writer(),
		ErrorWriter: errLog.Writer(),
	})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	infoLog.WithField("addr", fmt.Sprintf("%s:%d", f.host, f.port)).Info("tftpd: listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	infoLog.Info("tftpd: shutting down")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

// SPDX-License-Identifier: GPL-2.0-only

// Package capture negotiates exclusive control of a device that runs under
// the capture-filter driver, via the companion kernel monitor.
package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"sync"

	baseerrors "errors"

	"github.com/efficientgo/core/errors"
)

// ErrConnClosed reports that the IO channel was closed while an operation
// was outstanding. Closing the channel is how pending operations are
// cancelled; callers translate this into a cancellation signal when their
// context caused the close.
var ErrConnClosed = baseerrors.New("device channel closed")

// Conn is one IO-control channel to the kernel monitor or a capture-filter
// device. Ioctl exchanges fixed-layout binary buffers; the layouts are fixed
// by the companion driver and must not be altered. Implementations must
// unblock a pending Ioctl when the Conn is closed, failing it with
// ErrConnClosed.
type Conn interface {
	Ioctl(ctx context.Context, code uint32, in []byte, out []byte) error
	Close() error
}

// ioctlHeader prefixes every request on a message-based device channel.
type ioctlHeader struct {
	Code   uint32
	InLen  uint32
	OutLen uint32
}

// FileConn is a Conn over a message-based device node: each exchange writes
// a header plus the request buffer and reads back exactly the reply buffer.
type FileConn struct {
	mu   sync.Mutex
	file *os.File
}

func OpenFileConn(path string) (*FileConn, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open device channel %s", path)
	}
	return &FileConn{file: f}, nil
}

func (c *FileConn) Ioctl(ctx context.Context, code uint32, in []byte, out []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Cancellation forcibly closes the channel, which unblocks the pending
	// read below with a deterministic failure.
	stop := context.AfterFunc(ctx, func() { _ = c.file.Close() })
	defer stop()

	var buf bytes.Buffer
	hdr := ioctlHeader{Code: code, InLen: uint32(len(in)), OutLen: uint32(len(out))}
	if err := binary.Write(&buf, binary.NativeEndian, hdr); err != nil {
		return err
	}
	buf.Write(in)
	if _, err := c.file.Write(buf.Bytes()); err != nil {
		return c.translate(ctx, err)
	}
	if len(out) > 0 {
		if _, err := io.ReadFull(c.file, out); err != nil {
			return c.translate(ctx, err)
		}
	}
	return nil
}

func (c *FileConn) translate(ctx context.Context, err error) error {
	if baseerrors.Is(err, fs.ErrClosed) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrConnClosed
	}
	return errors.Wrap(err, "device channel I/O failed")
}

func (c *FileConn) Close() error {
	return c.file.Close()
}

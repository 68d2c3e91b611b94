package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTransport wraps any I/O failure observed on the channel: a short
// read, an EOF, or a failed write. A declared payload larger than the
// caller's budget is reported separately as ErrOversizedFrame.
var ErrTransport = errors.New("transport: error")

// ErrClosed is returned by SendFrame/RecvFrame once the channel has
// been closed.
var ErrClosed = errors.New("transport: channel closed")

// Frame is a fully received message: its header plus payload (nil for
// zero-length payloads).
type Frame struct {
	Header  Header
	Payload []byte
}

// Channel owns a pair of byte-stream endpoints — one readable, one
// writable — and serializes writers behind a lock so multiple
// coordinator goroutines can safely send to the same worker. A
// background goroutine continuously demultiplexes inbound frames onto a
// small queue so RecvFrame can apply a deadline without racing a second
// reader against the underlying stream.
type Channel struct {
	w   io.Writer
	wmu sync.Mutex

	frames chan Frame
	fail   chan error
	done   chan struct{}
	once   sync.Once
}

// New wraps a readable and a writable stream endpoint. The readable end
// is drained by a background goroutine for the lifetime of the Channel;
// callers must eventually call Close to stop it.
func New(r io.Reader, w io.Writer) *Channel {
	c := &Channel{
		w:      w,
		frames: make(chan Frame, 4),
		fail:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go c.pump(r)
	return c
}

func (c *Channel) pump(r io.Reader) {
	hdrBuf := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(r, hdrBuf); err != nil {
			c.fail <- fmt.Errorf("%w: header read: %v", ErrTransport, err)
			return
		}
		h := decodeHeader(hdrBuf)

		var payload []byte
		if h.DataSize > 0 {
			payload = make([]byte, h.DataSize)
			if _, err := io.ReadFull(r, payload); err != nil {
				c.fail <- fmt.Errorf("%w: payload read: %v", ErrTransport, err)
				return
			}
		}

		select {
		case c.frames <- Frame{Header: h, Payload: payload}:
		case <-c.done:
			return
		}
	}
}

// SendFrame writes a header plus optional payload atomically with
// respect to other senders.
func (c *Channel) SendFrame(h Header, payload []byte) error {
	h.DataSize = uint64(len(payload))

	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := make([]byte, HeaderSize)
	encodeHeader(h, buf)
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("%w: header write: %v", ErrTransport, err)
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return fmt.Errorf("%w: payload write: %v", ErrTransport, err)
		}
	}
	return nil
}

// RecvFrame returns the next queued frame, respecting ctx for deadline
// enforcement. maxBytes bounds the payload size the caller is willing
// to accept; a frame declaring a larger data_size is rejected with
// ErrOversizedFrame without consuming further queued frames.
func (c *Channel) RecvFrame(ctx context.Context, maxBytes int) (Frame, error) {
	select {
	case f := <-c.frames:
		if int(f.Header.DataSize) > maxBytes-HeaderSize {
			return Frame{}, ErrOversizedFrame
		}
		return f, nil
	case err := <-c.fail:
		return Frame{}, err
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close stops the background pump. Safe to call more than once.
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

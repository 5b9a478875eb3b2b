package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Link pumps bytes between a port and a device side Transport.
// One Link serves one port; Serve must not be called concurrently.
type Link struct {
	port      io.ReadWriter
	transport *Transport
	input     *ReceiveBuffer
	output    *SliceOutput
}

// NewLink creates a link answering requests with handler
func NewLink(port io.ReadWriter, handler RequestHandler) *Link {
	l := &Link{
		port:   port,
		input:  NewReceiveBuffer(4 * MessageLengthMax),
		output: &SliceOutput{},
	}
	l.transport = NewTransport(l.output, handler)
	return l
}

// Transport exposes the underlying frame transport (stats, callbacks)
func (l *Link) Transport() *Transport {
	return l.transport
}

// Serve reads frames until ctx is cancelled or the port is closed.
// A blocked Read is only released by closing the port, so callers close it
// when ctx ends.
func (l *Link) Serve(ctx context.Context) error {
	buf := make([]byte, MessageLengthMax)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := l.port.Read(buf)
		if n > 0 {
			if l.input.Write(buf[:n]) < n {
				// Receiver overrun, start over from the next sync byte
				l.input.Reset()
				l.transport.setSynchronized(false)
			}
			l.transport.Receive(l.input)
			if werr := l.flush(); werr != nil {
				return werr
			}
		}

		if err != nil {
			if isClosed(err) {
				return nil
			}
			if !errors.Is(err, io.EOF) {
				return err
			}
			// Serial ports report a read timeout as EOF
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (l *Link) flush() error {
	out := l.output.Result()
	if len(out) == 0 {
		return nil
	}
	defer l.output.Reset()

	for len(out) > 0 {
		n, err := l.port.Write(out)
		if err != nil {
			return err
		}
		out = out[n:]
	}
	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed)
}

// SliceOutput is a growable OutputBuffer
type SliceOutput struct {
	buf []byte
}

func (s *SliceOutput) Output(data []byte) { s.buf = append(s.buf, data...) }

// Result returns the accumulated bytes
func (s *SliceOutput) Result() []byte { return s.buf }

// Reset empties the buffer keeping its capacity
func (s *SliceOutput) Reset() { s.buf = s.buf[:0] }

// File: internal/transport/transport.go
//
// Package transport implements the framed request/response exchange with the
// emulator automation bridge. A frame is a UTF-8 payload followed by Marker.
// The protocol is strictly half-duplex: one request is in flight at a time.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Marker terminates every command and every response on the wire.
const Marker = "<|END|>"

// readChunkSize is how much is read from the socket per call.
const readChunkSize = 1024

var markerBytes = []byte(Marker)

var (
	// ErrConnectionClosed is returned when the peer closes the stream before a
	// complete response frame was received.
	ErrConnectionClosed = errors.New("connection closed by bridge")
	// ErrTimeout is returned when the configured deadline or the context
	// deadline expires during a round trip.
	ErrTimeout = errors.New("bridge round trip timed out")
	// ErrMarkerInPayload rejects payloads that would be split on the wire.
	ErrMarkerInPayload = errors.New("payload contains the termination marker")
	// ErrConnectionBroken is returned for every call after a fatal I/O error.
	// A late response could otherwise be read as the answer to the next command.
	ErrConnectionBroken = errors.New("connection unusable after earlier failure")
)

// Error is the transport error type. It records the operation and the command
// that was being exchanged so a bridge-side problem can be diagnosed.
type Error struct {
	Op      string // "write", "read", "send"
	Command string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s failed for command %q: %v", e.Op, e.Command, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Conn.
type Options struct {
	// Timeout bounds each Send. Zero means no deadline beyond the context's.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Conn is one persistent connection to the bridge.
type Conn struct {
	conn    net.Conn
	timeout time.Duration
	logger  *zap.Logger

	// mu serializes Send; the wire protocol has no request identifiers.
	mu      sync.Mutex
	pending []byte
	broken  error
}

// Dial opens a TCP connection to the bridge at addr.
func Dial(ctx context.Context, addr string, dialTimeout time.Duration, opts Options) (*Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Command: addr, Err: err}
	}
	c := New(nc, opts)
	c.logger.Info("Connected to bridge", zap.String("address", addr))
	return c, nil
}

// New wraps an established stream.
func New(conn net.Conn, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		conn:    conn,
		timeout: opts.Timeout,
		logger:  logger.Named("transport"),
	}
}

// Encode renders payload as a wire frame.
func Encode(payload string) []byte {
	frame := make([]byte, 0, len(payload)+len(markerBytes))
	frame = append(frame, payload...)
	return append(frame, markerBytes...)
}

// Send writes payload as one frame and blocks until the next response frame
// arrives. The response has the marker stripped and surrounding whitespace
// trimmed. Bytes received after the marker are kept for the next call.
func (c *Conn) Send(ctx context.Context, payload string) (string, error) {
	if strings.Contains(payload, Marker) {
		return "", &Error{Op: "send", Command: payload, Err: ErrMarkerInPayload}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return "", &Error{Op: "send", Command: payload, Err: fmt.Errorf("%w: %w", ErrConnectionBroken, c.broken)}
	}

	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return "", c.fail("send", payload, err)
	}
	// Cancellation without a deadline still has to unblock the read.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	// A single write call covers the whole frame so nothing interleaves on the wire.
	if _, err := c.conn.Write(Encode(payload)); err != nil {
		return "", c.fail("write", payload, c.classify(ctx, err))
	}
	c.logger.Debug("Sent", zap.String("command", payload))

	response, err := c.readFrame()
	if err != nil {
		return "", c.fail("read", payload, c.classify(ctx, err))
	}
	c.logger.Debug("Received", zap.String("command", payload), zap.String("response", response))
	return response, nil
}

// readFrame accumulates reads until a marker is buffered.
func (c *Conn) readFrame() (string, error) {
	chunk := make([]byte, readChunkSize)
	for {
		if i := bytes.Index(c.pending, markerBytes); i >= 0 {
			frame := string(c.pending[:i])
			rest := c.pending[i+len(markerBytes):]
			c.pending = append(make([]byte, 0, len(rest)), rest...)
			return strings.TrimSpace(frame), nil
		}

		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.pending = append(c.pending, chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", ErrConnectionClosed
		}
		return "", err
	}
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	var d time.Time
	if c.timeout > 0 {
		d = time.Now().Add(c.timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

// classify maps deadline errors onto ErrTimeout, preferring the context's own
// error when it was the context that fired.
func (c *Conn) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		return ctxErr
	}
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (c *Conn) fail(op, payload string, err error) error {
	c.broken = err
	c.logger.Error("Bridge exchange failed", zap.String("op", op), zap.String("command", payload), zap.Error(err))
	return &Error{Op: op, Command: payload, Err: err}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

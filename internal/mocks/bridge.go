// File: internal/mocks/bridge.go
package mocks

import (
	"bytes"
	"net"
	"sync"
	"testing"

	"github.com/bwasti/llpkmn/internal/transport"
)

// BridgeHandler returns the raw chunks to write back for one received command.
// Each chunk is written with its own Write call, so a response can be split at
// arbitrary points (including inside the marker). A nil result writes nothing.
type BridgeHandler func(command string) []string

// Hangup, returned as a chunk, makes the bridge close its end of the stream.
const Hangup = "\x00hangup\x00"

// Reply frames a single response.
func Reply(response string) []string {
	return []string{response + transport.Marker}
}

// FakeBridge is an in-memory stand-in for the emulator's automation script.
// It speaks the framed protocol over a net.Pipe.
type FakeBridge struct {
	server  net.Conn
	ln      net.Listener
	handler BridgeHandler

	mu       sync.Mutex
	commands []string
	done     chan struct{}
}

// NewFakeBridge starts a fake bridge and returns it together with the client
// side of the pipe. Both ends are closed when the test finishes.
func NewFakeBridge(t testing.TB, handler BridgeHandler) (*FakeBridge, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	fb := &FakeBridge{
		server:  server,
		handler: handler,
		done:    make(chan struct{}),
	}
	go fb.serve()
	t.Cleanup(func() {
		_ = client.Close()
		fb.Close()
	})
	return fb, client
}

// ListenFakeBridge serves a fake bridge on a loopback TCP port and returns its
// address. Only the first connection is served.
func ListenFakeBridge(t testing.TB, handler BridgeHandler) (*FakeBridge, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fb := &FakeBridge{ln: ln, handler: handler, done: make(chan struct{})}
	go func() {
		conn, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			close(fb.done)
			return
		}
		fb.mu.Lock()
		fb.server = conn
		fb.mu.Unlock()
		fb.serve()
	}()
	t.Cleanup(fb.Close)
	return fb, ln.Addr().String()
}

func (fb *FakeBridge) serve() {
	defer close(fb.done)
	marker := []byte(transport.Marker)
	var buf []byte
	chunk := make([]byte, 512)
	for {
		n, err := fb.server.Read(chunk)
		buf = append(buf, chunk[:n]...)
		for {
			i := bytes.Index(buf, marker)
			if i < 0 {
				break
			}
			cmd := string(buf[:i])
			buf = buf[i+len(marker):]

			fb.mu.Lock()
			fb.commands = append(fb.commands, cmd)
			fb.mu.Unlock()

			for _, part := range fb.handler(cmd) {
				if part == Hangup {
					_ = fb.server.Close()
					return
				}
				if _, werr := fb.server.Write([]byte(part)); werr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// Commands returns a copy of every command received so far, in order.
func (fb *FakeBridge) Commands() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.commands...)
}

// Close stops listening, hangs up the bridge side and waits for the serving
// goroutine. It is safe to call more than once.
func (fb *FakeBridge) Close() {
	if fb.ln != nil {
		_ = fb.ln.Close()
	}
	fb.mu.Lock()
	server := fb.server
	fb.mu.Unlock()
	if server != nil {
		_ = server.Close()
	}
	<-fb.done
}

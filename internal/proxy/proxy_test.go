package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// tcpPipe returns a connected pair of loopback TCP connections. Unlike
// net.Pipe, these support CloseWrite/half-close, which is what pump relies
// on to signal EOF across a real connection.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

type fakeRouter struct {
	outbound net.Conn
	err      error
}

func (f *fakeRouter) Route(ctx context.Context, localAddr net.Addr) (net.Conn, error) {
	return f.outbound, f.err
}

type fakeStats struct {
	mu    sync.Mutex
	bytes map[string]int64
}

func newFakeStats() *fakeStats { return &fakeStats{bytes: make(map[string]int64)} }

func (f *fakeStats) AddBytes(direction string, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes[direction] += n
}

func TestRunCopiesBothDirectionsUntilEOF(t *testing.T) {
	inClient, inServer := tcpPipe(t)
	outClient, outServer := tcpPipe(t)

	router := &fakeRouter{outbound: outClient}
	stats := newFakeStats()

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), inServer, router, stats)
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		inClient.Write([]byte("ping"))
		inClient.Close()
	}()

	var gotPing []byte
	go func() {
		defer wg.Done()
		buf := make([]byte, 4)
		io.ReadFull(outServer, buf)
		gotPing = buf
		outServer.Write([]byte("pong"))
		outServer.Close()
	}()

	wg.Wait()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not complete")
	}

	if !bytes.Equal(gotPing, []byte("ping")) {
		t.Fatalf("upstream got %q, want ping", gotPing)
	}

	if n := stats.bytes["in"]; n != 4 {
		t.Fatalf("stats recorded %d bytes in, want 4", n)
	}
	if n := stats.bytes["out"]; n != 4 {
		t.Fatalf("stats recorded %d bytes out, want 4", n)
	}
}

func TestRunReturnsRouteError(t *testing.T) {
	inClient, inServer := tcpPipe(t)
	defer inClient.Close()

	wantErr := errors.New("no such app")
	router := &fakeRouter{err: wantErr}

	err := Run(context.Background(), inServer, router, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestRunSkipsShutdownOnCancel(t *testing.T) {
	inClient, inServer := tcpPipe(t)
	outClient, outServer := tcpPipe(t)
	defer outClient.Close()
	defer outServer.Close()

	router := &fakeRouter{outbound: outClient}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, inServer, router, nil)
	}()

	// Give Run a moment to start both copy loops, then simulate a
	// handoff: cancel instead of the peers reaching EOF.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on cancellation: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// inServer/outClient were never closed by Run (cancellation skips
	// that), so they must still be usable here.
	if _, err := inClient.Write([]byte("x")); err != nil {
		t.Fatalf("connection was closed despite cancellation, not handoff: %v", err)
	}

	inClient.Close()
}

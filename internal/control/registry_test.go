package control

import (
	"context"
	"net"
	"testing"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	_, cancel := context.WithCancel(context.Background())
	r.Add(c1, cancel)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.Remove(c1)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Remove, want 0", r.Len())
	}
	_ = c2
}

func TestRegistryDrainFiresCancellationsAndEmpties(t *testing.T) {
	r := NewRegistry()

	var canceled int
	conns := make([]net.Conn, 3)
	for i := range conns {
		c1, c2 := net.Pipe()
		defer c1.Close()
		defer c2.Close()
		conns[i] = c1

		_, cancel := context.WithCancel(context.Background())
		wrapped := func(c context.CancelFunc) context.CancelFunc {
			return func() {
				canceled++
				c()
			}
		}(cancel)
		r.Add(c1, wrapped)
	}

	files := r.Drain()

	if canceled != 3 {
		t.Fatalf("fired %d cancellations, want 3", canceled)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Drain, want 0 (registry emptied)", r.Len())
	}
	// net.Conn from net.Pipe doesn't implement File(), so Drain should
	// skip every entry rather than error.
	if len(files) != 0 {
		t.Fatalf("got %d files from non-TCP conns, want 0", len(files))
	}
}

package control

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/driftlabs/vipgate/pkg/xlog"
)

// tcpFiler is satisfied by *net.TCPConn; kept as an interface so tests can
// substitute a fake without a real socket.
type tcpFiler interface {
	File() (*os.File, error)
}

// Registry tracks every live connection's cancellation handle, consulted by
// both the accept loop (which adds/removes entries as connections start and
// finish) and the handoff path (which fires every cancellation and gathers
// every descriptor when INIT arrives). All mutations are short and
// lock-held; no I/O happens while the lock is taken (spec.md §5).
type Registry struct {
	mu      sync.Mutex
	entries map[net.Conn]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[net.Conn]context.CancelFunc)}
}

// Add registers a live connection's descriptor alongside the cancellation
// function that will stop its proxy task's copy loop.
func (r *Registry) Add(conn net.Conn, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[conn] = cancel
}

// Remove drops a connection from the registry once its proxy task has
// finished on its own (no handoff involved).
func (r *Registry) Remove(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, conn)
}

// Len reports the number of currently tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drain fires every cancellation signal so each proxy task abandons its
// copy loop without closing its socket, then duplicates every connection's
// descriptor into a fresh *os.File suitable for SCM_RIGHTS transfer. The
// registry is emptied as part of the drain. A connection whose descriptor
// can't be duplicated (already gone) is skipped and logged, not fatal to
// the handoff as a whole.
func (r *Registry) Drain() []*os.File {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[net.Conn]context.CancelFunc)
	r.mu.Unlock()

	files := make([]*os.File, 0, len(entries))
	for conn, cancel := range entries {
		cancel()

		filer, ok := conn.(tcpFiler)
		if !ok {
			continue
		}
		f, err := filer.File()
		if err != nil {
			xlog.Warnf("control: skipping connection whose descriptor can't be duplicated: %v", err)
			continue
		}
		files = append(files, f)
	}
	return files
}

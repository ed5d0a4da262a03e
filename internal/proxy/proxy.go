// Package proxy bidirectionally copies bytes between an accepted inbound
// stream and the outbound stream the router produces for it.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/driftlabs/vipgate/pkg/xlog"
)

// Router is the subset of internal/router.Router the proxy depends on, kept
// as an interface so tests can substitute a stub.
type Router interface {
	Route(ctx context.Context, localAddr net.Addr) (net.Conn, error)
}

// Stats receives byte counts as they're copied, for the metrics surface.
// A nil Stats is fine; callers that don't care about counters pass nil.
type Stats interface {
	AddBytes(direction string, n int64)
}

// Run asks router for an outbound connection keyed by inbound's local
// address, then pumps bytes in both directions until both halves have seen
// EOF or an error, shutting down the write half of each destination as its
// source reaches EOF (spec.md §4.4).
//
// If ctx is canceled while a copy is in flight, Run treats that as a
// hot-upgrade handoff rather than a normal end of connection (spec.md §4.6):
// each copy loop is unblocked via a read deadline and returns immediately
// without shutting down or closing either side. The caller's Registry
// duplicates the inbound descriptor for transfer to the successor right after
// calling cancel(), so the inbound side must still be open at that point; the
// outbound side is not transferred and is reclaimed when this process exits.
func Run(ctx context.Context, inbound net.Conn, router Router, stats Stats) error {
	outbound, err := router.Route(ctx, inbound.LocalAddr())
	if err != nil {
		inbound.Close()
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- pump(ctx, inbound, outbound, "in", stats)
	}()
	go func() {
		defer wg.Done()
		errs <- pump(ctx, outbound, inbound, "out", stats)
	}()

	wg.Wait()
	close(errs)

	if ctx.Err() != nil {
		return nil
	}

	inbound.Close()
	outbound.Close()

	var first error
	for e := range errs {
		if e != nil && first == nil {
			first = e
		}
	}
	return first
}

// pump copies src to dst until src reaches EOF (clean, returns nil), an I/O
// error occurs (logged and returned), or ctx is canceled (silently, as part
// of a handoff), then shuts down dst's write half so the peer observes EOF
// too — unless the copy ended because of cancellation, in which case nothing
// is shut down or closed.
func pump(ctx context.Context, src, dst net.Conn, direction string, stats Stats) error {
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if dl, ok := src.(interface{ SetReadDeadline(time.Time) error }); ok {
				dl.SetReadDeadline(time.Unix(0, 1))
			}
		case <-watchDone:
		}
	}()

	n, err := io.Copy(dst, src)
	close(watchDone)

	if stats != nil {
		stats.AddBytes(direction, n)
	}

	if ctx.Err() != nil {
		return nil
	}

	shutdownWrite(dst)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		xlog.Warnf("proxy: %s copy error: %v", direction, err)
		return err
	}
	return nil
}

func shutdownWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

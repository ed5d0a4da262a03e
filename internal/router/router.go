// Package router maps the destination address of an accepted connection to
// the app it belongs to, then hands the dial-and-select decision to a
// weighted balancer.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/driftlabs/vipgate/internal/config"
	"github.com/driftlabs/vipgate/internal/tracing"
)

var (
	ErrNoSuchApp           = errors.New("no app configured for destination ip")
	ErrNoTargets           = errors.New("app has no targets")
	ErrConnectionExhausted = errors.New("all targets for app failed to dial")
)

// Router holds the immutable routing table built once at startup. It is
// read-only after New returns and is safe to share across goroutines without
// locking.
type Router struct {
	apps map[string]*balancer
}

// New builds the routing table from the app list. It rejects apps with an
// empty target list (NoTargets is a build-time error per spec.md §4.3).
func New(apps []config.App) (*Router, error) {
	table := make(map[string]*balancer, len(apps))
	for _, app := range apps {
		if len(app.Targets) == 0 {
			return nil, fmt.Errorf("%w: app %s (%s)", ErrNoTargets, app.UUID, app.IPAddr)
		}
		table[app.IPAddr] = newBalancer(app.IPAddr, app.Targets)
	}
	return &Router{apps: table}, nil
}

// Route extracts the destination IP from localAddr, selects a target for its
// app under the weighted policy, dials it on the same port observed on
// localAddr, and returns the connected outbound stream. On a dial failure it
// retries with the remaining candidates until one succeeds or all have been
// tried.
func (r *Router) Route(ctx context.Context, localAddr net.Addr) (net.Conn, error) {
	tcpAddr, ok := localAddr.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("unsupported local address type %T", localAddr)
	}

	b, ok := r.apps[tcpAddr.IP.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchApp, tcpAddr.IP)
	}

	ctx, span := tracing.Start(ctx, "router.route")
	defer span.End()

	return b.dial(ctx, tcpAddr.Port)
}

// dialFunc is overridable in tests so dial failures can be simulated without
// real sockets.
var dialFunc = func(ctx context.Context, ipAddr string, port int) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ipAddr, port))
}

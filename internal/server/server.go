// Package server runs the accept loop, owns the shared listener and
// routing table, and exposes the admin HTTP mux — adapted from the
// teacher's internal/core/server.go (the draining flag and the
// separate-metrics-listener shape survive; the admin server runs on its own
// goroutine and nothing waits for it at exit; the K8s readiness-probe and
// admin control-plane API do not, since this gateway has no dynamic
// reconfiguration surface).
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftlabs/vipgate/internal/config"
	"github.com/driftlabs/vipgate/internal/control"
	"github.com/driftlabs/vipgate/internal/metrics"
	"github.com/driftlabs/vipgate/internal/proxy"
	"github.com/driftlabs/vipgate/internal/router"
	"github.com/driftlabs/vipgate/internal/tracing"
	"github.com/driftlabs/vipgate/pkg/redirector"
	"github.com/driftlabs/vipgate/pkg/xlog"
)

// ListenerFDEnv names the environment variable a hot-upgrade child inherits
// its listener descriptor through (spec.md §4.5, §6).
const ListenerFDEnv = "LISTENER_FD"

// Server is the accept loop and everything it depends on: the shared
// listener, the immutable routing table, the live-connection registry used
// for hot-upgrade handoff, and the draining/is_child state spec.md §4.5
// requires.
type Server struct {
	cfg      *config.Config
	listener *net.TCPListener
	router   *router.Router
	redir    *redirector.Redirector
	registry *control.Registry

	isChild  bool
	draining int32
	active   int32
}

// New constructs the accept loop's state but does not yet bind or adopt a
// listener, nor attach the redirector — call Start for that.
func New(cfg *config.Config, rt *router.Router) *Server {
	_, isChild := os.LookupEnv(ListenerFDEnv)
	return &Server{
		cfg:      cfg,
		router:   rt,
		registry: control.NewRegistry(),
		isChild:  isChild,
	}
}

// Start constructs or inherits the listener, attaches the redirector
// program against it, and launches the accept loop and (if enabled) the
// admin metrics server in background goroutines. It returns once the
// listener is ready; it does not block for the server's lifetime.
func (s *Server) Start(ctx context.Context) error {
	var err error
	if fdStr, ok := os.LookupEnv(ListenerFDEnv); ok {
		fd, parseErr := strconv.Atoi(fdStr)
		if parseErr != nil {
			return parseErr
		}
		s.listener, err = AdoptListener(fd)
		xlog.Infof("server: adopted inherited listener fd %d", fd)
	} else {
		s.listener, err = NewListener(s.cfg.IPAddr, s.cfg.Port)
		xlog.Infof("server: bound fresh listener on %s:%d", s.cfg.IPAddr, s.cfg.Port)
	}
	if err != nil {
		return err
	}

	rawConn, err := s.listener.File()
	if err != nil {
		return err
	}
	defer rawConn.Close()

	s.redir, err = redirector.Load(s.cfg, int(rawConn.Fd()))
	if err != nil {
		return err
	}
	metrics.RedirectorMapEntries.Set(float64(len(s.cfg.Apps)))

	if s.cfg.Metrics.Enabled {
		go s.serveAdmin()
	}

	go s.acceptLoop(ctx)

	if s.isChild {
		go func() {
			fds, err := s.Retrieve(s.cfg.ControlSocketPath, retrieveTimeout)
			if err != nil {
				xlog.Errorf("server: control channel retrieve failed: %v", err)
				return
			}
			s.AdoptConnections(ctx, fds)
		}()
	}

	return nil
}

// retrieveTimeout bounds how long a child process waits on its control
// socket for a predecessor before giving up and running with zero adopted
// connections.
const retrieveTimeout = 5 * time.Second

func (s *Server) acceptLoop(ctx context.Context) {
	for atomic.LoadInt32(&s.draining) == 0 {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.draining) == 1 {
				return
			}
			xlog.Errorf("server: accept error: %v", err)
			continue
		}

		s.handleConn(ctx, conn)
	}
}

// handleConn registers conn for hot-upgrade tracking and spawns its proxy
// task. Used both for freshly accepted connections and for ones adopted
// from a predecessor via AdoptConnections.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	appIP := appIPOf(conn)
	metrics.ConnectionsTotal.WithLabelValues(appIP).Inc()
	metrics.ActiveConnections.WithLabelValues(appIP).Inc()
	atomic.AddInt32(&s.active, 1)

	connCtx, cancel := context.WithCancel(ctx)
	s.registry.Add(conn, cancel)

	go func() {
		defer func() {
			s.registry.Remove(conn)
			metrics.ActiveConnections.WithLabelValues(appIP).Dec()
			atomic.AddInt32(&s.active, -1)
		}()

		spanCtx, span := tracing.Start(connCtx, "proxy.connection")
		defer span.End()

		if err := proxy.Run(spanCtx, conn, s.router, metrics.ConnStats{}); err != nil {
			metrics.ErrorsTotal.WithLabelValues("proxy").Inc()
		}
	}()
}

// AdoptConnections wraps descriptors retrieved over the control channel
// (spec.md §4.6) as connections and feeds them through the same path as a
// freshly accepted one. Only the client-facing descriptor crosses the
// handoff boundary — the outbound leg to the upstream target is re-dialed
// by Router.Route, since no application-level buffering state survives a
// process boundary anyway (io.Copy's in-flight buffer, if any, is lost;
// this is a known, accepted limitation of a userspace L4 proxy handoff).
func (s *Server) AdoptConnections(ctx context.Context, fds []int) {
	for _, fd := range fds {
		f := os.NewFile(uintptr(fd), fmt.Sprintf("adopted-fd-%d", fd))
		conn, err := net.FileConn(f)
		f.Close()
		if err != nil {
			xlog.Errorf("server: failed to adopt fd %d: %v", fd, err)
			continue
		}
		s.handleConn(ctx, conn)
	}
	if len(fds) > 0 {
		xlog.Infof("server: adopted %d live connections from predecessor", len(fds))
	}
}

func (s *Server) serveAdmin() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthHandler)

	xlog.Infof("server: admin metrics listening on %s", s.cfg.Metrics.ListenAddr)
	if err := http.ListenAndServe(s.cfg.Metrics.ListenAddr, mux); err != nil {
		xlog.Errorf("server: admin metrics server error: %v", err)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.draining) == 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Drain flips the draining flag and closes the listener so the accept loop
// exits (spec.md §4.5, §4.7: SIGTERM). Already-accepted connections are left
// to finish on their own.
func (s *Server) Drain() {
	atomic.StoreInt32(&s.draining, 1)
	if s.listener != nil {
		s.listener.Close()
	}
}

// ActiveConnections reports the current live-connection count.
func (s *Server) ActiveConnections() int {
	return int(atomic.LoadInt32(&s.active))
}

// ListenerFile duplicates the listener's descriptor for re-exec (spec.md
// §4.7's SIGUSR1 path): the dup keeps the listener usable in this process
// even after the returned file is passed on or closed by the caller.
func (s *Server) ListenerFile() (*os.File, error) {
	return s.listener.File()
}

// Handoff runs the predecessor's half of the control-channel protocol
// (spec.md §4.6): draining every tracked connection's descriptor into the
// ancillary buffer and handing it to the successor at controlSocketPath.
func (s *Server) Handoff(controlSocketPath string) error {
	client, err := control.Connect(controlSocketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	files := s.registry.Drain()
	if err := client.Handoff(files); err != nil {
		return err
	}
	metrics.UpgradeHandoffs.Inc()
	return nil
}

// Retrieve runs the successor's half of the control-channel protocol: bind,
// wait for a predecessor, and adopt whatever descriptors it hands over. A
// predecessor that never connects within timeout (first boot, no upgrade in
// progress) is expected and not an error — callers get (nil, nil).
func (s *Server) Retrieve(controlSocketPath string, timeout time.Duration) ([]int, error) {
	listener, err := control.Bind(controlSocketPath)
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	type result struct {
		fds []int
		err error
	}
	done := make(chan result, 1)
	go func() {
		fds, err := listener.Retrieve()
		done <- result{fds, err}
	}()

	select {
	case r := <-done:
		return r.fds, r.err
	case <-time.After(timeout):
		return nil, nil
	}
}

// IsChild reports whether this process inherited its listener from a
// predecessor (spec.md §4.5's is_child).
func (s *Server) IsChild() bool {
	return s.isChild
}

// Redirector exposes the loaded eBPF attachment so it can be torn down
// during shutdown.
func (s *Server) Redirector() *redirector.Redirector {
	return s.redir
}

func appIPOf(conn net.Conn) string {
	tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return "unknown"
	}
	return tcpAddr.IP.String()
}

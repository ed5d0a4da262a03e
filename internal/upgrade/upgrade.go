// Package upgrade translates SIGTERM/SIGUSR1 into the drain and respawn
// actions spec.md §4.7 describes, adapted from original_source/src/signals.rs
// and repurposing the teacher's golang.org/x/time/rate usage (previously an
// API request limiter in internal/security/manager.go) as a guard against a
// runaway operator or monitoring script hammering SIGUSR1.
package upgrade

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftlabs/vipgate/internal/server"
	"github.com/driftlabs/vipgate/pkg/xlog"
)

// respawnLimiter bounds how often a SIGUSR1 is allowed to trigger a real
// re-exec: one token every 10 seconds, no burst, so a misbehaving supervisor
// sending repeated SIGUSR1 can't fork-bomb the host.
var respawnLimiter = rate.NewLimiter(rate.Every(10*time.Second), 1)

// Handler owns the signal channel and the server it drains/respawns.
type Handler struct {
	srv  *server.Server
	sigs chan os.Signal
}

// New installs the SIGTERM/SIGUSR1 handlers. If srv reports IsChild (this
// process inherited LISTENER_FD from a predecessor), startup also sends
// SIGTERM to the parent to kick off the handoff, matching
// original_source/src/signals.rs's handle_upgrades.
func New(srv *server.Server) *Handler {
	h := &Handler{
		srv:  srv,
		sigs: make(chan os.Signal, 2),
	}
	signal.Notify(h.sigs, syscall.SIGTERM, syscall.SIGUSR1)

	if srv.IsChild() {
		if ppid := os.Getppid(); ppid > 1 {
			xlog.Infof("upgrade: signaling predecessor (pid %d) to begin handoff", ppid)
			if err := syscall.Kill(ppid, syscall.SIGTERM); err != nil {
				xlog.Warnf("upgrade: failed to signal predecessor: %v", err)
			}
		}
	}

	return h
}

// Run blocks, dispatching signals until ctx is done or a SIGTERM has been
// handled. After a SIGTERM it returns as soon as the drain has begun and the
// handoff has been attempted; it does not wait for live connections to finish.
func (h *Handler) Run(ctx context.Context, controlSocketPath string) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-h.sigs:
			switch sig {
			case syscall.SIGTERM:
				h.handleTerminate(controlSocketPath)
				return
			case syscall.SIGUSR1:
				h.handleRespawn()
			}
		}
	}
}

// handleTerminate marks the server draining and, best-effort, attempts the
// predecessor side of the control-channel handoff (spec.md §4.6). If no
// successor is listening on controlSocketPath (a plain operator-issued
// SIGTERM, spec.md's S6 Drain scenario) the connect attempt fails quickly
// and is logged at debug level, not fatal — the process proceeds to drain
// normally.
func (h *Handler) handleTerminate(controlSocketPath string) {
	xlog.Infof("upgrade: SIGTERM received, draining")
	h.srv.Drain()

	if err := h.srv.Handoff(controlSocketPath); err != nil {
		xlog.Debugf("upgrade: no handoff performed (%v); draining as a plain shutdown", err)
		return
	}
	xlog.Infof("upgrade: handed off live connections to successor")
}

// handleRespawn re-execs the current binary with LISTENER_FD set to the
// listener's descriptor, per spec.md §4.7's SIGUSR1 path.
func (h *Handler) handleRespawn() {
	if !respawnLimiter.Allow() {
		xlog.Warnf("upgrade: SIGUSR1 respawn rate limit exceeded, ignoring")
		return
	}

	listenerFile, err := h.srv.ListenerFile()
	if err != nil {
		xlog.Errorf("upgrade: failed to duplicate listener fd for respawn: %v", err)
		return
	}
	defer listenerFile.Close()

	env := stripEnv(os.Environ(), server.ListenerFDEnv)
	env = append(env, fmt.Sprintf("%s=%d", server.ListenerFDEnv, 3))

	exe, err := os.Executable()
	if err != nil {
		xlog.Errorf("upgrade: failed to resolve executable path: %v", err)
		return
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = env
	cmd.ExtraFiles = []*os.File{listenerFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		xlog.Errorf("upgrade: respawn failed: %v", err)
		return
	}

	xlog.Infof("upgrade: spawned successor pid %d, listener fd handed over via ExtraFiles", cmd.Process.Pid)
}

func stripEnv(env []string, key string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			continue
		}
		out = append(out, kv)
	}
	return out
}


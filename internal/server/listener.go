package server

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NewListener builds a fresh, already-listening TCP socket with the exact
// options spec.md §4.2 requires: SO_REUSEPORT, TCP_NODELAY, non-blocking,
// backlog 128, and FD_CLOEXEC cleared on the socket it creates. That raw
// descriptor is closed once net.FileListener has duplicated it, and the
// duplicate the returned listener wraps has FD_CLOEXEC set; the listener
// crosses exec during a hot upgrade only through Server.ListenerFile and
// exec.Cmd.ExtraFiles. Mirrors original_source/src/listener.rs's
// create_listener_socket, expressed with golang.org/x/sys/unix the same way
// internal/control reaches past net for raw socket-level control.
func NewListener(ipAddr string, port int) (*net.TCPListener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("creating listen socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting SO_REUSEPORT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting TCP_NODELAY: %w", err)
	}
	if err := clearCloexec(fd); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("clearing FD_CLOEXEC: %w", err)
	}

	ip := net.ParseIP(ipAddr).To4()
	if ip == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener address %q is not a valid IPv4 address", ipAddr)
	}
	var addr unix.SockaddrInet4
	addr.Port = port
	copy(addr.Addr[:], ip)

	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding %s:%d: %w", ipAddr, port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listening on %s:%d: %w", ipAddr, port, err)
	}

	return fdToTCPListener(fd, fmt.Sprintf("fresh listener %s:%d", ipAddr, port))
}

// AdoptListener wraps an inherited descriptor (the hot-upgrade child path,
// spec.md §4.5) as a *net.TCPListener without touching any of its socket
// options — the predecessor already configured them, and this process only
// needs to resume accepting on it.
func AdoptListener(fd int) (*net.TCPListener, error) {
	return fdToTCPListener(fd, fmt.Sprintf("inherited listener fd %d", fd))
}

func fdToTCPListener(fd int, name string) (*net.TCPListener, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping %s as net.Listener: %w", name, err)
	}
	tcpL, ok := l.(*net.TCPListener)
	if !ok {
		l.Close()
		return nil, fmt.Errorf("%s is not a TCP listener", name)
	}
	return tcpL, nil
}

func clearCloexec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0)
	return err
}

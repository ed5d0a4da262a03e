// Package control implements the hot-upgrade handoff: a successor process
// reclaiming live connection descriptors from its predecessor over a local
// SOCK_SEQPACKET endpoint, using SCM_RIGHTS ancillary data (spec.md §4.6).
//
// golang.org/x/sys/unix is used directly because the stdlib net package
// exposes neither SOCK_SEQPACKET nor ancillary-data send/receive.
package control

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/driftlabs/vipgate/pkg/xlog"
)

// SCMMaxFDs is the kernel's per-message SCM_RIGHTS limit
// (see unix(7)); the predecessor truncates to this many descriptors if more
// are in flight, per spec.md §4.6 and §9's accepted known limitation.
const SCMMaxFDs = 253

var (
	frameInit     = []byte("INIT")
	frameSendFDs  = []byte("SEND_FS")
	frameShutdown = []byte("SHUTDOWN")
)

var (
	ErrInvalidData = errors.New("control: predecessor sent unexpected payload")
	ErrInvalidFDs  = errors.New("control: predecessor sent malformed ancillary data")
)

// Listener is the successor side: it binds the control socket and, on
// Retrieve, demands and adopts the predecessor's live descriptors.
type Listener struct {
	fd   int
	path string
}

// Bind creates (replacing any stale socket file) and listens on path.
func Bind(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale control socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("creating control socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding control socket %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listening on control socket %s: %w", path, err)
	}

	return &Listener{fd: fd, path: path}, nil
}

// Close releases the listening socket.
func (l *Listener) Close() error {
	if l == nil {
		return nil
	}
	os.Remove(l.path)
	return unix.Close(l.fd)
}

// Retrieve accepts one predecessor connection and runs the full
// INIT → SEND_FS → SHUTDOWN handshake, returning the adopted descriptors.
// A protocol violation from the predecessor is returned as an error with
// zero descriptors adopted (spec.md §7: the successor proceeds without
// adopted FDs rather than failing the whole process).
func (l *Listener) Retrieve() ([]int, error) {
	connFD, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, fmt.Errorf("accepting predecessor connection: %w", err)
	}
	defer unix.Close(connFD)

	if err := sendAll(connFD, frameInit); err != nil {
		return nil, fmt.Errorf("sending INIT: %w", err)
	}

	payload, fds, err := recvWithFDs(connFD, len(frameSendFDs))
	if err != nil {
		return nil, fmt.Errorf("receiving SEND_FS: %w", err)
	}
	if string(payload) != string(frameSendFDs) {
		return nil, ErrInvalidData
	}

	if err := sendAll(connFD, frameShutdown); err != nil {
		return nil, fmt.Errorf("sending SHUTDOWN: %w", err)
	}

	xlog.Infof("control: adopted %d descriptors from predecessor", len(fds))
	return fds, nil
}

// Client is the predecessor side: it connects to the successor's control
// socket and hands over every live connection descriptor the Registry
// reports when it observes INIT.
type Client struct {
	fd int
}

// Connect dials the successor's control socket.
func Connect(path string) (*Client, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("creating control socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connecting to control socket %s: %w", path, err)
	}

	return &Client{fd: fd}, nil
}

// Close closes the connection to the successor.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return unix.Close(c.fd)
}

// Handoff waits for INIT, then sends files' descriptors (truncated to
// SCMMaxFDs) as ancillary data alongside the SEND_FS frame, then waits for
// SHUTDOWN. It is the predecessor's half of spec.md §4.6's ordering
// contract: INIT strictly before SEND_FS strictly before SHUTDOWN. Every
// file in files is closed before Handoff returns, successful or not — once
// the kernel has copied a descriptor into the successor (or the attempt has
// failed outright) the predecessor's own copy serves no further purpose.
func (c *Client) Handoff(files []*os.File) error {
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	payload, err := recvExact(c.fd, len(frameInit))
	if err != nil {
		return fmt.Errorf("waiting for INIT: %w", err)
	}
	if string(payload) != string(frameInit) {
		return ErrInvalidData
	}

	send := files
	if len(send) > SCMMaxFDs {
		xlog.Warnf("control: truncating handoff from %d to %d descriptors (SCM_RIGHTS limit)", len(send), SCMMaxFDs)
		send = send[:SCMMaxFDs]
	}

	fds := make([]int, len(send))
	for i, f := range send {
		fds[i] = int(f.Fd())
	}

	rights := unix.UnixRights(fds...)
	if err := unix.Sendmsg(c.fd, frameSendFDs, rights, nil, 0); err != nil {
		return fmt.Errorf("sending SEND_FS with %d fds: %w", len(fds), err)
	}

	shutdown, err := recvExact(c.fd, len(frameShutdown))
	if err != nil {
		return fmt.Errorf("waiting for SHUTDOWN: %w", err)
	}
	if string(shutdown) != string(frameShutdown) {
		return ErrInvalidData
	}

	return nil
}

func sendAll(fd int, b []byte) error {
	return unix.Sendmsg(fd, b, nil, nil, 0)
}

func recvExact(fd int, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, _, _, _, err := unix.Recvmsg(fd, buf, nil, 0)
	if err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// recvWithFDs receives a single datagram whose data portion is expected to
// be exactly dataLen bytes and whose ancillary portion may carry
// SCM_RIGHTS file descriptors. No ancillary message at all is not an error
// (spec.md §4.6: successor proceeds with zero descriptors).
func recvWithFDs(fd int, dataLen int) ([]byte, []int, error) {
	buf := make([]byte, dataLen)
	oob := make([]byte, unix.CmsgSpace(4*SCMMaxFDs))

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return nil, nil, err
	}

	if oobn == 0 {
		return buf[:n], nil, nil
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return buf[:n], nil, ErrInvalidFDs
	}

	var fds []int
	for _, cmsg := range cmsgs {
		parsed, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			return buf[:n], nil, ErrInvalidFDs
		}
		fds = append(fds, parsed...)
	}

	return buf[:n], fds, nil
}

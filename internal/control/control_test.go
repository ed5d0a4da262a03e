package control

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestHandoffRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")

	listener, err := Bind(sockPath)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer listener.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()

	retrieved := make(chan []int, 1)
	errs := make(chan error, 1)
	go func() {
		fds, err := listener.Retrieve()
		retrieved <- fds
		errs <- err
	}()

	client, err := Connect(sockPath)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.Handoff([]*os.File{w}); err != nil {
		t.Fatalf("Handoff: %v", err)
	}

	fds := <-retrieved
	if err := <-errs; err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(fds) != 1 {
		t.Fatalf("got %d fds, want 1", len(fds))
	}
	defer unix.Close(fds[0])

	msg := []byte("hello from the other side")
	if _, err := unix.Write(fds[0], msg); err != nil {
		t.Fatalf("writing through adopted fd: %v", err)
	}

	buf := make([]byte, len(msg))
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("reading from original pipe end: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}

func TestRetrieveRejectsUnexpectedPayload(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")

	listener, err := Bind(sockPath)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer listener.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := listener.Retrieve()
		errs <- err
	}()

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(fd)
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: sockPath}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Read and discard INIT, then reply with garbage instead of SEND_FS.
	buf := make([]byte, len(frameInit))
	if _, _, _, _, err := unix.Recvmsg(fd, buf, nil, 0); err != nil {
		t.Fatalf("recv INIT: %v", err)
	}
	if err := unix.Sendmsg(fd, []byte("GARBAGE"), nil, nil, 0); err != nil {
		t.Fatalf("send garbage: %v", err)
	}

	err = <-errs
	if err == nil {
		t.Fatal("expected an error for unexpected payload, got nil")
	}
}

func TestHandoffTruncatesToSCMMax(t *testing.T) {
	files := make([]*os.File, SCMMaxFDs+10)
	for i := range files {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("Pipe: %v", err)
		}
		defer r.Close()
		files[i] = w
	}

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	listener, err := Bind(sockPath)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer listener.Close()

	retrieved := make(chan []int, 1)
	go func() {
		fds, _ := listener.Retrieve()
		retrieved <- fds
	}()

	client, err := Connect(sockPath)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.Handoff(files); err != nil {
		t.Fatalf("Handoff: %v", err)
	}

	fds := <-retrieved
	if len(fds) != SCMMaxFDs {
		t.Fatalf("got %d fds, want truncation to %d", len(fds), SCMMaxFDs)
	}
	for _, fd := range fds {
		unix.Close(fd)
	}
}

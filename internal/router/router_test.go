package router

import (
	"context"
	"net"
	"testing"

	"github.com/driftlabs/vipgate/internal/config"
)

func TestNewRejectsAppWithNoTargets(t *testing.T) {
	_, err := New([]config.App{
		{UUID: "empty", IPAddr: "10.0.0.1", Targets: nil},
	})
	if err == nil {
		t.Fatal("expected NoTargets error, got nil")
	}
}

func TestRouteFailsForUnknownDestination(t *testing.T) {
	rt, err := New([]config.App{
		{UUID: "app1", IPAddr: "10.0.0.1", Targets: []config.AppTarget{{IPAddr: "10.1.0.1", Weight: 1}}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	localAddr := &net.TCPAddr{IP: net.ParseIP("10.0.0.99"), Port: 80}
	_, err = rt.Route(context.Background(), localAddr)
	if err == nil {
		t.Fatal("expected NoSuchApp error, got nil")
	}
}

func TestRouteDialsChosenTargetOnObservedPort(t *testing.T) {
	prev := dialFunc
	var gotIP string
	var gotPort int
	dialFunc = func(ctx context.Context, ipAddr string, port int) (net.Conn, error) {
		gotIP, gotPort = ipAddr, port
		return &fakeConn{target: ipAddr}, nil
	}
	defer func() { dialFunc = prev }()

	rt, err := New([]config.App{
		{UUID: "app1", IPAddr: "10.0.0.1", Targets: []config.AppTarget{{IPAddr: "10.1.0.1", Weight: 1}}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	localAddr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4242}
	if _, err := rt.Route(context.Background(), localAddr); err != nil {
		t.Fatalf("Route: %v", err)
	}

	if gotIP != "10.1.0.1" {
		t.Fatalf("dialed %q, want 10.1.0.1", gotIP)
	}
	if gotPort != 4242 {
		t.Fatalf("dialed port %d, want 4242 (must match inbound local port)", gotPort)
	}
}

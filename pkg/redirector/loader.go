//go:build linux && ebpf

package redirector

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"

	"github.com/driftlabs/vipgate/internal/config"
	"github.com/driftlabs/vipgate/pkg/xlog"
)

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -target bpf -cflags "-O2 -g -Wall -Werror" redirector bpf/redirector.bpf.c -- -I./bpf

const bpfFSRoot = "/sys/fs/bpf"

var ErrIPv6NotImplemented = errors.New("redirector: IPv6 not implemented")

// Redirector owns the loaded program, maps, and netns attachment link for
// the lifetime of the server.
type Redirector struct {
	objs *redirectorObjects
	link link.Link
}

// Load performs every step of spec.md §4.1 in order: open the skeleton,
// size the ips map, set the program/attach type to sk_lookup, load into the
// kernel, replace any existing pins, populate both maps, and attach to the
// host network namespace. On success the returned Redirector must be kept
// alive (its Close releases the netns attachment) for as long as this
// process should keep redirecting traffic.
func Load(cfg *config.Config, listenFD int) (*Redirector, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		xlog.Warnf("redirector: failed to remove memlock limit: %v", err)
	}

	if cfg.Debug {
		ebpf.VerifierLogSize(1024 * 1024)
	}

	spec, err := loadRedirector()
	if err != nil {
		return nil, fmt.Errorf("opening redirector skeleton: %w", err)
	}

	if ipsMap, ok := spec.Maps["ips"]; ok {
		ipsMap.MaxEntries = uint32(len(cfg.Apps))
	}

	if prog, ok := spec.Programs["redirector"]; ok {
		prog.Type = ebpf.SkLookup
		prog.AttachType = ebpf.AttachSkLookup
	}

	var objs redirectorObjects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		return nil, fmt.Errorf("loading redirector program and maps: %w", err)
	}

	if err := pin(objs.Sockets, "socket_map"); err != nil {
		objs.Close()
		return nil, fmt.Errorf("pinning socket_map: %w", err)
	}
	if err := pin(objs.Ips, "ips_map"); err != nil {
		objs.Close()
		return nil, fmt.Errorf("pinning ips_map: %w", err)
	}
	if err := pinProgram(objs.Redirector, "redirector_prog"); err != nil {
		objs.Close()
		return nil, fmt.Errorf("pinning redirector_prog: %w", err)
	}

	zeroKey := []byte{0, 0, 0, 0}
	if err := objs.Sockets.Update(zeroKey, uint64(listenFD), ebpf.UpdateAny); err != nil {
		objs.Close()
		return nil, fmt.Errorf("inserting listen_fd into sockets map: %w", err)
	}

	for _, app := range cfg.Apps {
		ip := net.ParseIP(app.IPAddr)
		v4 := ip.To4()
		if v4 == nil {
			objs.Close()
			return nil, fmt.Errorf("app %s (%s): %w", app.UUID, app.IPAddr, ErrIPv6NotImplemented)
		}

		key := hostOrderKey(v4)
		if err := objs.Ips.Update(key, uint8(0), ebpf.UpdateAny); err != nil {
			objs.Close()
			return nil, fmt.Errorf("inserting %s into ips map: %w", app.IPAddr, err)
		}
	}

	netns, err := os.Open("/proc/self/ns/net")
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("opening network namespace: %w", err)
	}
	defer netns.Close()

	attached, err := link.AttachNetNs(int(netns.Fd()), objs.Redirector)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("attaching redirector to netns: %w", err)
	}

	xlog.Infof("redirector: loaded, %d apps in ips map, attached to netns", len(cfg.Apps))

	return &Redirector{objs: &objs, link: attached}, nil
}

// Close detaches the program from the network namespace and releases the
// map/program handles. The pins themselves remain on disk intentionally —
// that's what lets a successor adopt them across the hot-upgrade boundary.
func (r *Redirector) Close() error {
	if r == nil {
		return nil
	}
	var err error
	if r.link != nil {
		err = r.link.Close()
	}
	if r.objs != nil {
		r.objs.Close()
	}
	return err
}

// hostOrderKey encodes a v4 IP the same way bpf_ntohl(ctx->local_ip4) does
// in the kernel program: host-byte-order uint32, little-endian on the
// (overwhelmingly common) little-endian targets this is built for.
func hostOrderKey(v4 net.IP) []byte {
	return []byte{v4[3], v4[2], v4[1], v4[0]}
}

func pin(m *ebpf.Map, name string) error {
	path := filepath.Join(bpfFSRoot, name)
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("unpinning existing %s: %w", name, err)
		}
	}
	return m.Pin(path)
}

func pinProgram(p *ebpf.Program, name string) error {
	path := filepath.Join(bpfFSRoot, name)
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("unpinning existing %s: %w", name, err)
		}
	}
	return p.Pin(path)
}

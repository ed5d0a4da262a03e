//go:build linux && !ebpf

package redirector

import (
	"errors"

	"github.com/driftlabs/vipgate/internal/config"
)

// ErrNotBuiltWithEBPF is returned by Load when the binary wasn't built with
// -tags ebpf. The teacher's own sockmap/linux_stub pair used overlapping
// build constraints (a bare "linux" real implementation next to a
// "linux && !ebpf" stub), which double-declares everything the moment
// someone builds for linux without the ebpf tag. Load here is gated
// "linux && !ebpf" specifically so it and the real loader.go's
// "linux && ebpf" never both match.
var ErrNotBuiltWithEBPF = errors.New("redirector: binary built without -tags ebpf")

type Redirector struct{}

func Load(cfg *config.Config, listenFD int) (*Redirector, error) {
	return nil, ErrNotBuiltWithEBPF
}

func (r *Redirector) Close() error {
	return nil
}

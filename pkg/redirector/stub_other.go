//go:build !linux

package redirector

import (
	"errors"

	"github.com/driftlabs/vipgate/internal/config"
)

var ErrUnsupportedPlatform = errors.New("redirector: sk_lookup redirection requires Linux")

type Redirector struct{}

func Load(cfg *config.Config, listenFD int) (*Redirector, error) {
	return nil, ErrUnsupportedPlatform
}

func (r *Redirector) Close() error {
	return nil
}

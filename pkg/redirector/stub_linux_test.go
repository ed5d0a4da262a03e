//go:build linux && !ebpf

package redirector

import (
	"errors"
	"testing"

	"github.com/driftlabs/vipgate/internal/config"
)

func TestLoadWithoutEBPFTagReturnsExplanatoryError(t *testing.T) {
	_, err := Load(&config.Config{}, 3)
	if !errors.Is(err, ErrNotBuiltWithEBPF) {
		t.Fatalf("err = %v, want ErrNotBuiltWithEBPF", err)
	}
}

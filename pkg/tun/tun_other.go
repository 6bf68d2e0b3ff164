//go:build !linux

package tun

import (
	"fmt"

	"github.com/longg-net/longg/pkg/errdefs"
)

// Create is only supported on Linux.
func Create(name string, _ ...Option) (Device, error) {
	return nil, fmt.Errorf("%w: TUN device %q is not supported on this platform", errdefs.ErrIO, name)
}

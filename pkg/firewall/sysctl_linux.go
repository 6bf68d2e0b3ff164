//go:build linux

package firewall

import (
	"fmt"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

const ipForward = "net.ipv4.ip_forward"

// EnableIPForwarding enables IPv4 forwarding. The returned func restores the
// previous setting.
func EnableIPForwarding() (restore func() error, err error) {
	val, err := sysctl.Get(ipForward)
	if err != nil {
		return nil, fmt.Errorf("failed to get IP forwarding status: %w", err)
	}

	// Is it already enabled?
	if val == "1" {
		return func() error { return nil }, nil
	}
	if err := sysctl.Set(ipForward, "1"); err != nil {
		return nil, fmt.Errorf("failed to enable IP forwarding: %w", err)
	}
	return func() error {
		if err := sysctl.Set(ipForward, val); err != nil {
			return fmt.Errorf("failed to restore IP forwarding: %w", err)
		}
		return nil
	}, nil
}

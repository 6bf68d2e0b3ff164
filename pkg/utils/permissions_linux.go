//go:build linux

package utils

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const capNetAdmin = 12

// CanCreateTUNInterfaces checks if the current process holds CAP_NET_ADMIN,
// which is needed to create the TUN device, install routes and edit iptables.
func CanCreateTUNInterfaces() (bool, error) {
	if unix.Geteuid() == 0 {
		return true, nil
	}

	var capData [2]unix.CapUserData
	capHeader := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	if err := unix.Capget(&capHeader, &capData[0]); err != nil {
		return false, fmt.Errorf("failed to get capabilities: %w", err)
	}

	return capData[capNetAdmin/32].Effective&(uint32(1)<<(capNetAdmin%32)) != 0, nil
}

//go:build !linux

package utils

// CanCreateTUNInterfaces checks if the current process may create TUN devices
// and configure routes. Always false outside Linux.
func CanCreateTUNInterfaces() (bool, error) {
	return false, nil
}

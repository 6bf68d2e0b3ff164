// Package tun manages the TUN character device the link reads host
// datagrams from and writes received datagrams to.
package tun

import (
	"net/netip"
	"time"
)

const (
	// DefaultName is the interface name used when none is configured.
	DefaultName = "LongG"
	// ReadBufferSize bounds a single read; one read returns one datagram.
	ReadBufferSize = 1522
	// DefaultMTU is the interface MTU and the largest datagram carried.
	DefaultMTU = 1500
	// DefaultOwner is the uid and gid the device is handed to.
	DefaultOwner = 1000
)

// Device is a TUN interface carrying whole IPv4 datagrams without packet info.
type Device interface {
	// Name returns the kernel interface name.
	Name() string
	// Read reads exactly one datagram into p.
	Read(p []byte) (int, error)
	// Write writes p as one datagram.
	Write(p []byte) (int, error)
	// SetReadDeadline bounds the next Read so the reader can observe shutdown.
	SetReadDeadline(t time.Time) error
	// Close releases the device and removes its address. Safe to call more than once.
	Close() error
}

// Option configures a TUN device at creation.
type Option func(*options)

type options struct {
	owner   int
	group   int
	mtu     int
	address netip.Prefix
}

func defaultOptions() *options {
	return &options{
		owner: DefaultOwner,
		group: DefaultOwner,
		mtu:   DefaultMTU,
	}
}

// WithOwner sets the uid and gid owning the device.
func WithOwner(uid, gid int) Option {
	return func(o *options) {
		o.owner = uid
		o.group = gid
	}
}

// WithMTU sets the interface MTU.
func WithMTU(mtu int) Option {
	return func(o *options) {
		o.mtu = mtu
	}
}

// WithAddress assigns addr (e.g 125.100.1.1/24) to the interface.
func WithAddress(addr netip.Prefix) Option {
	return func(o *options) {
		o.address = addr
	}
}

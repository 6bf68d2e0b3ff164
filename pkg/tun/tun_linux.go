//go:build linux

package tun

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/longg-net/longg/pkg/errdefs"
)

var _ Device = (*LinuxDevice)(nil)

// LinuxDevice is a non-persistent TUN interface opened with IFF_TUN|IFF_NO_PI.
type LinuxDevice struct {
	name    string
	address netip.Prefix

	readMu  sync.Mutex
	writeMu sync.Mutex
	file    *os.File

	closeOnce sync.Once
	closeErr  error
}

// Create opens /dev/net/tun, attaches it to the interface called name and
// brings the link up with the configured address and MTU.
func Create(name string, opts ...Option) (Device, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open /dev/net/tun: %w", errdefs.ErrIO, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: invalid interface name %q: %w", errdefs.ErrConfig, name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: TUNSETIFF: %w", errdefs.ErrIO, err)
	}

	for _, ctl := range []struct {
		req uint
		val int
		op  string
	}{
		{unix.TUNSETOWNER, o.owner, "TUNSETOWNER"},
		{unix.TUNSETGROUP, o.group, "TUNSETGROUP"},
		{unix.TUNSETPERSIST, 0, "TUNSETPERSIST"},
	} {
		if err := unix.IoctlSetInt(fd, ctl.req, ctl.val); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: %s: %w", errdefs.ErrIO, ctl.op, err)
		}
	}

	// Non-blocking so reads go through the runtime poller and honor deadlines.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: failed to set non-blocking: %w", errdefs.ErrIO, err)
	}

	d := &LinuxDevice{
		name:    ifr.Name(),
		address: o.address,
		file:    os.NewFile(uintptr(fd), "/dev/net/tun"),
	}
	if err := d.configureLink(o); err != nil {
		_ = d.Close()
		return nil, err
	}

	slog.Info("TUN device created",
		slog.String("name", d.name), slog.String("address", o.address.String()), slog.Int("mtu", o.mtu))

	return d, nil
}

func (d *LinuxDevice) configureLink(o *options) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("%w: failed to get link by name: %w", errdefs.ErrIO, err)
	}
	if err := netlink.LinkSetMTU(link, o.mtu); err != nil {
		return fmt.Errorf("%w: failed to set MTU: %w", errdefs.ErrIO, err)
	}
	if o.address.IsValid() {
		if err := netlink.AddrAdd(link, toNetlinkAddr(o.address)); err != nil {
			return fmt.Errorf("%w: failed to add address %s: %w", errdefs.ErrIO, o.address, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: failed to set link up: %w", errdefs.ErrIO, err)
	}
	return nil
}

func toNetlinkAddr(p netip.Prefix) *netlink.Addr {
	return &netlink.Addr{IPNet: &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}}
}

func (d *LinuxDevice) Name() string {
	return d.name
}

func (d *LinuxDevice) Read(p []byte) (int, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()

	n, err := d.file.Read(p)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return n, fmt.Errorf("%w: tun read: %w", errdefs.ErrIO, err)
	}
	return n, err
}

func (d *LinuxDevice) Write(p []byte) (int, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	n, err := d.file.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: tun write: %w", errdefs.ErrIO, err)
	}
	return n, nil
}

func (d *LinuxDevice) SetReadDeadline(t time.Time) error {
	return d.file.SetReadDeadline(t)
}

// Close removes the interface address, closes the descriptor and deletes the
// link if the kernel has not already done so.
func (d *LinuxDevice) Close() error {
	d.closeOnce.Do(func() {
		link, err := netlink.LinkByName(d.name)
		if err == nil && d.address.IsValid() {
			if err := netlink.AddrDel(link, toNetlinkAddr(d.address)); err != nil {
				slog.Debug("Failed to remove TUN address", slog.String("name", d.name), slog.Any("error", err))
			}
		}

		if err := d.file.Close(); err != nil {
			d.closeErr = fmt.Errorf("%w: failed to close TUN device: %w", errdefs.ErrIO, err)
		}

		// Non-persistent devices vanish with their last descriptor.
		if link, err := netlink.LinkByName(d.name); err == nil {
			if err := netlink.LinkDel(link); err != nil {
				slog.Warn("Failed to delete TUN link", slog.String("name", d.name), slog.Any("error", err))
			}
		}
		slog.Info("TUN device closed", slog.String("name", d.name))
	})
	return d.closeErr
}

package node_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longg-net/longg/config"
	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/firewall"
	"github.com/longg-net/longg/pkg/link"
	"github.com/longg-net/longg/pkg/node"
	"github.com/longg-net/longg/pkg/radio"
	"github.com/longg-net/longg/pkg/radio/radiotest"
	"github.com/longg-net/longg/pkg/router"
	"github.com/longg-net/longg/pkg/tun"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

type fakeTun struct {
	name    string
	rec     *recorder
	inbound chan []byte
	written chan []byte

	mu        sync.Mutex
	deadline  time.Time
	closeOnce sync.Once
	closed    chan struct{}
}

func (f *fakeTun) Name() string { return f.name }

func (f *fakeTun) Read(p []byte) (int, error) {
	f.mu.Lock()
	deadline := f.deadline
	f.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case d := <-f.inbound:
		return copy(p, d), nil
	case <-f.closed:
		return 0, os.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (f *fakeTun) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, os.ErrClosed
	default:
	}
	f.written <- slices.Clone(p)
	return len(p), nil
}

func (f *fakeTun) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = t
	return nil
}

func (f *fakeTun) Close() error {
	f.closeOnce.Do(func() {
		f.rec.add("tun close")
		close(f.closed)
	})
	return nil
}

type recRadio struct {
	*radiotest.Radio
	name string
	rec  *recorder
}

func (r *recRadio) Close() error {
	r.rec.add("%s close", r.name)
	return r.Radio.Close()
}

type fakeNAT struct {
	rec       *recorder
	enableErr error
}

func (n *fakeNAT) Enable(uplink, tunIface string) error {
	n.rec.add("nat enable %s %s", uplink, tunIface)
	return n.enableErr
}

func (n *fakeNAT) Disable() error {
	n.rec.add("nat disable")
	return nil
}

type harness struct {
	rec      *recorder
	tun      *fakeTun
	router   *router.MockRouter
	nat      *fakeNAT
	registry *prometheus.Registry
	pipeline chan *link.Pipeline
	radioErr map[bool]error
}

func newHarness() *harness {
	rec := &recorder{}
	return &harness{
		rec: rec,
		tun: &fakeTun{
			rec:     rec,
			inbound: make(chan []byte, 64),
			written: make(chan []byte, 64),
			closed:  make(chan struct{}),
		},
		router:   router.NewMockRouter(),
		nat:      &fakeNAT{rec: rec},
		registry: prometheus.NewRegistry(),
		pipeline: make(chan *link.Pipeline, 1),
		radioErr: map[bool]error{},
	}
}

func (h *harness) options(ether *radiotest.Ether) []node.Option {
	return []node.Option{
		node.WithPermissionCheck(func() (bool, error) { return true, nil }),
		node.WithTunFactory(func(name string, _ ...tun.Option) (tun.Device, error) {
			h.rec.add("tun create %s", name)
			h.tun.name = name
			return h.tun, nil
		}),
		node.WithRadioFactory(func(_ context.Context, port config.PortConfig, cfg radio.Config, listen bool) (radio.Radio, error) {
			name := "tx"
			if listen {
				name = "rx"
			}
			if err := h.radioErr[listen]; err != nil {
				return nil, err
			}
			h.rec.add("%s open %s", name, port.CEPin)
			r := ether.NewRadio(cfg.TxAddress, cfg.RxAddress)
			if listen {
				if err := r.SetListen(true); err != nil {
					return nil, err
				}
			}
			return &recRadio{Radio: r, name: name, rec: h.rec}, nil
		}),
		node.WithForwarding(func() (func() error, error) {
			h.rec.add("forwarding enable")
			return func() error {
				h.rec.add("forwarding restore")
				return nil
			}, nil
		}),
		node.WithNATFactory(func(backend string) (firewall.NAT, error) {
			return h.nat, nil
		}),
		node.WithRouterFactory(func(...router.Option) (router.Router, error) {
			h.rec.add("router create")
			return h.router, nil
		}),
		node.WithRegistry(h.registry),
		node.WithOnStart(func(p *link.Pipeline) { h.pipeline <- p }),
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.QueueTimeout = 100 * time.Millisecond
	return cfg
}

type running struct {
	cancel   context.CancelFunc
	done     chan error
	pipeline *link.Pipeline
}

func start(t *testing.T, h *harness, ether *radiotest.Ether, cfg *config.Config, role config.Role) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- node.Run(ctx, cfg, role, h.options(ether)...) }()

	select {
	case r.pipeline = <-h.pipeline:
	case err := <-r.done:
		t.Fatalf("node exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for node to start")
	}
	require.Eventually(t, r.pipeline.Running, time.Second, time.Millisecond)
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for node to stop")
		return nil
	}
}

func expect(t *testing.T, tn *fakeTun, want []byte) {
	t.Helper()
	select {
	case got := <-tn.written:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d-byte datagram", len(want))
	}
}

func datagram(n int, seed byte) []byte {
	d := make([]byte, n)
	for i := range d {
		d[i] = seed + byte(i)
	}
	return d
}

func TestRunBaseAndMobile(t *testing.T) {
	ether := radiotest.NewEther()
	cfg := testConfig()
	cfg.ControlServer = "192.0.2.10"

	base, mobile := newHarness(), newHarness()
	b := start(t, base, ether, cfg, config.RoleBase)
	m := start(t, mobile, ether, cfg, config.RoleMobile)

	up := datagram(1400, 1)
	mobile.tun.inbound <- up
	expect(t, base.tun, up)

	down := datagram(61, 7)
	base.tun.inbound <- down
	expect(t, mobile.tun, down)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(b.pipeline.Stats().DatagramsWritten) == 1 &&
			testutil.ToFloat64(m.pipeline.Stats().DatagramsSent) == 1
	}, 5*time.Second, 10*time.Millisecond)
	n, err := testutil.GatherAndCount(base.registry, "longg_link_datagrams_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	via := netip.MustParseAddr("125.100.1.1")
	for _, dst := range []string{"8.8.8.8/32", "192.0.2.10/32"} {
		gw, ok := mobile.router.Gateway(netip.MustParsePrefix(dst))
		require.True(t, ok, dst)
		assert.Equal(t, via, gw, dst)
	}

	require.NoError(t, m.stop(t))
	require.NoError(t, b.stop(t))

	assert.Equal(t, []string{
		"tun create LongG",
		"rx open GPIO22",
		"tx open GPIO24",
		"forwarding enable",
		"nat enable eth0 LongG",
		"nat disable",
		"forwarding restore",
		"tx close",
		"rx close",
		"tun close",
	}, base.rec.list())
	assert.Equal(t, []string{
		"tun create LongG",
		"rx open GPIO22",
		"tx open GPIO24",
		"router create",
		"tx close",
		"rx close",
		"tun close",
	}, mobile.rec.list())
	assert.True(t, mobile.router.Closed())
}

func TestRunPermissionDenied(t *testing.T) {
	h := newHarness()
	opts := append(h.options(radiotest.NewEther()),
		node.WithPermissionCheck(func() (bool, error) { return false, nil }))

	err := node.Run(context.Background(), testConfig(), config.RoleBase, opts...)
	require.ErrorIs(t, err, errdefs.ErrIO)
	assert.Equal(t, errdefs.ExitHardwareInit, errdefs.ExitCode(err))
	assert.Empty(t, h.rec.list())
}

func TestRunInvalidConfig(t *testing.T) {
	h := newHarness()
	cfg := testConfig()
	cfg.Radio.Channel = 126

	err := node.Run(context.Background(), cfg, config.RoleMobile, h.options(radiotest.NewEther())...)
	require.ErrorIs(t, err, errdefs.ErrConfig)
	assert.Equal(t, errdefs.ExitConfig, errdefs.ExitCode(err))
	assert.Empty(t, h.rec.list())
}

func TestRunRadioInitFailure(t *testing.T) {
	h := newHarness()
	h.radioErr[false] = fmt.Errorf("%w: no response on SPI", errdefs.ErrBus)

	err := node.Run(context.Background(), testConfig(), config.RoleBase, h.options(radiotest.NewEther())...)
	require.ErrorIs(t, err, errdefs.ErrBus)
	assert.Equal(t, errdefs.ExitHardwareInit, errdefs.ExitCode(err))
	assert.Equal(t, []string{
		"tun create LongG",
		"rx open GPIO22",
		"rx close",
		"tun close",
	}, h.rec.list())
}

func TestRunRouteFailure(t *testing.T) {
	ether := radiotest.NewEther()
	h := newHarness()
	h.router.SetAddRouteError(errors.New("network unreachable"))
	r := start(t, h, ether, testConfig(), config.RoleMobile)

	require.NoError(t, r.stop(t))
	assert.Empty(t, h.router.Routes())
	assert.True(t, h.router.Closed())
	assert.Equal(t, "tun close", h.rec.list()[len(h.rec.list())-1])
}

func TestRunNATFailure(t *testing.T) {
	ether := radiotest.NewEther()
	h := newHarness()
	h.nat.enableErr = errors.New("iptables: permission denied")
	r := start(t, h, ether, testConfig(), config.RoleBase)

	require.NoError(t, r.stop(t))
	assert.Equal(t, []string{
		"tun create LongG",
		"rx open GPIO22",
		"tx open GPIO24",
		"forwarding enable",
		"nat enable eth0 LongG",
		"nat disable",
		"forwarding restore",
		"tx close",
		"rx close",
		"tun close",
	}, h.rec.list())
}

func TestRunForwardingFailure(t *testing.T) {
	ether := radiotest.NewEther()
	h := newHarness()
	opts := []node.Option{node.WithForwarding(func() (func() error, error) {
		return nil, errors.New("read-only file system")
	})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- node.Run(ctx, testConfig(), config.RoleBase, append(h.options(ether), opts...)...)
	}()
	p := <-h.pipeline
	require.Eventually(t, p.Running, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.NotContains(t, h.rec.list(), "forwarding restore")
	assert.Contains(t, h.rec.list(), "nat disable")
}

func TestRunLinkFailure(t *testing.T) {
	ether := radiotest.NewEther()
	h := newHarness()
	r := start(t, h, ether, testConfig(), config.RoleBase)

	// Closing the device under the pipeline is unrecoverable.
	require.NoError(t, h.tun.Close())
	select {
	case err := <-r.done:
		require.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop after TUN device went away")
	}
	r.cancel()
}

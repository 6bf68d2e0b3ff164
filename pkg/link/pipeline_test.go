package link

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/radio"
	"github.com/longg-net/longg/pkg/radio/radiotest"
)

// fakeTun stands in for the host side of the TUN device.
type fakeTun struct {
	inbound chan []byte
	written chan []byte

	mu       sync.Mutex
	deadline time.Time
	writeErr error
}

func newFakeTun() *fakeTun {
	return &fakeTun{
		inbound: make(chan []byte, 1024),
		written: make(chan []byte, 1024),
	}
}

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
	case d, ok := <-f.inbound:
		if !ok {
			return 0, os.ErrClosed
		}
		return copy(p, d), nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (f *fakeTun) Write(p []byte) (int, error) {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
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

func (f *fakeTun) expect(t *testing.T, want []byte) {
	t.Helper()
	select {
	case got := <-f.written:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d-byte datagram", len(want))
	}
}

func (f *fakeTun) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case got := <-f.written:
		t.Fatalf("unexpected %d-byte datagram written", len(got))
	case <-time.After(wait):
	}
}

type node struct {
	tun      *fakeTun
	rx, tx   *radiotest.Radio
	pipeline *Pipeline
	done     chan error
}

func startNode(t *testing.T, ether *radiotest.Ether, role int, opts ...Option) *node {
	t.Helper()
	table, err := radio.ParseAddressTable(radio.DefaultAddresses[:])
	require.NoError(t, err)

	n := &node{tun: newFakeTun(), done: make(chan error, 1)}
	n.rx, n.tx = ether.Pair(table, role)
	opts = append([]Option{WithQueueTimeout(100 * time.Millisecond)}, opts...)
	n.pipeline = NewPipeline(n.tun, n.rx, n.tx, opts...)

	go func() { n.done <- n.pipeline.Run(context.Background()) }()
	require.Eventually(t, n.pipeline.Running, time.Second, time.Millisecond)
	t.Cleanup(func() {
		n.pipeline.Stop()
		<-n.done
	})
	return n
}

func datagram(n int, seq byte) []byte {
	d := pattern(n)
	d[0] = seq
	return d
}

func TestPipelineRoleSymmetry(t *testing.T) {
	ether := radiotest.NewEther()
	base := startNode(t, ether, 0)
	mobile := startNode(t, ether, 1)

	up := datagram(84, 0x45)
	mobile.tun.inbound <- up
	base.tun.expect(t, up)

	down := datagram(1500, 0x45)
	base.tun.inbound <- down
	mobile.tun.expect(t, down)
}

func TestPipelineFIFO(t *testing.T) {
	ether := radiotest.NewEther()
	ether.SetInboxSize(100_000)
	base := startNode(t, ether, 0)
	mobile := startNode(t, ether, 1)

	var sent [][]byte
	for i := 0; i < 100; i++ {
		d := datagram(1+(i*37)%200, byte(i))
		sent = append(sent, d)
		mobile.tun.inbound <- d
	}
	for _, d := range sent {
		base.tun.expect(t, d)
	}

	stats := mobile.pipeline.Stats()
	// The last datagram is counted just after it is handed over.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(stats.DatagramsSent) == 100 &&
			testutil.ToFloat64(base.pipeline.Stats().DatagramsWritten) == 100
	}, time.Second, time.Millisecond)
	assert.Equal(t, 100.0, testutil.ToFloat64(stats.DatagramsRead))
	assert.GreaterOrEqual(t, stats.AirtimeQuantile(99), stats.AirtimeQuantile(50))
}

func TestPipelineSkipsEmptyDatagram(t *testing.T) {
	ether := radiotest.NewEther()
	base := startNode(t, ether, 0)

	table, _ := radio.ParseAddressTable(radio.DefaultAddresses[:])
	_, peerTx := ether.Pair(table, 1)

	require.NoError(t, peerTx.Send([]byte{0xFF, 0xFF}))
	require.NoError(t, peerTx.Send([]byte{0xFF, 0xFF, 0x45, 0x00}))

	base.tun.expect(t, []byte{0x45, 0x00})
	base.tun.expectNothing(t, 50*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(base.pipeline.Stats().DatagramsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(base.pipeline.Stats().DatagramsWritten))
}

func TestPipelineLinkLossKeepsSending(t *testing.T) {
	ether := radiotest.NewEther()
	var frames atomic.Int32
	// Frame 2 is the second fragment of the first datagram.
	ether.SetLoss(func(frame []byte) bool {
		return frames.Add(1) == 2
	})
	base := startNode(t, ether, 0)
	mobile := startNode(t, ether, 1)

	lost := datagram(120, 1)
	next := datagram(20, 2)
	mobile.tun.inbound <- lost
	mobile.tun.inbound <- next

	// Fragments 1, 3 and the sentinel still go out: the gap makes the Base
	// drop the datagram and the sentinel resyncs it before the next one.
	base.tun.expect(t, next)
	base.tun.expectNothing(t, 50*time.Millisecond)

	stats := mobile.pipeline.Stats()
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.LinkLosses))
	assert.Equal(t, 4.0, testutil.ToFloat64(stats.FragmentsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(stats.DatagramsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(base.pipeline.Stats().Errors.WithLabelValues("protocol")))
}

func TestPipelineLinkLossBeforeSentinel(t *testing.T) {
	ether := radiotest.NewEther()
	var frames atomic.Int32
	ether.SetLoss(func(frame []byte) bool {
		return frames.Add(1) == 2
	})
	base := startNode(t, ether, 0)
	mobile := startNode(t, ether, 1)

	lost := datagram(90, 1)
	next := datagram(20, 2)
	mobile.tun.inbound <- lost
	mobile.tun.inbound <- next

	// The sentinel closes the damaged datagram, which the IP layer rejects,
	// so the single-fragment datagram after it arrives intact.
	base.tun.expect(t, append(slices.Clone(lost[:30]), lost[60:]...))
	base.tun.expect(t, next)
}

// scriptedRadio fails Sends with errs in turn, then delivers normally.
type scriptedRadio struct {
	*radiotest.Radio
	mu   sync.Mutex
	errs []error
}

func (s *scriptedRadio) Send(frag []byte) error {
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.Radio.Send(frag)
}

func TestPipelineLinkLossResetsBusErrors(t *testing.T) {
	ether := radiotest.NewEther()
	base := startNode(t, ether, 0)

	table, _ := radio.ParseAddressTable(radio.DefaultAddresses[:])
	rx, tx := ether.Pair(table, 1)
	busErr := fmt.Errorf("%w: spi transfer failed", errdefs.ErrBus)
	lossErr := fmt.Errorf("%w: no ack", errdefs.ErrLinkLoss)
	scripted := &scriptedRadio{Radio: tx, errs: []error{busErr, lossErr, busErr, busErr}}

	dev := newFakeTun()
	p := NewPipeline(dev, rx, scripted, WithQueueTimeout(100*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	t.Cleanup(func() {
		p.Stop()
		<-done
	})

	for i := range 4 {
		dev.inbound <- datagram(10, byte(i))
	}
	ok := datagram(10, 9)
	dev.inbound <- ok
	base.tun.expect(t, ok)
	assert.True(t, p.Running())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Stats().LinkLosses))
}

func TestPipelineStopIsBounded(t *testing.T) {
	const timeout = 200 * time.Millisecond

	ether := radiotest.NewEther()
	table, _ := radio.ParseAddressTable(radio.DefaultAddresses[:])
	rx, tx := ether.Pair(table, 0)
	p := NewPipeline(newFakeTun(), rx, tx, WithQueueTimeout(timeout))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	require.Eventually(t, p.Running, time.Second, time.Millisecond)
	time.Sleep(timeout / 2)

	start := time.Now()
	p.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*timeout)
	case <-time.After(2 * timeout):
		t.Fatal("workers did not exit within two queue timeouts")
	}
}

func TestPipelineContextCancel(t *testing.T) {
	ether := radiotest.NewEther()
	table, _ := radio.ParseAddressTable(radio.DefaultAddresses[:])
	rx, tx := ether.Pair(table, 0)
	p := NewPipeline(newFakeTun(), rx, tx, WithQueueTimeout(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, p.Running, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.False(t, p.Running())
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop on cancel")
	}
}

func TestPipelineConsecutiveBusErrors(t *testing.T) {
	ether := radiotest.NewEther()
	table, _ := radio.ParseAddressTable(radio.DefaultAddresses[:])
	rx, tx := ether.Pair(table, 0)
	rx.SetPollError(fmt.Errorf("%w: spi transfer failed", errdefs.ErrBus))

	reg := prometheus.NewRegistry()
	stats := NewStats(reg)
	p := NewPipeline(newFakeTun(), rx, tx, WithQueueTimeout(100*time.Millisecond), WithStats(stats))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, errdefs.ErrBus)
		assert.Equal(t, 3.0, testutil.ToFloat64(stats.Errors.WithLabelValues("bus")))
	case <-time.After(time.Second):
		t.Fatal("pipeline kept running after repeated bus errors")
	}
}

func TestPipelineTransientBusErrors(t *testing.T) {
	ether := radiotest.NewEther()
	base := startNode(t, ether, 0)
	mobile := startNode(t, ether, 1)

	busErr := fmt.Errorf("%w: spi transfer failed", errdefs.ErrBus)
	mobile.tx.SetSendError(busErr)
	mobile.tun.inbound <- datagram(10, 1)
	mobile.tun.inbound <- datagram(10, 2)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(mobile.pipeline.Stats().Errors.WithLabelValues("bus")) == 2
	}, time.Second, time.Millisecond)

	mobile.tx.SetSendError(nil)
	ok := datagram(10, 3)
	mobile.tun.inbound <- ok
	base.tun.expect(t, ok)
	assert.True(t, mobile.pipeline.Running())
}

func TestPipelineTunClosed(t *testing.T) {
	ether := radiotest.NewEther()
	table, _ := radio.ParseAddressTable(radio.DefaultAddresses[:])
	rx, tx := ether.Pair(table, 0)
	dev := newFakeTun()
	p := NewPipeline(dev, rx, tx, WithQueueTimeout(100*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	require.Eventually(t, p.Running, time.Second, time.Millisecond)

	close(dev.inbound)
	select {
	case err := <-done:
		require.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop when the TUN device went away")
	}
}

func TestPipelineTunWriteError(t *testing.T) {
	ether := radiotest.NewEther()
	base := startNode(t, ether, 0)
	mobile := startNode(t, ether, 1)

	base.tun.mu.Lock()
	base.tun.writeErr = fmt.Errorf("%w: tun write: %w", errdefs.ErrIO, errors.New("invalid argument"))
	base.tun.mu.Unlock()

	mobile.tun.inbound <- datagram(20, 1)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(base.pipeline.Stats().Errors.WithLabelValues("io")) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, base.pipeline.Running())
}

// gatedRadio blocks every Send until released.
type gatedRadio struct {
	radiotest.Radio
	gate chan struct{}
}

func (g *gatedRadio) Send([]byte) error {
	<-g.gate
	return nil
}

func TestPipelineOutQueueDropsNewest(t *testing.T) {
	ether := radiotest.NewEther()
	table, _ := radio.ParseAddressTable(radio.DefaultAddresses[:])
	rx, _ := ether.Pair(table, 0)
	tx := &gatedRadio{gate: make(chan struct{})}

	dev := newFakeTun()
	p := NewPipeline(dev, rx, tx, WithQueueSize(2), WithQueueTimeout(100*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	t.Cleanup(func() {
		p.Stop()
		close(tx.gate)
		<-done
	})

	// Park the transmit worker on the first datagram.
	dev.inbound <- datagram(10, 0)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(p.Stats().DatagramsRead) == 1 && p.out.Len() == 0
	}, time.Second, time.Millisecond)

	for i := 1; i < 10; i++ {
		dev.inbound <- datagram(10, byte(i))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(p.Stats().DatagramsRead) == 10
	}, time.Second, time.Millisecond)

	// One datagram is in flight, two are queued, the rest were dropped.
	assert.Equal(t, 7.0, testutil.ToFloat64(p.Stats().QueueDrops.WithLabelValues("out")))
}

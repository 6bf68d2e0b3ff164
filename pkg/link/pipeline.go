package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/queue"
	"github.com/longg-net/longg/pkg/radio"
	"github.com/longg-net/longg/pkg/tun"
)

// TunDevice is the host side of the link. tun.Device satisfies it.
type TunDevice interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	queueSize               int
	queueTimeout            time.Duration
	pollInterval            time.Duration
	reassemblyTimeout       time.Duration
	maxConsecutiveBusErrors int
	mtu                     int
	stats                   *Stats
}

func defaultOptions() *options {
	return &options{
		queueSize:               128,
		queueTimeout:            3 * time.Second,
		pollInterval:            time.Millisecond,
		maxConsecutiveBusErrors: 3,
		mtu:                     MTU,
	}
}

// WithQueueSize bounds both hand-off queues.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// WithQueueTimeout bounds every blocking wait, and with it shutdown latency.
func WithQueueTimeout(d time.Duration) Option {
	return func(o *options) {
		o.queueTimeout = d
	}
}

// WithPollInterval sets how long the receive worker sleeps when the radio is idle.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithReassemblyTimeout discards partial datagrams left idle for d.
func WithReassemblyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.reassemblyTimeout = d
	}
}

// WithMaxConsecutiveBusErrors sets how many bus errors in a row on one
// radio stop the link.
func WithMaxConsecutiveBusErrors(n int) Option {
	return func(o *options) {
		o.maxConsecutiveBusErrors = n
	}
}

// WithMTU sets the largest datagram carried in either direction.
func WithMTU(mtu int) Option {
	return func(o *options) {
		o.mtu = mtu
	}
}

// WithStats records link activity into s.
func WithStats(s *Stats) Option {
	return func(o *options) {
		o.stats = s
	}
}

// Pipeline couples a TUN device to a receive and a transmit radio with four
// workers:
//
//	tun-rx:   TUN  -> out queue
//	radio-tx: out queue -> fragments -> tx radio
//	radio-rx: rx radio -> reassembler -> in queue
//	tun-tx:   in queue -> TUN
//
// The out queue drops the newest datagram when full, the in queue the
// oldest. A Pipeline holds all link state; it is owned by whoever calls Run.
type Pipeline struct {
	tun   TunDevice
	rx    radio.Radio
	tx    radio.Radio
	out   *queue.Queue[[]byte]
	in    *queue.Queue[[]byte]
	reasm *Reassembler
	stats *Stats
	opts  *options

	running  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPipeline returns a stopped pipeline over dev and the two radios.
func NewPipeline(dev TunDevice, rx, tx radio.Radio, opts ...Option) *Pipeline {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.stats == nil {
		o.stats = NewStats(nil)
	}
	return &Pipeline{
		tun:     dev,
		rx:      rx,
		tx:      tx,
		out:     queue.New[[]byte](o.queueSize, queue.DropNewest),
		in:      queue.New[[]byte](o.queueSize, queue.DropOldest),
		reasm:   NewReassembler(WithMaxSize(o.mtu), WithInactivityTimeout(o.reassemblyTimeout)),
		stats:   o.stats,
		opts:    o,
		stopped: make(chan struct{}),
	}
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() *Stats {
	return p.stats
}

// Running reports whether the workers have been told to keep going.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Stop clears the running flag. Workers finish the item in hand and exit
// within two queue timeouts.
func (p *Pipeline) Stop() {
	p.running.Store(false)
	p.stopOnce.Do(func() { close(p.stopped) })
}

// Run starts the workers and blocks until they have all exited. The link
// stops when ctx is cancelled, Stop is called, or a worker hits an
// unrecoverable error, which is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	p.running.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		select {
		case <-gctx.Done():
			p.Stop()
		case <-p.stopped:
		}
	}()

	g.Go(p.worker("tun-rx", func() error { return p.tunRx() }))
	g.Go(p.worker("radio-tx", func() error { return p.radioTx(gctx) }))
	g.Go(p.worker("radio-rx", func() error { return p.radioRx() }))
	g.Go(p.worker("tun-tx", func() error { return p.tunTx(gctx) }))

	err := g.Wait()
	p.Stop()
	p.stats.logAirtime()
	return err
}

func (p *Pipeline) worker(name string, loop func() error) func() error {
	return func() error {
		slog.Info("Link worker state changed", slog.String("worker", name), slog.String("state", "running"))
		err := loop()
		if err == nil {
			slog.Info("Link worker state changed", slog.String("worker", name), slog.String("state", "draining"))
		} else {
			slog.Error("Link worker failed", slog.String("worker", name), slog.Any("error", err))
		}
		slog.Info("Link worker state changed", slog.String("worker", name), slog.String("state", "exited"))
		return err
	}
}

// unrecoverable reports errors meaning the device is gone.
func unrecoverable(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EBADF) ||
		errors.Is(err, syscall.ENODEV)
}

func (p *Pipeline) tunRx() error {
	buf := make([]byte, tun.ReadBufferSize)
	for p.running.Load() {
		if err := p.tun.SetReadDeadline(time.Now().Add(p.opts.queueTimeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			slog.Debug("Failed to set TUN read deadline", slog.Any("error", err))
		}

		n, err := p.tun.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if unrecoverable(err) {
				return fmt.Errorf("tun read: %w", err)
			}
			p.stats.countError(err)
			slog.Warn("TUN read failed", slog.Any("error", err))
			continue
		}
		if n == 0 {
			continue
		}
		if n > p.opts.mtu {
			p.stats.countError(errdefs.ErrIO)
			slog.Warn("Dropping oversized datagram from TUN", slog.Int("len", n), slog.Int("mtu", p.opts.mtu))
			continue
		}

		d := slices.Clone(buf[:n])
		p.stats.DatagramsRead.Inc()
		if p.out.Put(d) {
			p.stats.QueueDrops.WithLabelValues("out").Inc()
			slog.Debug("Out queue full, dropped datagram", describe(d))
		}
	}
	return nil
}

func (p *Pipeline) radioTx(ctx context.Context) error {
	busErrors := 0
	for p.running.Load() {
		d, ok := p.out.Take(ctx, p.opts.queueTimeout)
		if !ok {
			continue
		}

		start := time.Now()
		delivered := true
		for _, f := range Split(d) {
			err := p.tx.Send(f)
			if err == nil {
				busErrors = 0
				p.stats.FragmentsSent.Inc()
				continue
			}

			delivered = false
			switch {
			case errors.Is(err, errdefs.ErrLinkLoss):
				// The chip answered, so the bus is fine. The peer resyncs on
				// the id gap.
				busErrors = 0
				p.stats.LinkLosses.Inc()
				slog.Debug("Fragment lost", slog.Int("id", int(f.ID())), describe(d))
			case errors.Is(err, errdefs.ErrBus):
				busErrors++
				p.stats.countError(err)
				slog.Warn("Radio send failed", slog.Int("consecutive", busErrors), slog.Any("error", err))
				if busErrors >= p.opts.maxConsecutiveBusErrors {
					return fmt.Errorf("tx radio: %d consecutive bus errors: %w", busErrors, err)
				}
			default:
				p.stats.countError(err)
				slog.Warn("Radio send failed", slog.Any("error", err))
			}
		}
		if delivered {
			p.stats.DatagramsSent.Inc()
			p.stats.observeAirtime(time.Since(start))
		}
	}
	return nil
}

func (p *Pipeline) radioRx() error {
	busErrors := 0
	for p.running.Load() {
		frame, err := p.rx.Poll()
		if err != nil {
			p.stats.countError(err)
			if errors.Is(err, errdefs.ErrBus) {
				busErrors++
				slog.Warn("Radio poll failed", slog.Int("consecutive", busErrors), slog.Any("error", err))
				if busErrors >= p.opts.maxConsecutiveBusErrors {
					return fmt.Errorf("rx radio: %d consecutive bus errors: %w", busErrors, err)
				}
			} else {
				slog.Warn("Radio poll failed", slog.Any("error", err))
			}
			time.Sleep(p.opts.pollInterval)
			continue
		}
		busErrors = 0
		if frame == nil {
			time.Sleep(p.opts.pollInterval)
			continue
		}

		p.stats.FragmentsReceived.Inc()
		d, complete, err := p.reasm.Push(Fragment(frame))
		if err != nil {
			p.stats.countError(err)
			slog.Debug("Reassembly discarded data", slog.Any("error", err))
		}
		if !complete {
			continue
		}

		p.stats.DatagramsReceived.Inc()
		if p.in.Put(d) {
			p.stats.QueueDrops.WithLabelValues("in").Inc()
			slog.Debug("In queue full, dropped oldest datagram")
		}
	}
	return nil
}

func (p *Pipeline) tunTx(ctx context.Context) error {
	for p.running.Load() {
		d, ok := p.in.Take(ctx, p.opts.queueTimeout)
		if !ok {
			continue
		}
		if len(d) == 0 {
			continue
		}

		if _, err := p.tun.Write(d); err != nil {
			if unrecoverable(err) {
				return fmt.Errorf("tun write: %w", err)
			}
			p.stats.countError(err)
			slog.Warn("TUN write failed", slog.Any("error", err), describe(d))
			continue
		}
		p.stats.DatagramsWritten.Inc()
	}
	return nil
}

// Package nrf24 drives an nRF24L01+ transceiver over SPI with a CE GPIO line.
package nrf24

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"periph.io/x/conn/v3/gpio"

	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/radio"
)

var _ radio.Radio = (*Device)(nil)

// Conn is a full-duplex SPI connection. periph's spi.Conn satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

// Pin drives the chip enable line. periph's gpio.PinOut satisfies it.
type Pin interface {
	Out(l gpio.Level) error
}

// Option configures a Device.
type Option func(*options)

type options struct {
	closer       io.Closer
	sendTimeout  time.Duration
	initAttempts uint
	initDelay    time.Duration
	listen       bool
}

func defaultOptions() *options {
	return &options{
		sendTimeout:  50 * time.Millisecond,
		initAttempts: 3,
		initDelay:    100 * time.Millisecond,
	}
}

// WithCloser releases c (the SPI port) when the device is closed.
func WithCloser(c io.Closer) Option {
	return func(o *options) {
		o.closer = c
	}
}

// WithSendTimeout bounds how long Send waits for the chip to report the
// outcome of a transmission.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		o.sendTimeout = d
	}
}

// WithInitRetry sets how many times chip initialization is attempted.
func WithInitRetry(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		o.initAttempts = attempts
		o.initDelay = delay
	}
}

// WithListen puts the radio in receive mode once initialized.
func WithListen() Option {
	return func(o *options) {
		o.listen = true
	}
}

// Device is an initialized nRF24L01+.
type Device struct {
	mu          sync.Mutex
	bus         Conn
	ce          Pin
	closer      io.Closer
	cfg         radio.Config
	sendTimeout time.Duration
	config      byte
	receiver    bool
	listening   bool
	closed      bool
}

// New initializes the chip behind bus and ce with cfg. Initialization is
// retried; a chip that never answers yields errdefs.ErrBus.
func New(ctx context.Context, bus Conn, ce Pin, cfg radio.Config, opts ...Option) (*Device, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		bus:         bus,
		ce:          ce,
		closer:      o.closer,
		cfg:         cfg,
		sendTimeout: o.sendTimeout,
		receiver:    o.listen,
	}

	err := retry.Do(
		d.init,
		retry.Context(ctx),
		retry.Attempts(o.initAttempts),
		retry.Delay(o.initDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Radio init failed, retrying", slog.Uint64("attempt", uint64(n+1)), slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, err
	}

	if err := d.SetListen(o.listen); err != nil {
		return nil, err
	}

	slog.Debug("Radio initialized", slog.String("tx", cfg.TxAddress.String()),
		slog.String("rx", cfg.RxAddress.String()), slog.Bool("listen", o.listen))

	return d, nil
}

func (d *Device) init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ce.Out(gpio.Low); err != nil {
		return fmt.Errorf("%w: failed to drive CE: %w", errdefs.ErrBus, err)
	}

	// Probe: the address width register only accepts 2 bits.
	if err := d.writeReg(regSetupAW, setupAW5); err != nil {
		return err
	}
	aw, err := d.readReg(regSetupAW)
	if err != nil {
		return err
	}
	if aw != setupAW5 {
		return fmt.Errorf("%w: radio not responding (SETUP_AW=0x%02x)", errdefs.ErrBus, aw)
	}

	d.config = configEnCRC
	if d.cfg.CRCLength == 2 {
		d.config |= configCRCO
	}
	ard := byte(d.cfg.RetransmitDelay/(250*time.Microsecond)) - 1
	type write struct {
		reg byte
		val []byte
	}
	writes := []write{
		{regConfig, []byte{d.config}},
		{regSetupRetr, []byte{ard<<4 | byte(d.cfg.RetransmitCount)}},
		{regRFSetup, []byte{rfSetup(d.cfg.DataRate, d.cfg.PALevel)}},
		{regRFCh, []byte{byte(d.cfg.Channel)}},
		{regFeature, []byte{featureEnDPL}},
	}
	// A receiver must not answer on its own node's tx address, so it only
	// opens pipe 1. A transmitter only needs pipe 0 for acks.
	if d.receiver {
		writes = append(writes,
			write{regDynPD, []byte{pipe1}},
			write{regEnAA, []byte{pipe1}},
			write{regEnRxAddr, []byte{pipe1}},
			write{regRxAddrP1, d.cfg.RxAddress[:]},
		)
	} else {
		writes = append(writes,
			write{regDynPD, []byte{pipe0}},
			write{regEnAA, []byte{pipe0}},
			write{regEnRxAddr, []byte{pipe0}},
			write{regTxAddr, d.cfg.TxAddress[:]},
			write{regRxAddrP0, d.cfg.TxAddress[:]},
		)
	}
	writes = append(writes, write{regStatus, []byte{statusIRQs}})
	for _, w := range writes {
		if err := d.writeReg(w.reg, w.val...); err != nil {
			return err
		}
	}

	// RF_SETUP is the register most likely to disagree on a clone chip.
	got, err := d.readReg(regRFSetup)
	if err != nil {
		return err
	}
	if want := rfSetup(d.cfg.DataRate, d.cfg.PALevel); got != want {
		return fmt.Errorf("%w: RF_SETUP readback 0x%02x, want 0x%02x", errdefs.ErrBus, got, want)
	}

	if err := d.flush(); err != nil {
		return err
	}

	d.config |= configPwrUp
	if err := d.writeReg(regConfig, d.config); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond) // Tpd2stby

	return nil
}

func rfSetup(rate radio.DataRate, pa int) byte {
	v := byte(rfSetupLNA)
	switch rate {
	case radio.DataRate2Mbps:
		v |= rfSetupDRHigh
	case radio.DataRate250Kbps:
		v |= rfSetupDRLow
	}
	return v | byte((pa+18)/6)<<1
}

func (d *Device) command(cmd byte, data []byte) (byte, []byte, error) {
	w := make([]byte, 1+len(data))
	w[0] = cmd
	copy(w[1:], data)
	r := make([]byte, len(w))
	if err := d.bus.Tx(w, r); err != nil {
		return 0, nil, fmt.Errorf("%w: spi command 0x%02x: %w", errdefs.ErrBus, cmd, err)
	}
	return r[0], r[1:], nil
}

func (d *Device) read(cmd byte, n int) ([]byte, error) {
	nops := make([]byte, n)
	for i := range nops {
		nops[i] = cmdNop
	}
	_, r, err := d.command(cmd, nops)
	return r, err
}

func (d *Device) readReg(reg byte) (byte, error) {
	r, err := d.read(cmdRRegister|reg&registerMask, 1)
	if err != nil {
		return 0, err
	}
	return r[0], nil
}

func (d *Device) writeReg(reg byte, val ...byte) error {
	_, _, err := d.command(cmdWRegister|reg&registerMask, val)
	return err
}

func (d *Device) status() (byte, error) {
	s, _, err := d.command(cmdNop, nil)
	return s, err
}

func (d *Device) flush() error {
	if _, _, err := d.command(cmdFlushTx, nil); err != nil {
		return err
	}
	_, _, err := d.command(cmdFlushRx, nil)
	return err
}

// Send transmits frag and waits for TX_DS or MAX_RT.
func (d *Device) Send(frag []byte) error {
	if len(frag) == 0 || len(frag) > maxPayloadSize {
		return fmt.Errorf("%w: frame of %d bytes does not fit a radio payload", errdefs.ErrProtocol, len(frag))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("%w: radio closed", errdefs.ErrBus)
	}
	if d.listening {
		return fmt.Errorf("%w: send on a listening radio", errdefs.ErrConfig)
	}

	if _, _, err := d.command(cmdWTxPayload, frag); err != nil {
		return err
	}
	// A CE pulse of at least 10µs starts the transmission.
	if err := d.ce.Out(gpio.High); err != nil {
		return fmt.Errorf("%w: failed to drive CE: %w", errdefs.ErrBus, err)
	}
	time.Sleep(15 * time.Microsecond)
	if err := d.ce.Out(gpio.Low); err != nil {
		return fmt.Errorf("%w: failed to drive CE: %w", errdefs.ErrBus, err)
	}

	deadline := time.Now().Add(d.sendTimeout)
	for {
		s, err := d.status()
		if err != nil {
			return err
		}
		switch {
		case s&statusTxDS != 0:
			return d.writeReg(regStatus, statusTxDS)
		case s&statusMaxRT != 0:
			if err := d.writeReg(regStatus, statusMaxRT); err != nil {
				return err
			}
			if _, _, err := d.command(cmdFlushTx, nil); err != nil {
				return err
			}
			return fmt.Errorf("%w: no ack after %d retransmits", errdefs.ErrLinkLoss, d.cfg.RetransmitCount)
		}
		if time.Now().After(deadline) {
			_, _, _ = d.command(cmdFlushTx, nil)
			return fmt.Errorf("%w: transmit did not complete within %s", errdefs.ErrBus, d.sendTimeout)
		}
	}
}

// Poll reads one pending frame using the dynamic payload width.
func (d *Device) Poll() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("%w: radio closed", errdefs.ErrBus)
	}

	fifo, err := d.readReg(regFIFOStatus)
	if err != nil {
		return nil, err
	}
	if fifo&fifoRxEmpty != 0 {
		return nil, nil
	}

	w, err := d.read(cmdRRxPlWid, 1)
	if err != nil {
		return nil, err
	}
	width := int(w[0])
	if width == 0 || width > maxPayloadSize {
		// Corrupt width: the datasheet requires flushing the RX FIFO.
		if _, _, err := d.command(cmdFlushRx, nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: invalid payload width %d", errdefs.ErrBus, width)
	}

	payload, err := d.read(cmdRRxPayload, width)
	if err != nil {
		return nil, err
	}
	if err := d.writeReg(regStatus, statusRxDR); err != nil {
		return nil, err
	}
	return payload, nil
}

// Flush empties both hardware FIFOs.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flush()
}

// SetListen enters (true) or leaves (false) receive mode.
func (d *Device) SetListen(listen bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if listen {
		d.config |= configPrimRx
		if err := d.writeReg(regConfig, d.config); err != nil {
			return err
		}
		if err := d.writeReg(regStatus, statusIRQs); err != nil {
			return err
		}
		if err := d.ce.Out(gpio.High); err != nil {
			return fmt.Errorf("%w: failed to drive CE: %w", errdefs.ErrBus, err)
		}
	} else {
		if err := d.ce.Out(gpio.Low); err != nil {
			return fmt.Errorf("%w: failed to drive CE: %w", errdefs.ErrBus, err)
		}
		d.config &^= configPrimRx
		if err := d.writeReg(regConfig, d.config); err != nil {
			return err
		}
	}
	time.Sleep(130 * time.Microsecond) // Tstby2a
	d.listening = listen
	return nil
}

// Details dumps the configuration registers for debugging.
func (d *Device) Details() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	for _, r := range []struct {
		name string
		reg  byte
	}{
		{"CONFIG", regConfig},
		{"EN_AA", regEnAA},
		{"EN_RXADDR", regEnRxAddr},
		{"SETUP_RETR", regSetupRetr},
		{"RF_CH", regRFCh},
		{"RF_SETUP", regRFSetup},
		{"STATUS", regStatus},
		{"OBSERVE_TX", regObserveTx},
		{"FIFO_STATUS", regFIFOStatus},
		{"DYNPD", regDynPD},
		{"FEATURE", regFeature},
	} {
		v, err := d.readReg(r.reg)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s=0x%02x ", r.name, v)
	}
	for _, r := range []struct {
		name string
		reg  byte
	}{
		{"TX_ADDR", regTxAddr},
		{"RX_ADDR_P0", regRxAddrP0},
		{"RX_ADDR_P1", regRxAddrP1},
	} {
		v, err := d.read(cmdRRegister|r.reg, addressWidth)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s=%q ", r.name, v)
	}
	return strings.TrimSpace(b.String()), nil
}

// Close powers the chip down and releases the SPI port.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if err := d.ce.Out(gpio.Low); err != nil {
		errs = append(errs, err)
	}
	if err := d.writeReg(regConfig, d.config&^configPwrUp); err != nil {
		errs = append(errs, err)
	}
	if d.closer != nil {
		if err := d.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: failed to close radio: %w", errdefs.ErrBus, errors.Join(errs...))
	}
	return nil
}

package nrf24

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/radio"
)

// Port locates a radio on the host: an SPI bus/chip-select pair and the
// GPIO wired to CE.
type Port struct {
	Bus    int
	Device int
	CEPin  string
	Speed  physic.Frequency
}

// SPIName returns the spidev path for the port.
func (p Port) SPIName() string {
	return fmt.Sprintf("/dev/spidev%d.%d", p.Bus, p.Device)
}

// Open initializes the host drivers, connects to the radio on p and
// configures it with cfg.
func Open(ctx context.Context, p Port, cfg radio.Config, opts ...Option) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize host drivers: %w", errdefs.ErrBus, err)
	}

	port, err := spireg.Open(p.SPIName())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", errdefs.ErrBus, p.SPIName(), err)
	}
	speed := p.Speed
	if speed == 0 {
		speed = 8 * physic.MegaHertz
	}
	conn, err := port.Connect(speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", errdefs.ErrBus, p.SPIName(), err)
	}

	ce := gpioreg.ByName(p.CEPin)
	if ce == nil {
		port.Close()
		return nil, fmt.Errorf("%w: unknown CE pin %q", errdefs.ErrConfig, p.CEPin)
	}
	if err := ce.Out(gpio.Low); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: failed to configure CE pin %s: %w", errdefs.ErrBus, p.CEPin, err)
	}

	d, err := New(ctx, conn, ce, cfg, append([]Option{WithCloser(port)}, opts...)...)
	if err != nil {
		port.Close()
		return nil, err
	}
	return d, nil
}

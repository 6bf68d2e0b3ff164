// Package errdefs defines the error kinds shared by every layer of the link.
//
// Errors are classified by wrapping one of the sentinel kinds below and are
// matched with errors.Is:
//
//	return fmt.Errorf("%w: failed to open spi port: %w", errdefs.ErrBus, err)
package errdefs

import "errors"

var (
	// ErrConfig is an invalid netmask, role, address table or radio parameter.
	ErrConfig = errors.New("configuration error")
	// ErrIO is a failed read or write on the TUN device.
	ErrIO = errors.New("i/o error")
	// ErrBus is an SPI or GPIO failure talking to a radio.
	ErrBus = errors.New("bus error")
	// ErrProtocol is a malformed fragment, an id gap or a reassembly overflow.
	ErrProtocol = errors.New("protocol error")
	// ErrLinkLoss is a transmit that exhausted the hardware retry budget.
	ErrLinkLoss = errors.New("link loss")
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitConfig       = 1
	ExitHardwareInit = 2
)

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrBus), errors.Is(err, ErrIO):
		return ExitHardwareInit
	default:
		return ExitConfig
	}
}

// Kind returns the sentinel kind err wraps, or nil if it wraps none.
func Kind(err error) error {
	for _, k := range []error{ErrConfig, ErrIO, ErrBus, ErrProtocol, ErrLinkLoss} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Package radio defines the packet radio endpoint the link sends fragments
// through and the parameters both peers must agree on.
package radio

import (
	"fmt"
	"strings"
	"time"

	"github.com/longg-net/longg/pkg/errdefs"
)

// MaxPayload is the largest frame the radio carries.
const MaxPayload = 32

// Radio is one half-duplex packet radio. A node owns two: one that only
// listens and one that only transmits.
type Radio interface {
	// Send transmits frag and blocks until the hardware reports an ack
	// (nil) or exhausts its retries (errdefs.ErrLinkLoss).
	Send(frag []byte) error
	// Poll returns the next received frame, or nil if none is pending.
	Poll() ([]byte, error)
	// Flush drops the pending contents of both hardware FIFOs.
	Flush() error
	// SetListen switches the radio between receive and transmit mode.
	SetListen(listen bool) error
	Close() error
}

// DataRate is the over-the-air bit rate.
type DataRate int

const (
	DataRate1Mbps DataRate = iota
	DataRate2Mbps
	DataRate250Kbps
)

func (r DataRate) String() string {
	switch r {
	case DataRate1Mbps:
		return "1Mbps"
	case DataRate2Mbps:
		return "2Mbps"
	case DataRate250Kbps:
		return "250kbps"
	}
	return fmt.Sprintf("DataRate(%d)", int(r))
}

// ParseDataRate parses "250kbps", "1Mbps" or "2Mbps" (case-insensitive).
func ParseDataRate(s string) (DataRate, error) {
	switch strings.ToLower(s) {
	case "1mbps":
		return DataRate1Mbps, nil
	case "2mbps":
		return DataRate2Mbps, nil
	case "250kbps":
		return DataRate250Kbps, nil
	}
	return 0, fmt.Errorf("%w: unknown data rate %q", errdefs.ErrConfig, s)
}

// Address is a 5-byte pipe address, written to the chip as given.
type Address [5]byte

// ParseAddress converts a 5-character address such as "1Base".
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != len(a) {
		return a, fmt.Errorf("%w: radio address %q must be %d bytes", errdefs.ErrConfig, s, len(a))
	}
	copy(a[:], s)
	return a, nil
}

func (a Address) String() string {
	return string(a[:])
}

// DefaultAddresses is the address table indexed by node role.
var DefaultAddresses = [2]string{"1Base", "2Node"}

// AddressTable holds one address per role.
type AddressTable [2]Address

// ParseAddressTable parses a two-entry table.
func ParseAddressTable(entries []string) (AddressTable, error) {
	var t AddressTable
	if len(entries) != len(t) {
		return t, fmt.Errorf("%w: address table needs %d entries, got %d", errdefs.ErrConfig, len(t), len(entries))
	}
	for i, e := range entries {
		a, err := ParseAddress(e)
		if err != nil {
			return t, err
		}
		t[i] = a
	}
	if t[0] == t[1] {
		return t, fmt.Errorf("%w: address table entries must differ", errdefs.ErrConfig)
	}
	return t, nil
}

// Bind returns the transmit and receive addresses for role (0 or 1). A node
// transmits on its own entry and listens on its peer's.
func (t AddressTable) Bind(role int) (tx, rx Address) {
	return t[role], t[1-role]
}

// Config is the radio configuration both peers must share, plus the
// addresses bound for this node.
type Config struct {
	// PALevel is the output power in dBm: -18, -12, -6 or 0.
	PALevel int
	// RetransmitDelay is the auto-retransmit delay, 250µs to 4ms in 250µs steps.
	RetransmitDelay time.Duration
	// RetransmitCount is the auto-retransmit count, 0 to 15.
	RetransmitCount int
	DataRate        DataRate
	// CRCLength is the CRC size in bytes, 1 or 2.
	CRCLength int
	// Channel is the RF channel, 0 to 125.
	Channel   int
	TxAddress Address
	RxAddress Address
}

// DefaultConfig returns the parameters used by both nodes unless configured otherwise.
func DefaultConfig() Config {
	return Config{
		PALevel:         -12,
		RetransmitDelay: 500 * time.Microsecond,
		RetransmitCount: 10,
		DataRate:        DataRate2Mbps,
		CRCLength:       2,
		Channel:         76,
	}
}

// Validate checks the configuration fits the hardware's register ranges.
func (c Config) Validate() error {
	switch c.PALevel {
	case -18, -12, -6, 0:
	default:
		return fmt.Errorf("%w: unsupported PA level %d dBm", errdefs.ErrConfig, c.PALevel)
	}
	step := 250 * time.Microsecond
	if c.RetransmitDelay < step || c.RetransmitDelay > 16*step || c.RetransmitDelay%step != 0 {
		return fmt.Errorf("%w: retransmit delay %s not a multiple of 250µs in [250µs, 4ms]", errdefs.ErrConfig, c.RetransmitDelay)
	}
	if c.RetransmitCount < 0 || c.RetransmitCount > 15 {
		return fmt.Errorf("%w: retransmit count %d out of range", errdefs.ErrConfig, c.RetransmitCount)
	}
	if c.CRCLength != 1 && c.CRCLength != 2 {
		return fmt.Errorf("%w: CRC length must be 1 or 2 bytes", errdefs.ErrConfig)
	}
	if c.Channel < 0 || c.Channel > 125 {
		return fmt.Errorf("%w: channel %d out of range", errdefs.ErrConfig, c.Channel)
	}
	if c.TxAddress == c.RxAddress {
		return fmt.Errorf("%w: tx and rx addresses must differ", errdefs.ErrConfig)
	}
	return nil
}

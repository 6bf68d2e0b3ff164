// Package radiotest provides an in-memory radio medium for exercising the
// link without hardware.
package radiotest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/longg-net/longg/pkg/errdefs"
	"github.com/longg-net/longg/pkg/radio"
)

// DefaultInboxSize is how many frames a listening radio buffers before the
// medium stops acknowledging.
const DefaultInboxSize = 256

// Ether connects simulated radios. A frame sent on a radio's tx address is
// acknowledged and delivered iff a listening radio has that address as its
// rx address and its inbox has room.
type Ether struct {
	mu        sync.Mutex
	listeners map[radio.Address]*Radio
	loss      func(frame []byte) bool
	inboxSize int
}

// NewEther returns an empty medium.
func NewEther() *Ether {
	return &Ether{
		listeners: make(map[radio.Address]*Radio),
		inboxSize: DefaultInboxSize,
	}
}

// SetLoss installs fn to decide which frames are lost in the air. A lost
// frame is reported to the sender as a link loss.
func (e *Ether) SetLoss(fn func(frame []byte) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loss = fn
}

// SetInboxSize sets the receive buffer depth for radios created afterwards.
func (e *Ether) SetInboxSize(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inboxSize = n
}

// NewRadio attaches a radio transmitting on tx and listening on rx.
func (e *Ether) NewRadio(tx, rx radio.Address) *Radio {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Radio{ether: e, tx: tx, rx: rx, inboxSize: e.inboxSize}
}

// Pair returns the receive and transmit radios of a node bound to role.
func (e *Ether) Pair(table radio.AddressTable, role int) (rx, tx *Radio) {
	txAddr, rxAddr := table.Bind(role)
	rx = e.NewRadio(txAddr, rxAddr)
	if err := rx.SetListen(true); err != nil {
		panic(err)
	}
	return rx, e.NewRadio(txAddr, rxAddr)
}

func (e *Ether) deliver(to radio.Address, frame []byte) error {
	e.mu.Lock()
	l, ok := e.listeners[to]
	loss := e.loss
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no receiver on %s", errdefs.ErrLinkLoss, to)
	}
	if loss != nil && loss(frame) {
		return fmt.Errorf("%w: frame lost", errdefs.ErrLinkLoss)
	}
	return l.push(frame)
}

func (e *Ether) listen(r *Radio, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.listeners[r.rx] = r
	} else if e.listeners[r.rx] == r {
		delete(e.listeners, r.rx)
	}
}

var _ radio.Radio = (*Radio)(nil)

// Radio is a simulated radio attached to an Ether.
type Radio struct {
	ether     *Ether
	tx, rx    radio.Address
	inboxSize int

	mu        sync.Mutex
	listening bool
	closed    bool
	inbox     [][]byte
	sent      int
	sendErr   error
	pollErr   error
}

// SetSendError makes every Send fail with err until cleared with nil.
func (r *Radio) SetSendError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// SetPollError makes every Poll fail with err until cleared with nil.
func (r *Radio) SetPollError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollErr = err
}

// Sent returns how many frames were acknowledged.
func (r *Radio) Sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func (r *Radio) Send(frag []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: radio closed", errdefs.ErrBus)
	}
	if r.listening {
		r.mu.Unlock()
		return fmt.Errorf("%w: send on a listening radio", errdefs.ErrConfig)
	}
	if r.sendErr != nil {
		err := r.sendErr
		r.mu.Unlock()
		return err
	}
	if len(frag) == 0 || len(frag) > radio.MaxPayload {
		r.mu.Unlock()
		return fmt.Errorf("%w: frame of %d bytes does not fit a radio payload", errdefs.ErrProtocol, len(frag))
	}
	r.mu.Unlock()

	if err := r.ether.deliver(r.tx, slices.Clone(frag)); err != nil {
		return err
	}

	r.mu.Lock()
	r.sent++
	r.mu.Unlock()
	return nil
}

func (r *Radio) push(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.listening || len(r.inbox) >= r.inboxSize {
		return fmt.Errorf("%w: receiver not accepting", errdefs.ErrLinkLoss)
	}
	r.inbox = append(r.inbox, frame)
	return nil
}

func (r *Radio) Poll() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: radio closed", errdefs.ErrBus)
	}
	if r.pollErr != nil {
		return nil, r.pollErr
	}
	if len(r.inbox) == 0 {
		return nil, nil
	}
	frame := r.inbox[0]
	r.inbox = r.inbox[1:]
	return frame, nil
}

func (r *Radio) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox = nil
	return nil
}

func (r *Radio) SetListen(listen bool) error {
	r.mu.Lock()
	r.listening = listen
	r.mu.Unlock()
	r.ether.listen(r, listen)
	return nil
}

func (r *Radio) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.ether.listen(r, false)
	return nil
}

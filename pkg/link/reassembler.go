package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/longg-net/longg/pkg/errdefs"
)

// Reassembler rebuilds datagrams from the fragments of one link direction.
//
// Fragments are expected in order. When a fragment goes missing the partial
// datagram is discarded:
//   - id 1 arriving mid-datagram starts a new datagram;
//   - any other id that does not follow its predecessor puts the reassembler
//     in resync, where fragments are dropped until the next last-fragment
//     marker (or the next id 1);
//   - a datagram growing past the size limit is dropped the same way.
//
// Each discard is reported as an errdefs.ErrProtocol error. Reassembler is
// not safe for concurrent use.
type Reassembler struct {
	buf     []byte
	lastID  uint16
	resync  bool
	maxSize int
	timeout time.Duration
	lastAt  time.Time
	now     func() time.Time
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// WithMaxSize bounds the reassembled datagram size. Defaults to MTU.
func WithMaxSize(n int) ReassemblerOption {
	return func(r *Reassembler) {
		r.maxSize = n
	}
}

// WithInactivityTimeout discards a partial datagram whose previous fragment
// arrived more than d ago. Zero disables the check.
func WithInactivityTimeout(d time.Duration) ReassemblerOption {
	return func(r *Reassembler) {
		r.timeout = d
	}
}

// NewReassembler returns an idle reassembler.
func NewReassembler(opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		maxSize: MTU,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending returns the number of buffered payload bytes.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

func (r *Reassembler) reset() {
	r.buf = nil
	r.lastID = 0
	r.resync = false
}

func (r *Reassembler) discard(format string, args ...any) error {
	err := fmt.Errorf("%w: "+format, append([]any{errdefs.ErrProtocol}, args...)...)
	r.reset()
	return err
}

// Push consumes one fragment. When f completes a datagram it is returned
// with complete set; the datagram may be empty if a lone last-fragment
// marker without payload was received. A non-nil error reports discarded
// data and may accompany a completed datagram.
func (r *Reassembler) Push(f Fragment) (datagram []byte, complete bool, err error) {
	if len(f) < HeaderSize {
		return nil, false, fmt.Errorf("%w: short frame of %d bytes", errdefs.ErrProtocol, len(f))
	}

	if r.timeout > 0 {
		now := r.now()
		if (len(r.buf) > 0 || r.resync) && now.Sub(r.lastAt) > r.timeout {
			err = r.discard("partial datagram of %d bytes timed out", len(r.buf))
		}
		r.lastAt = now
	}

	id := f.ID()
	payload := f.Payload()

	switch {
	case id == LastFragmentID:
		if r.resync {
			r.reset()
			return nil, false, err
		}
		if len(r.buf)+len(payload) > r.maxSize {
			return nil, false, errors.Join(err, r.discard("datagram exceeds %d bytes", r.maxSize))
		}
		datagram = append(r.buf, payload...)
		r.reset()
		return datagram, true, err

	case len(payload) == 0:
		return nil, false, errors.Join(err, fmt.Errorf("%w: fragment %d without payload", errdefs.ErrProtocol, id))

	case id == 1:
		if len(r.buf) > 0 {
			err = errors.Join(err, r.discard("datagram restarted, dropped %d bytes", len(r.buf)))
		}
		r.reset()

	case r.resync:
		return nil, false, err

	case id != r.lastID+1:
		err = errors.Join(err, r.discard("fragment %d after %d", id, r.lastID))
		r.resync = true
		return nil, false, err
	}

	if len(r.buf)+len(payload) > r.maxSize {
		err = errors.Join(err, r.discard("datagram exceeds %d bytes", r.maxSize))
		r.resync = true
		return nil, false, err
	}
	r.buf = append(r.buf, payload...)
	r.lastID = id
	return nil, false, err
}

// Reassemble runs frags through a fresh Reassembler and returns the
// completed datagrams in order, skipping empty ones.
func Reassemble(frags []Fragment) [][]byte {
	r := NewReassembler()
	var out [][]byte
	for _, f := range frags {
		if d, ok, _ := r.Push(f); ok && len(d) > 0 {
			out = append(out, d)
		}
	}
	return out
}

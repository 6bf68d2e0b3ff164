// Package link carries IP datagrams over a pair of small-MTU packet radios.
//
// A datagram is split into fragments of at most FragSize payload bytes, each
// prefixed with a big-endian 16-bit id. Ids count up from 1 and the last
// fragment of every datagram carries LastFragmentID instead, so a
// single-fragment datagram is one frame tagged 0xFFFF.
package link

import "encoding/binary"

const (
	// FragSize is the payload carried by one fragment.
	FragSize = 30
	// HeaderSize is the fragment id prefix.
	HeaderSize = 2
	// LastFragmentID marks the final fragment of a datagram.
	LastFragmentID = 0xFFFF
	// MTU is the largest datagram the link carries.
	MTU = 1500
	// MaxFragments is the most fragments one datagram can be split into.
	MaxFragments = LastFragmentID
)

// Fragment is one wire frame: id followed by payload.
type Fragment []byte

// ID returns the fragment id.
func (f Fragment) ID() uint16 {
	return binary.BigEndian.Uint16(f)
}

// Payload returns the bytes following the id.
func (f Fragment) Payload() []byte {
	return f[HeaderSize:]
}

// IsLast reports whether f terminates its datagram.
func (f Fragment) IsLast() bool {
	return f.ID() == LastFragmentID
}

// FragmentCount returns how many fragments a datagram of n bytes needs.
func FragmentCount(n int) int {
	return (n + FragSize - 1) / FragSize
}

// Split cuts d into its ordered fragments. An empty datagram yields no
// fragments, as does one too long to number (more than MaxFragments).
// All fragments share one backing allocation.
func Split(d []byte) []Fragment {
	n := FragmentCount(len(d))
	if n == 0 || n > MaxFragments {
		return nil
	}

	buf := make([]byte, len(d)+n*HeaderSize)
	frags := make([]Fragment, 0, n)
	for id := 1; len(d) > 0; id++ {
		size := min(len(d), FragSize)
		tag := uint16(id)
		if size == len(d) {
			tag = LastFragmentID
		}

		end := HeaderSize + size
		f := Fragment(buf[:end:end])
		binary.BigEndian.PutUint16(f, tag)
		copy(f[HeaderSize:], d[:size])
		frags = append(frags, f)

		buf = buf[end:]
		d = d[size:]
	}
	return frags
}

// Package frame implements the fragment codec shared by both roles: a
// logical message is split into MTU-sized fragments on write and
// reassembled per sender on read. The codec is pure; the Assembler holds
// the per-sender reassembly state.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fragment header: packetId (2, big-endian),
	// fragmentIndex (1), fragmentCount (1).
	HeaderSize = 4

	// MinMTU is the smallest MTU the codec accepts: header plus at least
	// one payload byte.
	MinMTU = HeaderSize + 1

	// MaxFragments is the most fragments one packet can carry (index and
	// count are single bytes).
	MaxFragments = 255
)

var (
	// ErrMalformedFragment means the header fields are inconsistent
	// (short data, zero count, or index >= count). The fragment is
	// dropped; any open buffer is left as-is.
	ErrMalformedFragment = errors.New("malformed fragment")

	// ErrCountMismatch means a fragment's count disagrees with an
	// already-open buffer for the same packetId. The fragment is
	// dropped; the buffer is left as-is.
	ErrCountMismatch = fmt.Errorf("%w: count mismatch", ErrMalformedFragment)

	// ErrPayloadTooLarge means the payload needs more than MaxFragments
	// fragments at the given MTU.
	ErrPayloadTooLarge = errors.New("payload too large for fragment count")
)

// Fragment is the wire unit. All fragments of one packet carry the same
// PacketID and Count; Index orders them.
type Fragment struct {
	PacketID uint16
	Index    uint8
	Count    uint8
	Payload  []byte
}

// Marshal encodes the fragment as header + payload.
func (f *Fragment) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], f.PacketID)
	buf[2] = f.Index
	buf[3] = f.Count
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Unmarshal parses a fragment and validates its header.
func Unmarshal(data []byte) (*Fragment, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFragment, len(data), HeaderSize)
	}

	f := &Fragment{
		PacketID: binary.BigEndian.Uint16(data[0:2]),
		Index:    data[2],
		Count:    data[3],
		Payload:  data[HeaderSize:],
	}

	if f.Count == 0 {
		return nil, fmt.Errorf("%w: zero fragment count", ErrMalformedFragment)
	}
	if f.Index >= f.Count {
		return nil, fmt.Errorf("%w: index %d >= count %d", ErrMalformedFragment, f.Index, f.Count)
	}
	return f, nil
}

// Split chunks a payload into fragments sized to the given MTU, in index
// order. An empty payload still produces exactly one fragment with an
// empty body so empty logical messages are representable.
func Split(payload []byte, mtu int, packetID uint16) ([]*Fragment, error) {
	if mtu < MinMTU {
		return nil, fmt.Errorf("mtu %d below minimum %d", mtu, MinMTU)
	}

	chunkSize := mtu - HeaderSize
	count := (len(payload) + chunkSize - 1) / chunkSize
	if count == 0 {
		count = 1
	}
	if count > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments at mtu %d", ErrPayloadTooLarge, len(payload), count, mtu)
	}

	fragments := make([]*Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, &Fragment{
			PacketID: packetID,
			Index:    uint8(i),
			Count:    uint8(count),
			Payload:  payload[start:end],
		})
	}
	return fragments, nil
}

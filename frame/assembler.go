package frame

import (
	"fmt"
	"sync"
	"time"
)

// bufferKey identifies one in-flight packet: reassembly is keyed by
// (sender, packetId), not by arrival order, so interleaved packets from
// the same sender are tracked independently.
type bufferKey struct {
	sender   string
	packetID uint16
}

type reassemblyBuffer struct {
	count     uint8
	parts     map[uint8][]byte
	createdAt time.Time
}

// Assembler reassembles fragments back into logical messages, per sender.
// One Assembler is owned by each connection manager; all calls come from
// that manager's serialized event loop, but the Assembler locks anyway so
// GC can run from a timer.
type Assembler struct {
	mu      sync.Mutex
	buffers map[bufferKey]*reassemblyBuffer
}

// NewAssembler creates an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		buffers: make(map[bufferKey]*reassemblyBuffer),
	}
}

// Feed inserts one raw fragment from a sender. When the fragment completes
// a packet, the reassembled payload is returned with done=true and the
// buffer is removed. Errors are local to this fragment: the caller logs
// and drops, other senders and other packets are unaffected.
func (a *Assembler) Feed(sender string, raw []byte) (payload []byte, done bool, err error) {
	frag, err := Unmarshal(raw)
	if err != nil {
		return nil, false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := bufferKey{sender: sender, packetID: frag.PacketID}
	buf, exists := a.buffers[key]

	if exists && buf.count != frag.Count {
		// A first fragment restarting an open packetId means the sender's
		// id counter wrapped: the stale buffer is discarded, not delivered.
		// Any other index with a disagreeing count is dropped and the
		// buffer kept.
		if frag.Index == 0 {
			buf = nil
			exists = false
		} else {
			return nil, false, fmt.Errorf("%w: packet %d open with count %d, fragment says %d",
				ErrCountMismatch, frag.PacketID, buf.count, frag.Count)
		}
	}

	if !exists {
		buf = &reassemblyBuffer{
			count:     frag.Count,
			parts:     make(map[uint8][]byte),
			createdAt: time.Now(),
		}
		a.buffers[key] = buf
	}

	// Duplicate index overwrites: last write wins, tolerating
	// at-least-once delivery from the platform.
	part := make([]byte, len(frag.Payload))
	copy(part, frag.Payload)
	buf.parts[frag.Index] = part

	if len(buf.parts) < int(buf.count) {
		return nil, false, nil
	}

	// All slots present: concatenate in index order and hand the caller
	// an owned buffer.
	total := 0
	for _, p := range buf.parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for i := uint8(0); i < buf.count; i++ {
		out = append(out, buf.parts[i]...)
	}
	delete(a.buffers, key)
	return out, true, nil
}

// DropSender discards all in-flight buffers for a sender. Called on peer
// disconnect so pre-disconnect fragments can never complete a packet.
func (a *Assembler) DropSender(sender string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for key := range a.buffers {
		if key.sender == sender {
			delete(a.buffers, key)
			dropped++
		}
	}
	return dropped
}

// GC discards buffers older than maxAge and returns how many were
// evicted. Prevents unbounded growth from a peer that stops sending
// mid-packet.
func (a *Assembler) GC(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	evicted := 0
	for key, buf := range a.buffers {
		if buf.createdAt.Before(cutoff) {
			delete(a.buffers, key)
			evicted++
		}
	}
	return evicted
}

// Pending returns the number of open reassembly buffers.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

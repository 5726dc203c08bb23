package frame

import "sync"

// Sequencer hands out per-sender packet ids. Ids increase monotonically
// and wrap at 65536; a wrap while an old packet is still reassembling on
// the receiver is an accepted data-loss case given the field width.
type Sequencer struct {
	mu   sync.Mutex
	next uint16
}

// Next returns the next packet id.
func (s *Sequencer) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id
}

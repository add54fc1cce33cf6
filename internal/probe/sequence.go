package probe

// Sequence numbers stay clear of common ephemeral port ranges and never hit zero.
const (
	FirstSequence uint16 = 32768
	LastSequence  uint16 = 60999
)

type sequencer struct {
	next uint16
}

func (s *sequencer) Next() uint16 {
	if s.next < FirstSequence || s.next > LastSequence {
		s.next = FirstSequence
	}
	v := s.next
	s.next++
	return v
}

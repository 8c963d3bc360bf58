package session

// Subscribe returns a channel of session events and an unsubscribe function.
// Slow subscribers miss events rather than block the session. The channel is
// closed when the session closes.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 16)
	if s.status == Closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	unsub := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.mu.Unlock()
	}
	return ch, unsub
}

func (s *Session) emitLocked(t EventType) {
	if len(s.subs) == 0 {
		return
	}
	ev := Event{Type: t, State: s.snapshotLocked()}
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("event channel full", "subscriber", id, "event", string(t))
		}
	}
}

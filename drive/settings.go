package drive

import "sync/atomic"

// ButtonEvent is the event type of a discrete button press.
const ButtonEvent = "BUTTON"

// Event is a discrete command event. Boost is set when the boost button is part of it.
type Event struct {
	Type  string
	Boost bool
}

// Settings holds the operator toggles that shape the mixer output.
type Settings struct {
	boost atomic.Bool
}

// Handle flips boost mode on every button event with the boost button set. Every such event
// toggles, so a held button that repeats its event toggles repeatedly.
func (s *Settings) Handle(e Event) {
	if e.Type != ButtonEvent || !e.Boost {
		return
	}
	for {
		cur := s.boost.Load()
		if s.boost.CompareAndSwap(cur, !cur) {
			return
		}
	}
}

// Boost reports whether boost mode is on.
func (s *Settings) Boost() bool {
	return s.boost.Load()
}

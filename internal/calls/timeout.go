package calls

import (
	"sync"
	"time"
)

// Supervisor owns one single-shot ring timer per RINGING session.
type Supervisor struct {
	mu     sync.Mutex
	timers map[string]*ringTimer
	seq    uint64
	fire   func(sessionID string)
}

type ringTimer struct {
	t   *time.Timer
	gen uint64
}

// NewSupervisor returns a supervisor that calls fire when a timer elapses.
// fire runs on the timer goroutine, outside the supervisor's lock.
func NewSupervisor(fire func(sessionID string)) *Supervisor {
	return &Supervisor{timers: map[string]*ringTimer{}, fire: fire}
}

// Start arms the timer for sessionID, replacing any timer already armed for it.
// A non-positive delay fires immediately on a new goroutine.
func (s *Supervisor) Start(sessionID string, after time.Duration) {
	if after < 0 {
		after = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[sessionID]; ok {
		old.t.Stop()
	}
	s.seq++
	gen := s.seq
	rt := &ringTimer{gen: gen}
	rt.t = time.AfterFunc(after, func() { s.expire(sessionID, gen) })
	s.timers[sessionID] = rt
}

func (s *Supervisor) expire(sessionID string, gen uint64) {
	s.mu.Lock()
	rt, ok := s.timers[sessionID]
	if !ok || rt.gen != gen {
		// stopped or replaced while this callback was already scheduled
		s.mu.Unlock()
		return
	}
	delete(s.timers, sessionID)
	s.mu.Unlock()

	if s.fire != nil {
		s.fire(sessionID)
	}
}

// Stop disarms the timer. It reports whether a timer was armed.
func (s *Supervisor) Stop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.timers[sessionID]
	if !ok {
		return false
	}
	rt.t.Stop()
	delete(s.timers, sessionID)
	return true
}

// Pending returns the number of armed timers.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StopAll disarms every timer; used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.timers {
		rt.t.Stop()
		delete(s.timers, id)
	}
}

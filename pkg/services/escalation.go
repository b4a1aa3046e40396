package services

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Escalation timer states. Exactly one transition out of armed ever wins,
// arbitrated by a compare-and-swap, so a cancellation racing the platform
// timer can never produce a double delivery.
const (
	escalationArmed int32 = iota
	escalationFired
	escalationCancelled
)

type escalationTimer struct {
	state int32 // Accessed only through atomic operations
	timer *time.Timer
}

// EscalationScheduler runs at most one cancellable delayed task per alert.
// The delay is exact (a timer, not a polling loop); firing and cancellation
// are race-tolerant and idempotent.
type EscalationScheduler struct {
	mu     sync.Mutex
	timers map[string]*escalationTimer
}

// NewEscalationScheduler creates an empty scheduler.
func NewEscalationScheduler() *EscalationScheduler {
	return &EscalationScheduler{
		timers: make(map[string]*escalationTimer),
	}
}

// Schedule arms a timer that invokes fire after delay unless cancelled first.
// fire runs on its own goroutine and is called at most once per alert ID.
func (s *EscalationScheduler) Schedule(alertID string, delay time.Duration, fire func()) {
	et := &escalationTimer{}
	et.timer = time.AfterFunc(delay, func() {
		if atomic.CompareAndSwapInt32(&et.state, escalationArmed, escalationFired) {
			fire()
		}
		s.remove(alertID, et)
	})

	s.mu.Lock()
	if prev, ok := s.timers[alertID]; ok {
		// Should not happen with unique alert IDs; keep the newest timer
		logrus.Warnf("Escalation timer for alert %s already armed, replacing", alertID)
		atomic.CompareAndSwapInt32(&prev.state, escalationArmed, escalationCancelled)
		prev.timer.Stop()
	}
	s.timers[alertID] = et
	s.mu.Unlock()
}

// Cancel stops the alert's timer if it has not fired yet. Safe to call
// repeatedly and safe to call after firing; returns true only when this call
// performed the cancellation.
func (s *EscalationScheduler) Cancel(alertID string) bool {
	s.mu.Lock()
	et, ok := s.timers[alertID]
	if ok {
		delete(s.timers, alertID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if atomic.CompareAndSwapInt32(&et.state, escalationArmed, escalationCancelled) {
		et.timer.Stop()
		return true
	}
	return false
}

// Pending returns the number of armed timers.
func (s *EscalationScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every outstanding timer.
func (s *EscalationScheduler) Close() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[string]*escalationTimer)
	s.mu.Unlock()

	for alertID, et := range timers {
		if atomic.CompareAndSwapInt32(&et.state, escalationArmed, escalationCancelled) {
			et.timer.Stop()
			logrus.Debugf("Escalation timer for alert %s cancelled on shutdown", alertID)
		}
	}
}

func (s *EscalationScheduler) remove(alertID string, et *escalationTimer) {
	s.mu.Lock()
	if current, ok := s.timers[alertID]; ok && current == et {
		delete(s.timers, alertID)
	}
	s.mu.Unlock()
}

package control

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Scheduler arms one-shot expiry timers per question context. At most one timer is armed
// per key; scheduling a new one atomically replaces the old. Fired
// callbacks receive the question UID the timer was armed for, so receivers
// can reject a stale firing against current state (compare-and-fire).
type Scheduler struct {
	clock clockwork.Clock

	activeTimers   map[string]*scheduledTimer
	activeTimersMu sync.Mutex
}

type scheduledTimer struct {
	timer       clockwork.Timer
	questionUID string
}

// FireFunc handles an expired timer. questionUID is the question the timer
// was armed for, not necessarily the current one.
type FireFunc func(key, questionUID string)

func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:        clock,
		activeTimers: make(map[string]*scheduledTimer),
	}
}

// Schedule arms a one-shot timer for the context. Any previously armed timer for
// the same key is cancelled first. A non-positive duration fires
// immediately.
func (s *Scheduler) Schedule(ctx context.Context, key, questionUID string, d time.Duration, fire FireFunc) {
	if d <= 0 {
		s.Cancel(key)
		go fire(key, questionUID)
		return
	}

	timer := s.clock.NewTimer(d)
	entry := &scheduledTimer{timer: timer, questionUID: questionUID}
	s.replaceTimer(key, entry)

	go func() {
		select {
		case <-timer.Chan():
			if !s.removeIfCurrent(key, entry) {
				// A newer timer replaced this one between fire and dispatch.
				log.Debug().
					Str("timer_key", key).
					Str("question_uid", questionUID).
					Msg("expiry timer superseded, dropping")
				return
			}
			log.Debug().
				Str("timer_key", key).
				Str("question_uid", questionUID).
				Msg("expiry timer fired")
			fire(key, questionUID)
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			s.removeIfCurrent(key, entry)
			log.Debug().
				Str("timer_key", key).
				Msg("expiry timer cancelled on shutdown")
		}
	}()

	log.Debug().
		Str("timer_key", key).
		Str("question_uid", questionUID).
		Dur("duration", d).
		Msg("armed expiry timer")
}

// Cancel stops and removes the armed timer for a game, if any. Pause and stop
// actions call this so an expiry can never fire for a paused timer.
func (s *Scheduler) Cancel(key string) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if entry, exists := s.activeTimers[key]; exists {
		stopAndDrainTimer(entry.timer)
		delete(s.activeTimers, key)
		log.Debug().Str("timer_key", key).Msg("cancelled expiry timer")
	}
}

// replaceTimer atomically replaces the armed timer for a game, cancelling any
// existing one so two timers can never race for the same key.
func (s *Scheduler) replaceTimer(key string, entry *scheduledTimer) {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	if existing, exists := s.activeTimers[key]; exists {
		stopAndDrainTimer(existing.timer)
	}
	s.activeTimers[key] = entry
}

// removeIfCurrent removes the entry only if it is still the armed timer for
// the game. Returns false when a newer timer replaced it.
func (s *Scheduler) removeIfCurrent(key string, entry *scheduledTimer) bool {
	s.activeTimersMu.Lock()
	defer s.activeTimersMu.Unlock()

	current, exists := s.activeTimers[key]
	if !exists || current != entry {
		return false
	}
	delete(s.activeTimers, key)
	return true
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent
// goroutine leaks, per the time.Timer.Stop documentation pattern.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

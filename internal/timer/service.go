package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mathquest/mathquest/internal/game"
	"github.com/mathquest/mathquest/internal/store"
)

// ErrTimerRunning is returned by SetDuration when the timer is actively
// counting down. Duration edits are only legal while paused or before start.
var ErrTimerRunning = errors.New("timer: cannot edit duration while running")

// Service is the canonical timer store. It owns every mutation of persisted
// timer state; all time math delegates to the arithmetic helpers. All
// read-modify-write sequences go through the KV's per-key compare-and-set, so
// concurrent pause/start calls from multiple replicas cannot corrupt
// TotalPlayTimeMs.
type Service struct {
	kv    store.KV
	clock clockwork.Clock
}

func NewService(kv store.KV, clock clockwork.Clock) *Service {
	return &Service{kv: kv, clock: clock}
}

func (s *Service) nowMs() int64 {
	return s.clock.Now().UnixMilli()
}

// Start creates or resumes the timer for a question context.
//   - practice mode: no-op, returns nil
//   - absent: fresh state in play, startedAt = now
//   - paused: back to play; accumulated play time is already persisted, so
//     only lastStateChange moves
//   - already playing: idempotent, no mutation
func (s *Service) Start(ctx context.Context, accessCode, questionUID string, mode game.Mode, userID string, durationMs int64) (*State, error) {
	if !mode.HasTimer() {
		return nil, nil
	}
	key := mode.TimerKey(accessCode, questionUID, userID)
	now := s.nowMs()

	var result *State
	err := s.kv.Update(ctx, key, func(old []byte, found bool) ([]byte, error) {
		st, err := decodeState(old, found)
		if err != nil {
			return nil, err
		}

		switch {
		case st == nil, st.Status == StatusStop:
			st = &State{
				QuestionUID:     questionUID,
				Status:          StatusPlay,
				StartedAt:       now,
				TotalPlayTimeMs: 0,
				LastStateChange: now,
				DurationMs:      durationMs,
			}
		case st.Status == StatusPause:
			if st.DurationMs <= 0 {
				st.DurationMs = durationMs
			}
			// Rebase accumulated play time on the frozen timeLeftMs so the
			// resume point matches exactly what clients were shown.
			if st.TimeLeftMs != nil && *st.TimeLeftMs >= 0 {
				elapsed := st.DurationMs - *st.TimeLeftMs
				if elapsed < 0 {
					elapsed = 0
				}
				st.TotalPlayTimeMs = elapsed
			}
			st.Status = StatusPlay
			st.LastStateChange = now
			st.TimeLeftMs = nil
		case st.Status == StatusPlay:
			// Idempotent: a second start while playing changes nothing.
			result = st
			return old, nil
		}

		result = st
		return json.Marshal(st)
	})
	if err != nil {
		return nil, fmt.Errorf("start timer %s: %w", key, err)
	}

	log.Info().
		Str("access_code", accessCode).
		Str("question_uid", questionUID).
		Str("mode", string(mode)).
		Int64("duration_ms", durationMs).
		Msg("timer started")
	return result, nil
}

// Pause freezes the timer, folding the elapsed play segment into
// TotalPlayTimeMs and persisting the exact timeLeftMs clients should display.
// Pausing an already paused timer, or a missing one, mutates nothing.
func (s *Service) Pause(ctx context.Context, accessCode, questionUID string, mode game.Mode, userID string) (*State, error) {
	if !mode.HasTimer() {
		return nil, nil
	}
	key := mode.TimerKey(accessCode, questionUID, userID)
	now := s.nowMs()

	var result *State
	err := s.kv.Update(ctx, key, func(old []byte, found bool) ([]byte, error) {
		st, err := decodeState(old, found)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, nil
		}
		if st.Status != StatusPlay {
			result = st
			return old, nil
		}

		st.TotalPlayTimeMs += now - st.LastStateChange
		st.Status = StatusPause
		st.LastStateChange = now
		left := TimeLeft(st.DurationMs, st.TotalPlayTimeMs)
		st.TimeLeftMs = &left

		result = st
		return json.Marshal(st)
	})
	if err != nil {
		return nil, fmt.Errorf("pause timer %s: %w", key, err)
	}
	if result == nil {
		log.Warn().
			Str("access_code", accessCode).
			Str("question_uid", questionUID).
			Msg("no timer found to pause")
		return nil, nil
	}

	log.Info().
		Str("access_code", accessCode).
		Str("question_uid", questionUID).
		Int64("total_play_time_ms", result.TotalPlayTimeMs).
		Msg("timer paused")
	return result, nil
}

// Stop overwrites the record with a canonical stop state: zero time left,
// zero duration. The question context is over regardless of prior status.
func (s *Service) Stop(ctx context.Context, accessCode, questionUID string, mode game.Mode, userID string) (*State, error) {
	if !mode.HasTimer() {
		return nil, nil
	}
	key := mode.TimerKey(accessCode, questionUID, userID)
	now := s.nowMs()
	zero := int64(0)

	st := &State{
		QuestionUID:     questionUID,
		Status:          StatusStop,
		StartedAt:       now,
		TotalPlayTimeMs: 0,
		LastStateChange: now,
		TimeLeftMs:      &zero,
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("stop timer %s: %w", key, err)
	}

	log.Info().
		Str("access_code", accessCode).
		Str("question_uid", questionUID).
		Msg("timer stopped")
	return st, nil
}

// Get returns the raw persisted state, or nil when none exists (or practice
// mode). Absence is an expected transient condition before the first start.
func (s *Service) Get(ctx context.Context, accessCode, questionUID string, mode game.Mode, userID string) (*State, error) {
	if !mode.HasTimer() {
		return nil, nil
	}
	key := mode.TimerKey(accessCode, questionUID, userID)
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get timer %s: %w", key, err)
	}
	return decodeState(raw, found)
}

// Snapshot returns the canonical wire view of the timer, computed fresh
// against now. Returns nil when no timer exists for the context.
// fallbackDurationMs covers records persisted before a duration was known.
func (s *Service) Snapshot(ctx context.Context, accessCode, questionUID string, mode game.Mode, userID string, fallbackDurationMs int64) (*Snapshot, error) {
	st, err := s.Get(ctx, accessCode, questionUID, mode, userID)
	if err != nil || st == nil {
		return nil, err
	}
	snap := st.snapshotAt(s.nowMs(), fallbackDurationMs)
	return &snap, nil
}

// ElapsedMs returns total play time for the context, zero for practice mode
// or when no timer exists.
func (s *Service) ElapsedMs(ctx context.Context, accessCode, questionUID string, mode game.Mode, userID string) (int64, error) {
	st, err := s.Get(ctx, accessCode, questionUID, mode, userID)
	if err != nil || st == nil {
		return 0, err
	}
	return st.ElapsedMs(s.nowMs()), nil
}

// Reset deletes the timer record, e.g. when moving to a new question. No
// timer instance outlives its owning question context.
func (s *Service) Reset(ctx context.Context, accessCode, questionUID string, mode game.Mode, userID string) error {
	if !mode.HasTimer() {
		return nil
	}
	key := mode.TimerKey(accessCode, questionUID, userID)
	if err := s.kv.Del(ctx, key); err != nil {
		return fmt.Errorf("reset timer %s: %w", key, err)
	}
	log.Info().
		Str("access_code", accessCode).
		Str("question_uid", questionUID).
		Msg("timer reset")
	return nil
}

// SetDuration changes the effective duration baseline without mutating
// TotalPlayTimeMs. Legal only while paused or before the timer has started;
// a frozen timeLeftMs is clamped to the new duration.
func (s *Service) SetDuration(ctx context.Context, accessCode, questionUID string, mode game.Mode, userID string, durationMs int64) (*State, error) {
	if !mode.HasTimer() {
		return nil, nil
	}
	key := mode.TimerKey(accessCode, questionUID, userID)
	now := s.nowMs()

	var result *State
	err := s.kv.Update(ctx, key, func(old []byte, found bool) ([]byte, error) {
		st, err := decodeState(old, found)
		if err != nil {
			return nil, err
		}
		if st == nil {
			left := durationMs
			st = &State{
				QuestionUID:     questionUID,
				Status:          StatusPause,
				StartedAt:       now,
				TotalPlayTimeMs: 0,
				LastStateChange: now,
				DurationMs:      durationMs,
				TimeLeftMs:      &left,
			}
			result = st
			return json.Marshal(st)
		}

		switch st.Status {
		case StatusPlay:
			return nil, ErrTimerRunning
		case StatusPause:
			st.DurationMs = durationMs
			if st.TimeLeftMs != nil && *st.TimeLeftMs > durationMs {
				st.TimeLeftMs = &durationMs
			}
		case StatusStop:
			st.DurationMs = durationMs
			st.TimeLeftMs = &durationMs
		}
		result = st
		return json.Marshal(st)
	})
	if err != nil {
		if errors.Is(err, ErrTimerRunning) {
			return nil, ErrTimerRunning
		}
		return nil, fmt.Errorf("set duration %s: %w", key, err)
	}

	log.Info().
		Str("access_code", accessCode).
		Str("question_uid", questionUID).
		Int64("duration_ms", durationMs).
		Msg("timer duration set")
	return result, nil
}

func decodeState(raw []byte, found bool) (*State, error) {
	if !found {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode timer state: %w", err)
	}
	return &st, nil
}

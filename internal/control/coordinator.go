package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mathquest/mathquest/internal/events"
	"github.com/mathquest/mathquest/internal/game"
	"github.com/mathquest/mathquest/internal/questions"
	"github.com/mathquest/mathquest/internal/scoring"
	"github.com/mathquest/mathquest/internal/timer"
)

var (
	// ErrStaleAction marks a control action referencing a question that is
	// no longer current. Rejected, logged, never applied.
	ErrStaleAction = errors.New("control: action references a non-current question")

	ErrGameNotFound  = errors.New("control: game not found")
	ErrInvalidAction = errors.New("control: invalid timer action")
)

// Broadcaster fans canonical payloads out to rooms. Implemented by the
// gateway; the coordinator never talks to sockets directly.
type Broadcaster interface {
	EmitTimerUpdate(event string, payload events.TimerUpdatePayload, rooms ...string)
	Emit(event string, payload interface{}, rooms ...string)
}

// Coordinator is the sole authorized mutator of timer state. Teacher actions
// and scheduled expiries both funnel through it; everything it persists goes
// out through the Broadcaster, and nothing unpersisted is ever broadcast.
type Coordinator struct {
	timers      *timer.Service
	states      *game.StateStore
	questions   questions.Repository
	broadcaster Broadcaster
	scheduler   *Scheduler
	scorer      scoring.Scorer
	clock       clockwork.Clock

	// runCtx bounds the lifetime of scheduled expiry goroutines.
	runCtx context.Context

	// activeFlows guards against starting two auto-progression loops for
	// the same game. Deferred sessions are guarded per participant.
	activeFlows      map[string]bool
	activeFlowsMu    sync.Mutex
	deferredSessions map[string]*deferredSession
	deferredMu       sync.Mutex
}

func NewCoordinator(
	runCtx context.Context,
	timers *timer.Service,
	states *game.StateStore,
	repo questions.Repository,
	broadcaster Broadcaster,
	scheduler *Scheduler,
	scorer scoring.Scorer,
	clock clockwork.Clock,
) *Coordinator {
	return &Coordinator{
		timers:           timers,
		states:           states,
		questions:        repo,
		broadcaster:      broadcaster,
		scheduler:        scheduler,
		scorer:           scorer,
		clock:            clock,
		runCtx:           runCtx,
		activeFlows:      make(map[string]bool),
		deferredSessions: make(map[string]*deferredSession),
	}
}

// HandleTimerAction applies a teacher-issued quiz_timer_action. Teacher
// actions always target the shared/live timer; deferred per-user timers are
// driven only by each participant's own progression.
func (c *Coordinator) HandleTimerAction(ctx context.Context, req events.TimerActionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	st, err := c.states.Get(ctx, req.AccessCode)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: %s", ErrGameNotFound, req.AccessCode)
	}
	if !st.Mode.HasTimer() {
		log.Debug().
			Str("access_code", req.AccessCode).
			Str("mode", string(st.Mode)).
			Msg("timer action ignored for untimed mode")
		return nil
	}

	target := req.QuestionUID
	if target == "" {
		target = st.CurrentQuestionUID()
	}

	switch req.Action {
	case "run":
		return c.runTimer(ctx, st, target)
	case "pause":
		return c.pauseTimer(ctx, st, target)
	case "stop":
		return c.stopTimer(ctx, st, target)
	case "set_duration":
		return c.setDuration(ctx, st, target, req.DurationMs)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidAction, req.Action)
	}
}

func (c *Coordinator) rejectStale(st *game.State, action, target string) error {
	log.Warn().
		Str("access_code", st.AccessCode).
		Str("action", action).
		Str("question_uid", target).
		Str("current_question_uid", st.CurrentQuestionUID()).
		Msg("stale timer action rejected")
	return ErrStaleAction
}

func (c *Coordinator) runTimer(ctx context.Context, st *game.State, target string) error {
	if target != st.CurrentQuestionUID() {
		return c.rejectStale(st, "run", target)
	}

	durationMs, err := c.effectiveDurationMs(ctx, st, target)
	if err != nil {
		return err
	}

	if _, err := c.timers.Start(ctx, st.AccessCode, target, st.Mode, "", durationMs); err != nil {
		return err
	}

	st, err = c.states.Update(ctx, st.AccessCode, func(s *game.State) (*game.State, error) {
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, st.AccessCode)
		}
		if PhaseOf(s.QuestionPhase) == PhasePending {
			s.QuestionPhase = string(PhaseActive)
			s.PhaseStartedAt = c.clock.Now().UnixMilli()
		}
		s.Status = game.StatusActive
		s.AnswersLocked = false
		return s, nil
	})
	if err != nil {
		return err
	}

	snap, err := c.timers.Snapshot(ctx, st.AccessCode, target, st.Mode, "", durationMs)
	if err != nil {
		return err
	}

	c.scheduler.Schedule(c.runCtx, st.AccessCode, target,
		time.Duration(snap.TimeLeftMs)*time.Millisecond, c.onTimerExpired)

	c.broadcastTimer(st, snap)
	return nil
}

func (c *Coordinator) pauseTimer(ctx context.Context, st *game.State, target string) error {
	if target != st.CurrentQuestionUID() {
		return c.rejectStale(st, "pause", target)
	}

	paused, err := c.timers.Pause(ctx, st.AccessCode, target, st.Mode, "")
	if err != nil {
		return err
	}
	if paused == nil {
		log.Debug().
			Str("access_code", st.AccessCode).
			Str("question_uid", target).
			Msg("pause with no timer, nothing to do")
		return nil
	}

	c.scheduler.Cancel(st.AccessCode)

	durationMs, err := c.effectiveDurationMs(ctx, st, target)
	if err != nil {
		return err
	}
	snap, err := c.timers.Snapshot(ctx, st.AccessCode, target, st.Mode, "", durationMs)
	if err != nil {
		return err
	}

	c.broadcastTimer(st, snap)
	return nil
}

func (c *Coordinator) stopTimer(ctx context.Context, st *game.State, target string) error {
	if target != st.CurrentQuestionUID() {
		return c.rejectStale(st, "stop", target)
	}

	// Derived time left at the stop instant, for diagnosis. The outgoing
	// payload still forces zero.
	durationMs, err := c.effectiveDurationMs(ctx, st, target)
	if err != nil {
		return err
	}
	elapsed, err := c.timers.ElapsedMs(ctx, st.AccessCode, target, st.Mode, "")
	if err != nil {
		return err
	}
	log.Info().
		Str("access_code", st.AccessCode).
		Str("question_uid", target).
		Int64("elapsed_ms", elapsed).
		Int64("time_left_at_stop_ms", timer.TimeLeft(durationMs, elapsed)).
		Msg("stopping timer")

	c.scheduler.Cancel(st.AccessCode)

	if _, err := c.timers.Stop(ctx, st.AccessCode, target, st.Mode, ""); err != nil {
		return err
	}

	snap, err := c.timers.Snapshot(ctx, st.AccessCode, target, st.Mode, "", durationMs)
	if err != nil {
		return err
	}
	c.broadcastTimer(st, snap)

	return c.lockAnswers(ctx, st.AccessCode, target)
}

// setDuration edits the duration baseline. Editing the current question is
// legal only while paused or before start; the store enforces that. Editing
// a non-current question records the override and tells the dashboard only,
// since players have nothing visible to update yet.
func (c *Coordinator) setDuration(ctx context.Context, st *game.State, target string, durationMs int64) error {
	if durationMs <= 0 {
		return fmt.Errorf("%w: set_duration requires a positive duration", ErrInvalidAction)
	}

	if _, err := c.timers.SetDuration(ctx, st.AccessCode, target, st.Mode, "", durationMs); err != nil {
		if errors.Is(err, timer.ErrTimerRunning) {
			log.Warn().
				Str("access_code", st.AccessCode).
				Str("question_uid", target).
				Msg("duration edit rejected while timer running")
		}
		return err
	}

	st, err := c.states.Update(ctx, st.AccessCode, func(s *game.State) (*game.State, error) {
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, st.AccessCode)
		}
		if s.QuestionTimeLimits == nil {
			s.QuestionTimeLimits = make(map[string]int64)
		}
		s.QuestionTimeLimits[target] = durationMs
		return s, nil
	})
	if err != nil {
		return err
	}

	snap, err := c.timers.Snapshot(ctx, st.AccessCode, target, st.Mode, "", durationMs)
	if err != nil {
		return err
	}
	payload := timerUpdateFrom(st, snap)

	if target == st.CurrentQuestionUID() && snap.Status != timer.WireStop {
		c.broadcaster.EmitTimerUpdate(events.DashboardTimerUpdated, payload,
			events.DashboardRoom(st.AccessCode))
		c.broadcaster.EmitTimerUpdate(events.TimerSet, payload,
			events.GameRoom(st.AccessCode), events.ProjectionRoom(st.AccessCode))
	} else {
		c.broadcaster.EmitTimerUpdate(events.DashboardTimerUpdated, payload,
			events.DashboardRoom(st.AccessCode))
	}
	return nil
}

// onTimerExpired fires when a question's answer window elapses without a
// manual stop. The armed question may no longer be current by the time this
// runs, so it re-validates before acting.
func (c *Coordinator) onTimerExpired(accessCode, questionUID string) {
	ctx := c.runCtx

	st, err := c.states.Get(ctx, accessCode)
	if err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Msg("expiry check failed to load game state")
		return
	}
	if st == nil || st.CurrentQuestionUID() != questionUID ||
		PhaseOf(st.QuestionPhase) != PhaseActive {
		log.Debug().
			Str("access_code", accessCode).
			Str("question_uid", questionUID).
			Msg("expiry fired for a question that moved on, dropping")
		return
	}

	if _, err := c.timers.Stop(ctx, accessCode, questionUID, st.Mode, ""); err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Msg("failed to stop expired timer")
		return
	}

	snap, err := c.timers.Snapshot(ctx, accessCode, questionUID, st.Mode, "", 0)
	if err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Msg("failed to snapshot expired timer")
		return
	}
	c.broadcastTimer(st, snap)

	if err := c.lockAnswers(ctx, accessCode, questionUID); err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Msg("failed to lock answers after expiry")
	}
}

// lockAnswers runs the active → revealing → feedback transitions: answers
// lock, correct answers go out, and the feedback window is armed.
func (c *Coordinator) lockAnswers(ctx context.Context, accessCode, questionUID string) error {
	st, err := c.states.Update(ctx, accessCode, func(s *game.State) (*game.State, error) {
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, accessCode)
		}
		if s.CurrentQuestionUID() != questionUID {
			return nil, ErrStaleAction
		}
		phase := PhaseOf(s.QuestionPhase)
		if !phase.CanTransitionTo(PhaseRevealing) {
			return nil, ErrStaleAction
		}
		s.AnswersLocked = true
		s.QuestionPhase = string(PhaseRevealing)
		s.PhaseStartedAt = c.clock.Now().UnixMilli()
		return s, nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleAction) {
			log.Debug().
				Str("access_code", accessCode).
				Str("question_uid", questionUID).
				Msg("answers already locked or question moved on")
			return nil
		}
		return err
	}

	if err := c.scorer.LockAnswers(ctx, accessCode, questionUID); err != nil {
		log.Error().Err(err).
			Str("access_code", accessCode).
			Str("question_uid", questionUID).
			Msg("scorer failed to lock answers")
	}

	q, err := c.questions.GetQuestion(ctx, questionUID)
	if err != nil {
		return err
	}

	c.broadcaster.Emit(events.CorrectAnswers, &events.CorrectAnswersPayload{
		QuestionUID:    questionUID,
		CorrectAnswers: q.CorrectAnswers,
	}, events.GameRoom(accessCode), events.ProjectionRoom(accessCode), events.DashboardRoom(accessCode))

	return c.openFeedback(ctx, st, q)
}

// openFeedback transitions revealing → feedback and arms the feedback-window
// expiry that advances the game.
func (c *Coordinator) openFeedback(ctx context.Context, st *game.State, q *questions.Question) error {
	feedbackMs := int64(q.FeedbackWaitSec * 1000)

	st, err := c.states.Update(ctx, st.AccessCode, func(s *game.State) (*game.State, error) {
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, st.AccessCode)
		}
		if !PhaseOf(s.QuestionPhase).CanTransitionTo(PhaseFeedback) {
			return nil, ErrStaleAction
		}
		s.QuestionPhase = string(PhaseFeedback)
		s.PhaseStartedAt = c.clock.Now().UnixMilli()
		return s, nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleAction) {
			return nil
		}
		return err
	}

	if feedbackMs > 0 {
		c.broadcaster.Emit(events.Feedback, &events.FeedbackPayload{
			QuestionUID:          q.UID,
			FeedbackRemainingSec: q.FeedbackWaitSec,
			Explanation:          q.Explanation,
		}, events.GameRoom(st.AccessCode), events.ProjectionRoom(st.AccessCode))
	}

	c.scheduler.Schedule(c.runCtx, st.AccessCode, q.UID,
		time.Duration(feedbackMs)*time.Millisecond, c.onFeedbackExpired)
	return nil
}

func (c *Coordinator) effectiveDurationMs(ctx context.Context, st *game.State, questionUID string) (int64, error) {
	q, err := c.questions.GetQuestion(ctx, questionUID)
	if err != nil {
		return 0, err
	}
	return st.DurationMsFor(questionUID, q.TimeLimitMs()), nil
}

// broadcastTimer sends one canonical snapshot to the dashboard, game and
// projection rooms. Same snapshot everywhere, no per-recipient variants.
func (c *Coordinator) broadcastTimer(st *game.State, snap *timer.Snapshot) {
	payload := timerUpdateFrom(st, snap)
	c.broadcaster.EmitTimerUpdate(events.DashboardTimerUpdated, payload,
		events.DashboardRoom(st.AccessCode))
	c.broadcaster.EmitTimerUpdate(events.GameTimerUpdated, payload,
		events.GameRoom(st.AccessCode), events.ProjectionRoom(st.AccessCode))
}

func timerUpdateFrom(st *game.State, snap *timer.Snapshot) events.TimerUpdatePayload {
	total := len(st.QuestionUIDs)
	if total < 1 {
		total = 1
	}
	return events.TimerUpdatePayload{
		Timer: events.TimerPayload{
			Status:         string(snap.Status),
			QuestionUID:    snap.QuestionUID,
			TimeLeftMs:     snap.TimeLeftMs,
			TimerEndDateMs: snap.TimerEndDateMs,
		},
		QuestionUID:    snap.QuestionUID,
		QuestionIndex:  st.CurrentQuestionIndex,
		TotalQuestions: total,
		AnswersLocked:  st.AnswersLocked,
	}
}

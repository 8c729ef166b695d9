package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mathquest/mathquest/internal/events"
	"github.com/mathquest/mathquest/internal/game"
	"github.com/mathquest/mathquest/internal/questions"
)

var ErrFlowAlreadyRunning = errors.New("control: game flow already running")

// completedStateRetention is how long a finished game's state stays readable
// so that late joiners still get their game_end before teardown.
const completedStateRetention = 10 * time.Minute

// StartGame begins a live run: optional pre-start countdown, then the first
// question. Tournaments auto-progress from there; quiz mode stops after each
// question and waits for the teacher. At most one flow runs per access code.
func (c *Coordinator) StartGame(ctx context.Context, accessCode string, countdownSec int) error {
	c.activeFlowsMu.Lock()
	if c.activeFlows[accessCode] {
		c.activeFlowsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrFlowAlreadyRunning, accessCode)
	}
	c.activeFlows[accessCode] = true
	c.activeFlowsMu.Unlock()

	st, err := c.states.Get(ctx, accessCode)
	if err != nil {
		c.clearFlow(accessCode)
		return err
	}
	if st == nil {
		c.clearFlow(accessCode)
		return fmt.Errorf("%w: %s", ErrGameNotFound, accessCode)
	}
	if len(st.QuestionUIDs) == 0 {
		c.clearFlow(accessCode)
		return fmt.Errorf("control: game %s has no questions", accessCode)
	}

	// Resolve the whole question list up front so the flow cannot strand
	// mid-run on a missing catalogue entry.
	catalogue, err := c.questions.GetQuestions(ctx, st.QuestionUIDs)
	if err != nil {
		c.clearFlow(accessCode)
		return err
	}
	for _, uid := range st.QuestionUIDs {
		if catalogue[uid] == nil {
			c.clearFlow(accessCode)
			return fmt.Errorf("control: game %s references unknown question %s", accessCode, uid)
		}
	}

	log.Info().
		Str("access_code", accessCode).
		Str("mode", string(st.Mode)).
		Int("questions", len(st.QuestionUIDs)).
		Msg("starting game flow")

	go func() {
		if countdownSec > 0 {
			c.runCountdown(accessCode, countdownSec)
		}
		if err := c.advanceToQuestion(c.runCtx, accessCode, 0); err != nil {
			log.Error().Err(err).Str("access_code", accessCode).Msg("failed to start first question")
			c.clearFlow(accessCode)
		}
	}()
	return nil
}

func (c *Coordinator) clearFlow(accessCode string) {
	c.activeFlowsMu.Lock()
	delete(c.activeFlows, accessCode)
	c.activeFlowsMu.Unlock()
}

// runCountdown broadcasts one tick per second before the first question.
// Joiners mid-countdown pick up ticks from their join point forward.
func (c *Coordinator) runCountdown(accessCode string, seconds int) {
	for left := seconds; left > 0; left-- {
		c.broadcaster.Emit(events.CountdownTick, &events.CountdownTickPayload{
			AccessCode:  accessCode,
			SecondsLeft: left,
			ServerTime:  c.clock.Now().UnixMilli(),
		}, events.GameRoom(accessCode), events.ProjectionRoom(accessCode))

		select {
		case <-c.clock.After(time.Second):
		case <-c.runCtx.Done():
			return
		}
	}
}

// advanceToQuestion makes questionIndex the current question, starts its
// timer and broadcasts the question payload. The previous question's timer
// record is deleted; no timer outlives its owning question context.
func (c *Coordinator) advanceToQuestion(ctx context.Context, accessCode string, questionIndex int) error {
	var prevUID string
	st, err := c.states.Update(ctx, accessCode, func(s *game.State) (*game.State, error) {
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, accessCode)
		}
		if questionIndex < 0 || questionIndex >= len(s.QuestionUIDs) {
			return nil, fmt.Errorf("control: question index %d out of range for %s", questionIndex, accessCode)
		}
		prevUID = s.CurrentQuestionUID()
		s.Status = game.StatusActive
		s.CurrentQuestionIndex = questionIndex
		s.AnswersLocked = false
		s.QuestionPhase = string(PhaseActive)
		s.PhaseStartedAt = c.clock.Now().UnixMilli()
		return s, nil
	})
	if err != nil {
		return err
	}

	questionUID := st.CurrentQuestionUID()
	if prevUID != "" && prevUID != questionUID {
		if err := c.timers.Reset(ctx, accessCode, prevUID, st.Mode, ""); err != nil {
			log.Warn().Err(err).
				Str("access_code", accessCode).
				Str("question_uid", prevUID).
				Msg("failed to drop previous question timer")
		}
	}
	// A re-entered question restarts from a clean record, never from
	// leftover pause or stop state.
	if err := c.timers.Reset(ctx, accessCode, questionUID, st.Mode, ""); err != nil {
		return err
	}

	q, err := c.questions.GetQuestion(ctx, questionUID)
	if err != nil {
		return err
	}
	durationMs := st.DurationMsFor(questionUID, q.TimeLimitMs())

	if _, err := c.timers.Start(ctx, accessCode, questionUID, st.Mode, "", durationMs); err != nil {
		return err
	}
	snap, err := c.timers.Snapshot(ctx, accessCode, questionUID, st.Mode, "", durationMs)
	if err != nil {
		return err
	}

	c.scheduler.Schedule(c.runCtx, accessCode, questionUID,
		time.Duration(snap.TimeLeftMs)*time.Millisecond, c.onTimerExpired)

	wireTimer := timerUpdateFrom(st, snap).Timer
	c.emitQuestion(st, q, wireTimer, events.GameRoom(accessCode), events.ProjectionRoom(accessCode))
	c.broadcaster.Emit(events.DashboardQuestionChanged, &events.QuestionPayload{
		QuestionUID:    questionUID,
		QuestionIndex:  st.CurrentQuestionIndex,
		TotalQuestions: len(st.QuestionUIDs),
		Timer:          wireTimer,
	}, events.DashboardRoom(accessCode))
	c.broadcastTimer(st, snap)

	log.Info().
		Str("access_code", accessCode).
		Str("question_uid", questionUID).
		Int("question_index", questionIndex).
		Int64("duration_ms", durationMs).
		Msg("question started")
	return nil
}

func (c *Coordinator) emitQuestion(st *game.State, q *questions.Question, wireTimer events.TimerPayload, rooms ...string) {
	player := q.ToPlayerPayload()
	c.broadcaster.Emit(events.GameQuestion, &events.QuestionPayload{
		QuestionUID:     player.UID,
		Text:            player.Text,
		AnswerOptions:   player.AnswerOptions,
		QuestionIndex:   st.CurrentQuestionIndex,
		TotalQuestions:  len(st.QuestionUIDs),
		TimeLimitMs:     player.TimeLimitMs,
		FeedbackWaitSec: player.FeedbackWaitSec,
		Timer:           wireTimer,
	}, rooms...)
}

// onFeedbackExpired advances to the next question or ends the game when the
// feedback window closes. Quiz mode instead parks and waits for the teacher.
func (c *Coordinator) onFeedbackExpired(accessCode, questionUID string) {
	ctx := c.runCtx

	st, err := c.states.Get(ctx, accessCode)
	if err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Msg("feedback expiry failed to load game state")
		return
	}
	if st == nil || st.CurrentQuestionUID() != questionUID ||
		PhaseOf(st.QuestionPhase) != PhaseFeedback {
		log.Debug().
			Str("access_code", accessCode).
			Str("question_uid", questionUID).
			Msg("feedback expiry fired for a question that moved on, dropping")
		return
	}

	last := st.CurrentQuestionIndex >= len(st.QuestionUIDs)-1
	if last {
		if err := c.EndGame(ctx, accessCode); err != nil {
			log.Error().Err(err).Str("access_code", accessCode).Msg("failed to end game")
		}
		return
	}

	if st.Mode == game.ModeQuiz {
		// Teacher-paced: park in pending until the next set-question action.
		_, err := c.states.Update(ctx, accessCode, func(s *game.State) (*game.State, error) {
			if s == nil {
				return nil, fmt.Errorf("%w: %s", ErrGameNotFound, accessCode)
			}
			s.QuestionPhase = string(PhasePending)
			return s, nil
		})
		if err != nil {
			log.Error().Err(err).Str("access_code", accessCode).Msg("failed to park quiz after feedback")
		}
		return
	}

	if err := c.advanceToQuestion(ctx, accessCode, st.CurrentQuestionIndex+1); err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Msg("failed to advance to next question")
	}
}

// SetQuestion is the teacher's explicit "go to question N" action for
// teacher-paced quizzes.
func (c *Coordinator) SetQuestion(ctx context.Context, accessCode string, questionIndex int) error {
	st, err := c.states.Get(ctx, accessCode)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: %s", ErrGameNotFound, accessCode)
	}
	c.scheduler.Cancel(accessCode)
	return c.advanceToQuestion(ctx, accessCode, questionIndex)
}

// EndGame completes the run and broadcasts game_end to every room.
func (c *Coordinator) EndGame(ctx context.Context, accessCode string) error {
	st, err := c.states.Update(ctx, accessCode, func(s *game.State) (*game.State, error) {
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, accessCode)
		}
		s.Status = game.StatusCompleted
		s.QuestionPhase = string(PhaseCompleted)
		s.EndedAt = c.clock.Now().UnixMilli()
		return s, nil
	})
	if err != nil {
		return err
	}

	c.scheduler.Cancel(accessCode)
	c.clearFlow(accessCode)

	if uid := st.CurrentQuestionUID(); uid != "" {
		if err := c.timers.Reset(ctx, accessCode, uid, st.Mode, ""); err != nil {
			log.Warn().Err(err).
				Str("access_code", accessCode).
				Str("question_uid", uid).
				Msg("failed to drop timer at game end")
		}
	}

	// Late joiners still need the completed state to get their game_end;
	// drop it after the retention window.
	c.scheduler.Schedule(c.runCtx, accessCode+":cleanup", "", completedStateRetention,
		func(_, _ string) {
			if err := c.states.Delete(c.runCtx, accessCode); err != nil {
				log.Error().Err(err).Str("access_code", accessCode).Msg("failed to delete completed game state")
			}
		})

	c.broadcaster.Emit(events.GameEnd, &events.GameEndPayload{
		AccessCode:     accessCode,
		TotalQuestions: len(st.QuestionUIDs),
	}, events.GameRoom(accessCode), events.DashboardRoom(accessCode), events.ProjectionRoom(accessCode))

	log.Info().Str("access_code", accessCode).Msg("game ended")
	return nil
}

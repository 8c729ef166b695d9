package control

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mathquest/mathquest/internal/events"
	"github.com/mathquest/mathquest/internal/game"
)

// deferredSession is one participant's private progression through a
// deferred tournament. The session itself is process-local; the per-user
// timer records live in the shared store, so a reconnect resumes from them.
type deferredSession struct {
	accessCode   string
	userID       string
	index        int
	questionUIDs []string
}

func deferredSessionKey(accessCode, userID string) string {
	return accessCode + ":user:" + userID
}

// StartDeferredSession begins a participant's independent run through a
// deferred tournament. Each participant gets their own timers and their own
// event stream; nothing they do is visible to anybody else.
func (c *Coordinator) StartDeferredSession(ctx context.Context, accessCode, userID string) error {
	st, err := c.states.Get(ctx, accessCode)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: %s", ErrGameNotFound, accessCode)
	}
	if st.Mode != game.ModeDeferredTournament {
		return fmt.Errorf("control: game %s is not in deferred mode", accessCode)
	}
	if len(st.QuestionUIDs) == 0 {
		return fmt.Errorf("control: game %s has no questions", accessCode)
	}

	key := deferredSessionKey(accessCode, userID)
	c.deferredMu.Lock()
	if _, exists := c.deferredSessions[key]; exists {
		c.deferredMu.Unlock()
		return fmt.Errorf("%w: deferred session %s", ErrFlowAlreadyRunning, key)
	}
	sess := &deferredSession{
		accessCode:   accessCode,
		userID:       userID,
		questionUIDs: append([]string(nil), st.QuestionUIDs...),
	}
	c.deferredSessions[key] = sess
	c.deferredMu.Unlock()

	log.Info().
		Str("access_code", accessCode).
		Str("user_id", userID).
		Int("questions", len(sess.questionUIDs)).
		Msg("starting deferred session")

	return c.startDeferredQuestion(ctx, sess, 0)
}

// EndDeferredSession tears down a participant's session, e.g. on disconnect.
// Timer records stay in the store so the participant can resume.
func (c *Coordinator) EndDeferredSession(accessCode, userID string) {
	key := deferredSessionKey(accessCode, userID)
	c.deferredMu.Lock()
	delete(c.deferredSessions, key)
	c.deferredMu.Unlock()
	c.scheduler.Cancel(key)
}

func (c *Coordinator) startDeferredQuestion(ctx context.Context, sess *deferredSession, index int) error {
	if index >= len(sess.questionUIDs) {
		return c.endDeferredSession(ctx, sess)
	}
	sess.index = index
	questionUID := sess.questionUIDs[index]
	mode := game.ModeDeferredTournament

	// The finished question's timer record has no further use; the current
	// question's record is kept so a reconnect resumes mid-countdown.
	if index > 0 {
		prevUID := sess.questionUIDs[index-1]
		if err := c.timers.Reset(ctx, sess.accessCode, prevUID, mode, sess.userID); err != nil {
			log.Warn().Err(err).
				Str("user_id", sess.userID).
				Str("question_uid", prevUID).
				Msg("failed to drop previous deferred timer")
		}
	}

	q, err := c.questions.GetQuestion(ctx, questionUID)
	if err != nil {
		return err
	}
	durationMs := q.TimeLimitMs()

	if err := c.states.MarkQuestionStart(ctx, sess.accessCode, questionUID, sess.userID, c.clock.Now().UnixMilli()); err != nil {
		return err
	}
	if _, err := c.timers.Start(ctx, sess.accessCode, questionUID, mode, sess.userID, durationMs); err != nil {
		return err
	}
	snap, err := c.timers.Snapshot(ctx, sess.accessCode, questionUID, mode, sess.userID, durationMs)
	if err != nil {
		return err
	}

	room := events.PlayerRoom(sess.accessCode, sess.userID)
	player := q.ToPlayerPayload()
	c.broadcaster.Emit(events.GameQuestion, &events.QuestionPayload{
		QuestionUID:     player.UID,
		Text:            player.Text,
		AnswerOptions:   player.AnswerOptions,
		QuestionIndex:   index,
		TotalQuestions:  len(sess.questionUIDs),
		TimeLimitMs:     player.TimeLimitMs,
		FeedbackWaitSec: player.FeedbackWaitSec,
		Timer: events.TimerPayload{
			Status:         string(snap.Status),
			QuestionUID:    snap.QuestionUID,
			TimeLeftMs:     snap.TimeLeftMs,
			TimerEndDateMs: snap.TimerEndDateMs,
		},
	}, room)

	sessKey := deferredSessionKey(sess.accessCode, sess.userID)
	c.scheduler.Schedule(c.runCtx, sessKey, questionUID,
		time.Duration(snap.TimeLeftMs)*time.Millisecond,
		func(_, firedUID string) { c.onDeferredExpired(sess, firedUID) })

	log.Debug().
		Str("access_code", sess.accessCode).
		Str("user_id", sess.userID).
		Str("question_uid", questionUID).
		Msg("deferred question started")
	return nil
}

// onDeferredExpired closes the participant's answer window: reveal, private
// feedback window, then the next question.
func (c *Coordinator) onDeferredExpired(sess *deferredSession, questionUID string) {
	ctx := c.runCtx

	if sess.index >= len(sess.questionUIDs) || sess.questionUIDs[sess.index] != questionUID {
		log.Debug().
			Str("access_code", sess.accessCode).
			Str("user_id", sess.userID).
			Str("question_uid", questionUID).
			Msg("deferred expiry fired for a question that moved on, dropping")
		return
	}

	mode := game.ModeDeferredTournament
	if _, err := c.timers.Stop(ctx, sess.accessCode, questionUID, mode, sess.userID); err != nil {
		log.Error().Err(err).Str("user_id", sess.userID).Msg("failed to stop deferred timer")
		return
	}

	q, err := c.questions.GetQuestion(ctx, questionUID)
	if err != nil {
		log.Error().Err(err).Str("question_uid", questionUID).Msg("failed to load question for deferred reveal")
		return
	}

	room := events.PlayerRoom(sess.accessCode, sess.userID)
	c.broadcaster.Emit(events.CorrectAnswers, &events.CorrectAnswersPayload{
		QuestionUID:    questionUID,
		CorrectAnswers: q.CorrectAnswers,
	}, room)

	feedbackMs := int64(q.FeedbackWaitSec * 1000)
	if feedbackMs > 0 {
		c.broadcaster.Emit(events.Feedback, &events.FeedbackPayload{
			QuestionUID:          questionUID,
			FeedbackRemainingSec: q.FeedbackWaitSec,
			Explanation:          q.Explanation,
		}, room)
	}

	sessKey := deferredSessionKey(sess.accessCode, sess.userID)
	c.scheduler.Schedule(c.runCtx, sessKey, questionUID,
		time.Duration(feedbackMs)*time.Millisecond,
		func(_, firedUID string) {
			if err := c.startDeferredQuestion(ctx, sess, sess.index+1); err != nil {
				log.Error().Err(err).
					Str("user_id", sess.userID).
					Msg("failed to advance deferred session")
			}
		})
}

func (c *Coordinator) endDeferredSession(ctx context.Context, sess *deferredSession) error {
	c.EndDeferredSession(sess.accessCode, sess.userID)

	if n := len(sess.questionUIDs); n > 0 {
		last := sess.questionUIDs[n-1]
		if err := c.timers.Reset(ctx, sess.accessCode, last, game.ModeDeferredTournament, sess.userID); err != nil {
			log.Warn().Err(err).
				Str("user_id", sess.userID).
				Str("question_uid", last).
				Msg("failed to drop final deferred timer")
		}
	}

	c.broadcaster.Emit(events.GameEnd, &events.GameEndPayload{
		AccessCode:     sess.accessCode,
		TotalQuestions: len(sess.questionUIDs),
	}, events.PlayerRoom(sess.accessCode, sess.userID))

	log.Info().
		Str("access_code", sess.accessCode).
		Str("user_id", sess.userID).
		Msg("deferred session completed")
	return nil
}

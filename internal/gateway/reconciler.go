package gateway

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/mathquest/mathquest/internal/control"
	"github.com/mathquest/mathquest/internal/events"
	"github.com/mathquest/mathquest/internal/game"
	"github.com/mathquest/mathquest/internal/questions"
	"github.com/mathquest/mathquest/internal/timer"
)

// Reconciler computes what a participant joining mid-question must
// immediately receive so their client never shows a stale or default timer.
type Reconciler struct {
	timers    *timer.Service
	states    *game.StateStore
	questions questions.Repository
	clock     clockwork.Clock
}

func NewReconciler(timers *timer.Service, states *game.StateStore, repo questions.Repository, clock clockwork.Clock) *Reconciler {
	return &Reconciler{timers: timers, states: states, questions: repo, clock: clock}
}

// JoinSync is everything a late joiner gets on connect, in order: the join
// ack, the current question (players), the timer, then any reveal/feedback
// events whose broadcasts they structurally missed.
type JoinSync struct {
	Joined         events.GameJoinedPayload
	Question       *events.QuestionPayload
	TimerUpdate    *events.TimerUpdatePayload
	CorrectAnswers *events.CorrectAnswersPayload
	Feedback       *events.FeedbackPayload
	GameEnd        *events.GameEndPayload
}

// Sync builds the catch-up view for one participant. userID selects the
// per-user timer in deferred mode and is ignored for shared timers.
func (r *Reconciler) Sync(ctx context.Context, accessCode, userID string) (*JoinSync, error) {
	st, err := r.states.Get(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("game %s not found", accessCode)
	}

	total := len(st.QuestionUIDs)
	if total < 1 {
		total = 1
	}
	sync := &JoinSync{
		Joined: events.GameJoinedPayload{
			AccessCode:     accessCode,
			GameStatus:     string(st.Status),
			Mode:           string(st.Mode),
			QuestionIndex:  st.CurrentQuestionIndex,
			TotalQuestions: total,
		},
	}

	if st.Status == game.StatusCompleted {
		sync.GameEnd = &events.GameEndPayload{
			AccessCode:     accessCode,
			TotalQuestions: len(st.QuestionUIDs),
		}
		return sync, nil
	}

	questionUID := st.CurrentQuestionUID()
	if questionUID == "" || !st.Mode.HasTimer() {
		// Nothing has started yet; a joiner during the pre-start countdown
		// just picks up ticks from here forward.
		return sync, nil
	}

	q, err := r.questions.GetQuestion(ctx, questionUID)
	if err != nil {
		return nil, err
	}
	durationMs := st.DurationMsFor(questionUID, q.TimeLimitMs())

	timerUserID := ""
	if !st.Mode.SharedTimer() {
		timerUserID = userID
	}

	snap, err := r.timers.Snapshot(ctx, accessCode, questionUID, st.Mode, timerUserID, durationMs)
	if err != nil {
		return nil, err
	}

	wireTimer := events.TimerPayload{QuestionUID: questionUID}
	if snap == nil {
		// The question exists but its timer has not started.
		wireTimer.Status = events.WireStatusStop
		wireTimer.TimeLeftMs = durationMs
	} else {
		wireTimer.Status = string(snap.Status)
		wireTimer.TimeLeftMs = snap.TimeLeftMs
		wireTimer.TimerEndDateMs = snap.TimerEndDateMs
	}

	player := q.ToPlayerPayload()
	sync.Question = &events.QuestionPayload{
		QuestionUID:     player.UID,
		Text:            player.Text,
		AnswerOptions:   player.AnswerOptions,
		QuestionIndex:   st.CurrentQuestionIndex,
		TotalQuestions:  len(st.QuestionUIDs),
		TimeLimitMs:     player.TimeLimitMs,
		FeedbackWaitSec: player.FeedbackWaitSec,
		Timer:           wireTimer,
	}
	sync.TimerUpdate = &events.TimerUpdatePayload{
		Timer:          wireTimer,
		QuestionUID:    questionUID,
		QuestionIndex:  st.CurrentQuestionIndex,
		TotalQuestions: total,
		AnswersLocked:  st.AnswersLocked,
	}

	timerStopped := snap != nil && wireTimer.Status == events.WireStatusStop
	r.synthesizeMissedEvents(sync, st, q, timerStopped)
	return sync, nil
}

// synthesizeMissedEvents fills in reveal and feedback events the joiner
// should already have received. A joiner must never be silently denied an
// event they structurally should have seen.
func (r *Reconciler) synthesizeMissedEvents(sync *JoinSync, st *game.State, q *questions.Question, timerStopped bool) {
	phase := control.PhaseOf(st.QuestionPhase)

	// A stopped timer against a still-active phase means the answer window
	// elapsed but no replica has processed the expiry yet (the one that
	// armed it may be gone). The timer read already self-healed to stop;
	// the reveal has to be synthesized on the same evidence.
	if phase == control.PhaseActive && timerStopped {
		sync.CorrectAnswers = &events.CorrectAnswersPayload{
			QuestionUID:    q.UID,
			CorrectAnswers: q.CorrectAnswers,
		}
		return
	}

	if phase != control.PhaseRevealing && phase != control.PhaseFeedback {
		return
	}

	sync.CorrectAnswers = &events.CorrectAnswersPayload{
		QuestionUID:    q.UID,
		CorrectAnswers: q.CorrectAnswers,
	}

	if phase != control.PhaseFeedback || q.FeedbackWaitSec <= 0 {
		return
	}

	elapsedMs := r.clock.Now().UnixMilli() - st.PhaseStartedAt
	remainingSec := q.FeedbackWaitSec - float64(elapsedMs)/1000
	if remainingSec < 0 {
		remainingSec = 0
	}
	sync.Feedback = &events.FeedbackPayload{
		QuestionUID:          q.UID,
		FeedbackRemainingSec: remainingSec,
		Explanation:          q.Explanation,
	}
}

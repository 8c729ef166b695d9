package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mathquest/mathquest/internal/control"
	"github.com/mathquest/mathquest/internal/events"
	"github.com/mathquest/mathquest/internal/game"
	"github.com/mathquest/mathquest/internal/questions"
	"github.com/mathquest/mathquest/internal/store"
	"github.com/mathquest/mathquest/internal/timer"
)

func newTestReconciler(t *testing.T, mode game.Mode) (*Reconciler, *timer.Service, *game.StateStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	kv := store.NewMemoryKV()
	states := game.NewStateStore(kv)
	timers := timer.NewService(kv, clock)
	repo := questions.NewMemoryRepository(
		&questions.Question{
			UID:             "q-1",
			Text:            "What is 9 + 6?",
			AnswerOptions:   []string{"14", "15", "16"},
			CorrectAnswers:  []bool{false, true, false},
			Explanation:     "9 + 6 = 15",
			TimeLimitSec:    5,
			FeedbackWaitSec: 5,
		},
	)

	if err := states.Save(context.Background(), &game.State{
		AccessCode:    "CODE1",
		Status:        game.StatusActive,
		Mode:          mode,
		QuestionUIDs:  []string{"q-1"},
		QuestionPhase: string(control.PhaseActive),
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	return NewReconciler(timers, states, repo, clock), timers, states, clock
}

func TestLateJoinerGetsRecomputedTimeLeft(t *testing.T) {
	r, timers, _, clock := newTestReconciler(t, game.ModeQuiz)
	ctx := context.Background()

	// Question starts with 5000ms; a participant joins 3000ms in.
	if _, err := timers.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(3000 * time.Millisecond)

	sync, err := r.Sync(ctx, "CODE1", "alice")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if sync.TimerUpdate == nil {
		t.Fatal("no timer update for mid-question joiner")
	}
	if sync.TimerUpdate.Timer.Status != events.WireStatusRun {
		t.Errorf("status = %s, want run", sync.TimerUpdate.Timer.Status)
	}
	if sync.TimerUpdate.Timer.TimeLeftMs != 2000 {
		t.Errorf("timeLeftMs = %d, want 2000 (not 5000, not 0)", sync.TimerUpdate.Timer.TimeLeftMs)
	}
	if sync.Question == nil || sync.Question.QuestionUID != "q-1" {
		t.Error("joiner must receive the current question")
	}
	// Reveal has not happened; nothing to synthesize.
	if sync.CorrectAnswers != nil || sync.Feedback != nil {
		t.Error("no events should be synthesized mid-question")
	}
}

func TestJoinerAfterExpiryReportsStopWithoutWriting(t *testing.T) {
	r, timers, _, clock := newTestReconciler(t, game.ModeQuiz)
	ctx := context.Background()

	if _, err := timers.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(7 * time.Second)

	sync, err := r.Sync(ctx, "CODE1", "alice")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if sync.TimerUpdate.Timer.Status != events.WireStatusStop {
		t.Errorf("status = %s, want self-healed stop", sync.TimerUpdate.Timer.Status)
	}
	if sync.TimerUpdate.Timer.TimeLeftMs != 0 {
		t.Errorf("timeLeftMs = %d, want 0", sync.TimerUpdate.Timer.TimeLeftMs)
	}

	// The read must not have corrected the store; the backing record still
	// says play until the next authorized mutation.
	raw, err := timers.Get(ctx, "CODE1", "q-1", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if raw.Status != timer.StatusPlay {
		t.Errorf("store status = %s, self-healing reads must not write", raw.Status)
	}

	// Nobody processed this expiry (the phase is still active), so the
	// reveal has to be synthesized from the same self-healed evidence.
	if sync.CorrectAnswers == nil {
		t.Fatal("joiner after an unprocessed expiry must receive correct_answers")
	}
	if len(sync.CorrectAnswers.CorrectAnswers) != 3 || !sync.CorrectAnswers.CorrectAnswers[1] {
		t.Errorf("correct answers = %v", sync.CorrectAnswers.CorrectAnswers)
	}
	if sync.Feedback != nil {
		t.Error("no feedback window ever opened, nothing to synthesize")
	}
}

func TestJoinerBeforeStartGetsPendingTimer(t *testing.T) {
	r, _, _, _ := newTestReconciler(t, game.ModeQuiz)

	sync, err := r.Sync(context.Background(), "CODE1", "alice")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if sync.TimerUpdate.Timer.Status != events.WireStatusStop {
		t.Errorf("status = %s, want stop before start", sync.TimerUpdate.Timer.Status)
	}
	if sync.TimerUpdate.Timer.TimeLeftMs != 5000 {
		t.Errorf("timeLeftMs = %d, want full duration 5000", sync.TimerUpdate.Timer.TimeLeftMs)
	}
}

func TestJoinerDuringFeedbackGetsSynthesizedEvents(t *testing.T) {
	r, timers, states, clock := newTestReconciler(t, game.ModeQuiz)
	ctx := context.Background()

	if _, err := timers.Stop(ctx, "CODE1", "q-1", game.ModeQuiz, ""); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Feedback window opened 2s ago; 5s configured.
	if _, err := states.Update(ctx, "CODE1", func(s *game.State) (*game.State, error) {
		s.AnswersLocked = true
		s.QuestionPhase = string(control.PhaseFeedback)
		s.PhaseStartedAt = clock.Now().UnixMilli()
		return s, nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	clock.Advance(2 * time.Second)

	sync, err := r.Sync(ctx, "CODE1", "alice")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if sync.CorrectAnswers == nil {
		t.Fatal("joiner during feedback must receive synthesized correct_answers")
	}
	if len(sync.CorrectAnswers.CorrectAnswers) != 3 || !sync.CorrectAnswers.CorrectAnswers[1] {
		t.Errorf("correct answers = %v", sync.CorrectAnswers.CorrectAnswers)
	}
	if sync.Feedback == nil {
		t.Fatal("joiner during feedback must receive synthesized feedback")
	}
	if sync.Feedback.FeedbackRemainingSec != 3 {
		t.Errorf("feedback remaining = %v, want 3", sync.Feedback.FeedbackRemainingSec)
	}
	if sync.Feedback.Explanation == "" {
		t.Error("feedback must carry the explanation")
	}
}

func TestJoinerDeferredModeSeesOwnTimerOnly(t *testing.T) {
	r, timers, _, clock := newTestReconciler(t, game.ModeDeferredTournament)
	ctx := context.Background()
	mode := game.ModeDeferredTournament

	if _, err := timers.Start(ctx, "CODE1", "q-1", mode, "alice", 5000); err != nil {
		t.Fatalf("Start alice: %v", err)
	}
	clock.Advance(4 * time.Second)
	if _, err := timers.Start(ctx, "CODE1", "q-1", mode, "bob", 5000); err != nil {
		t.Fatalf("Start bob: %v", err)
	}

	aliceSync, err := r.Sync(ctx, "CODE1", "alice")
	if err != nil {
		t.Fatalf("Sync alice: %v", err)
	}
	bobSync, err := r.Sync(ctx, "CODE1", "bob")
	if err != nil {
		t.Fatalf("Sync bob: %v", err)
	}

	if aliceSync.TimerUpdate.Timer.TimeLeftMs != 1000 {
		t.Errorf("alice timeLeftMs = %d, want 1000", aliceSync.TimerUpdate.Timer.TimeLeftMs)
	}
	if bobSync.TimerUpdate.Timer.TimeLeftMs != 5000 {
		t.Errorf("bob timeLeftMs = %d, want 5000", bobSync.TimerUpdate.Timer.TimeLeftMs)
	}
}

func TestJoinerAfterGameEnd(t *testing.T) {
	r, _, states, _ := newTestReconciler(t, game.ModeQuiz)
	ctx := context.Background()

	if _, err := states.Update(ctx, "CODE1", func(s *game.State) (*game.State, error) {
		s.Status = game.StatusCompleted
		s.QuestionPhase = string(control.PhaseCompleted)
		return s, nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	sync, err := r.Sync(ctx, "CODE1", "alice")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if sync.GameEnd == nil {
		t.Fatal("joiner after completion must receive game_end")
	}
	if sync.TimerUpdate != nil {
		t.Error("no timer update after the game ended")
	}
}

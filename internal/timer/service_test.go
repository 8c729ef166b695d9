package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mathquest/mathquest/internal/game"
	"github.com/mathquest/mathquest/internal/store"
)

// countingKV wraps a KV and counts every operation so tests can prove
// practice mode never touches the store.
type countingKV struct {
	store.KV
	calls int
}

func (c *countingKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.calls++
	return c.KV.Get(ctx, key)
}

func (c *countingKV) Set(ctx context.Context, key string, value []byte) error {
	c.calls++
	return c.KV.Set(ctx, key, value)
}

func (c *countingKV) Del(ctx context.Context, key string) error {
	c.calls++
	return c.KV.Del(ctx, key)
}

func (c *countingKV) Update(ctx context.Context, key string, mutate func([]byte, bool) ([]byte, error)) error {
	c.calls++
	return c.KV.Update(ctx, key, mutate)
}

func newTestService() (*Service, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewService(store.NewMemoryKV(), clock), clock
}

func TestStartCreatesFreshState(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	st, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.Status != StatusPlay {
		t.Errorf("status = %s, want play", st.Status)
	}
	if st.StartedAt != clock.Now().UnixMilli() {
		t.Errorf("startedAt = %d, want %d", st.StartedAt, clock.Now().UnixMilli())
	}
	if st.TotalPlayTimeMs != 0 {
		t.Errorf("totalPlayTimeMs = %d, want 0", st.TotalPlayTimeMs)
	}
	if st.DurationMs != 5000 {
		t.Errorf("durationMs = %d, want 5000", st.DurationMs)
	}
}

func TestStartIsIdempotentWhilePlaying(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	first, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(700 * time.Millisecond)
	second, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if second.LastStateChange != first.LastStateChange {
		t.Errorf("lastStateChange moved on idempotent start: %d != %d", second.LastStateChange, first.LastStateChange)
	}
	if second.TotalPlayTimeMs != 0 {
		t.Errorf("totalPlayTimeMs = %d, want 0", second.TotalPlayTimeMs)
	}
}

func TestPauseAccumulatesPlayTime(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(1200 * time.Millisecond)

	st, err := svc.Pause(ctx, "CODE1", "q-1", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if st.TotalPlayTimeMs != 1200 {
		t.Errorf("totalPlayTimeMs = %d, want 1200", st.TotalPlayTimeMs)
	}
	if st.TimeLeftMs == nil || *st.TimeLeftMs != 3800 {
		t.Errorf("timeLeftMs = %v, want 3800", st.TimeLeftMs)
	}
}

func TestDoublePauseDoesNotDoubleSubtract(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(1000 * time.Millisecond)
	if _, err := svc.Pause(ctx, "CODE1", "q-1", game.ModeQuiz, ""); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	clock.Advance(2000 * time.Millisecond)
	st, err := svc.Pause(ctx, "CODE1", "q-1", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if st.TotalPlayTimeMs != 1000 {
		t.Errorf("totalPlayTimeMs = %d after double pause, want 1000", st.TotalPlayTimeMs)
	}
}

func TestPauseWithoutTimerIsNoop(t *testing.T) {
	svc, _ := newTestService()

	st, err := svc.Pause(context.Background(), "CODE1", "q-none", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil state for missing timer, got %+v", st)
	}
}

// Elapsed time must equal the sum of the play gaps regardless of how many
// pause/resume cycles happened in between.
func TestElapsedConservationAcrossPauseCycles(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 10000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(1500 * time.Millisecond) // d1
	if _, err := svc.Pause(ctx, "CODE1", "q-1", game.ModeQuiz, ""); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clock.Advance(4000 * time.Millisecond) // paused gap, not counted
	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 10000); err != nil {
		t.Fatalf("resume: %v", err)
	}
	clock.Advance(2500 * time.Millisecond) // d2
	st, err := svc.Pause(ctx, "CODE1", "q-1", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("final Pause: %v", err)
	}

	if st.TotalPlayTimeMs != 4000 {
		t.Errorf("totalPlayTimeMs = %d, want 4000 (1500+2500)", st.TotalPlayTimeMs)
	}
}

func TestPracticeModeNeverTouchesStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kv := &countingKV{KV: store.NewMemoryKV()}
	svc := NewService(kv, clock)
	ctx := context.Background()

	if st, _ := svc.Start(ctx, "CODE1", "q-1", game.ModePractice, "u1", 5000); st != nil {
		t.Errorf("Start returned state in practice mode")
	}
	if st, _ := svc.Pause(ctx, "CODE1", "q-1", game.ModePractice, "u1"); st != nil {
		t.Errorf("Pause returned state in practice mode")
	}
	if st, _ := svc.Get(ctx, "CODE1", "q-1", game.ModePractice, "u1"); st != nil {
		t.Errorf("Get returned state in practice mode")
	}
	if ms, _ := svc.ElapsedMs(ctx, "CODE1", "q-1", game.ModePractice, "u1"); ms != 0 {
		t.Errorf("ElapsedMs = %d in practice mode, want 0", ms)
	}
	if err := svc.Reset(ctx, "CODE1", "q-1", game.ModePractice, "u1"); err != nil {
		t.Errorf("Reset: %v", err)
	}

	if kv.calls != 0 {
		t.Errorf("practice mode performed %d store operations, want 0", kv.calls)
	}
}

func TestDeferredModeKeysAreIsolatedPerUser(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeDeferredTournament, "alice", 5000); err != nil {
		t.Fatalf("Start alice: %v", err)
	}
	clock.Advance(2000 * time.Millisecond)
	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeDeferredTournament, "bob", 5000); err != nil {
		t.Fatalf("Start bob: %v", err)
	}
	clock.Advance(1000 * time.Millisecond)

	aliceMs, err := svc.ElapsedMs(ctx, "CODE1", "q-1", game.ModeDeferredTournament, "alice")
	if err != nil {
		t.Fatalf("ElapsedMs alice: %v", err)
	}
	bobMs, err := svc.ElapsedMs(ctx, "CODE1", "q-1", game.ModeDeferredTournament, "bob")
	if err != nil {
		t.Fatalf("ElapsedMs bob: %v", err)
	}

	if aliceMs != 3000 {
		t.Errorf("alice elapsed = %d, want 3000", aliceMs)
	}
	if bobMs != 1000 {
		t.Errorf("bob elapsed = %d, want 1000", bobMs)
	}
}

func TestSharedModeUsersShareOneTimer(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeLiveTournament, "alice", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(2000 * time.Millisecond)

	// Different userID, same shared key.
	bobMs, err := svc.ElapsedMs(ctx, "CODE1", "q-1", game.ModeLiveTournament, "bob")
	if err != nil {
		t.Fatalf("ElapsedMs: %v", err)
	}
	if bobMs != 2000 {
		t.Errorf("elapsed via other user = %d, want 2000", bobMs)
	}
}

func TestSnapshotSelfHealsExpiredRunningTimer(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 1000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(3 * time.Second)

	snap, err := svc.Snapshot(ctx, "CODE1", "q-1", game.ModeQuiz, "", 1000)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != WireStop {
		t.Errorf("status = %s, want stop", snap.Status)
	}
	if snap.TimeLeftMs != 0 {
		t.Errorf("timeLeftMs = %d, want 0", snap.TimeLeftMs)
	}

	// The backing store is corrected lazily; the record still says play.
	st, err := svc.Get(ctx, "CODE1", "q-1", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Status != StatusPlay {
		t.Errorf("stored status = %s, want play (lazy correction)", st.Status)
	}
}

func TestSnapshotPauseUsesFrozenTimeLeft(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(1200 * time.Millisecond)
	if _, err := svc.Pause(ctx, "CODE1", "q-1", game.ModeQuiz, ""); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Wall clock keeps moving; the frozen value must not.
	clock.Advance(10 * time.Second)
	snap, err := svc.Snapshot(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != WirePause {
		t.Errorf("status = %s, want pause", snap.Status)
	}
	if snap.TimeLeftMs != 3800 {
		t.Errorf("timeLeftMs = %d, want 3800", snap.TimeLeftMs)
	}
}

func TestSetDurationWhileRunningRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := svc.SetDuration(ctx, "CODE1", "q-1", game.ModeQuiz, "", 8000)
	if !errors.Is(err, ErrTimerRunning) {
		t.Errorf("err = %v, want ErrTimerRunning", err)
	}
}

func TestSetDurationWhilePausedClampsTimeLeft(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(1 * time.Second)
	if _, err := svc.Pause(ctx, "CODE1", "q-1", game.ModeQuiz, ""); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	st, err := svc.SetDuration(ctx, "CODE1", "q-1", game.ModeQuiz, "", 2000)
	if err != nil {
		t.Fatalf("SetDuration: %v", err)
	}
	if st.DurationMs != 2000 {
		t.Errorf("durationMs = %d, want 2000", st.DurationMs)
	}
	if st.TimeLeftMs == nil || *st.TimeLeftMs != 2000 {
		t.Errorf("timeLeftMs = %v, want clamped to 2000", st.TimeLeftMs)
	}
	if st.TotalPlayTimeMs != 1000 {
		t.Errorf("totalPlayTimeMs = %d, want untouched 1000", st.TotalPlayTimeMs)
	}
}

func TestSetDurationBeforeStartCreatesPausedBaseline(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	st, err := svc.SetDuration(ctx, "CODE1", "q-1", game.ModeQuiz, "", 7000)
	if err != nil {
		t.Fatalf("SetDuration: %v", err)
	}
	if st.Status != StatusPause {
		t.Errorf("status = %s, want pause", st.Status)
	}
	if st.DurationMs != 7000 || st.TimeLeftMs == nil || *st.TimeLeftMs != 7000 {
		t.Errorf("baseline = %+v, want duration and timeLeft 7000", st)
	}
}

func TestResetDeletesTimer(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Reset(ctx, "CODE1", "q-1", game.ModeQuiz, ""); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	st, err := svc.Get(ctx, "CODE1", "q-1", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st != nil {
		t.Errorf("timer survived reset: %+v", st)
	}
}

// The end-to-end accounting scenario: start 5000ms at t=0, pause at t=1200,
// resume at t=4200, stop at t=4700. Total play time is 1700ms and the last
// live snapshot before stop shows 3300ms left; the stop record itself is
// forced to zero.
func TestStopAfterPauseResumeCycle(t *testing.T) {
	svc, clock := newTestService()
	ctx := context.Background()

	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(1200 * time.Millisecond)
	if _, err := svc.Pause(ctx, "CODE1", "q-1", game.ModeQuiz, ""); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clock.Advance(3000 * time.Millisecond)
	if _, err := svc.Start(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000); err != nil {
		t.Fatalf("resume: %v", err)
	}
	clock.Advance(500 * time.Millisecond)

	elapsed, err := svc.ElapsedMs(ctx, "CODE1", "q-1", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("ElapsedMs: %v", err)
	}
	if elapsed != 1700 {
		t.Errorf("elapsed = %d at stop instant, want 1700", elapsed)
	}

	snap, err := svc.Snapshot(ctx, "CODE1", "q-1", game.ModeQuiz, "", 5000)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.TimeLeftMs != 3300 {
		t.Errorf("timeLeftMs = %d before stop, want 3300", snap.TimeLeftMs)
	}

	st, err := svc.Stop(ctx, "CODE1", "q-1", game.ModeQuiz, "")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st.Status != StatusStop || st.TimeLeftMs == nil || *st.TimeLeftMs != 0 {
		t.Errorf("stop record = %+v, want status stop with timeLeftMs 0", st)
	}
}

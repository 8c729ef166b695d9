package gateway

import (
	"encoding/json"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/mathquest/mathquest/internal/events"
)

type capturedFrame struct {
	room  string
	event string
	data  []byte
}

type captureEmitter struct {
	frames []capturedFrame
}

func (e *captureEmitter) Emit(room, event string, data []byte) error {
	e.frames = append(e.frames, capturedFrame{room: room, event: event, data: data})
	return nil
}

func decodeTimerUpdate(t *testing.T, frame capturedFrame) events.TimerUpdatePayload {
	t.Helper()
	var msg Message
	if err := json.Unmarshal(frame.data, &msg); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var p events.TimerUpdatePayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

func TestEmitTimerUpdateCanonicalizesDefaults(t *testing.T) {
	emitter := &captureEmitter{}
	clock := clockwork.NewFakeClock()
	b := NewBroadcaster(emitter, clock)

	// Ambiguous input: no status, no question UID anywhere, zero counts.
	b.EmitTimerUpdate(events.GameTimerUpdated, events.TimerUpdatePayload{}, "game:CODE1")

	if len(emitter.frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(emitter.frames))
	}
	p := decodeTimerUpdate(t, emitter.frames[0])

	if p.Timer.Status != events.WireStatusRun {
		t.Errorf("status = %q, want default run", p.Timer.Status)
	}
	if p.Timer.QuestionUID != events.UnknownQuestionUID {
		t.Errorf("timer questionUid = %q, want sentinel", p.Timer.QuestionUID)
	}
	if p.QuestionUID != events.UnknownQuestionUID {
		t.Errorf("questionUid = %q, want sentinel", p.QuestionUID)
	}
	if p.TotalQuestions != 1 {
		t.Errorf("totalQuestions = %d, want default 1", p.TotalQuestions)
	}
	if p.ServerTime != clock.Now().UnixMilli() {
		t.Errorf("serverTime = %d, want freshly stamped %d", p.ServerTime, clock.Now().UnixMilli())
	}
}

func TestEmitTimerUpdateStampsFreshServerTime(t *testing.T) {
	emitter := &captureEmitter{}
	clock := clockwork.NewFakeClock()
	b := NewBroadcaster(emitter, clock)

	// Caller-supplied serverTime must be overwritten, never passed through.
	payload := events.TimerUpdatePayload{
		Timer:       events.TimerPayload{Status: events.WireStatusRun, QuestionUID: "q-1", TimeLeftMs: 1000},
		QuestionUID: "q-1", TotalQuestions: 2, ServerTime: 12345,
	}
	b.EmitTimerUpdate(events.GameTimerUpdated, payload, "game:CODE1")

	p := decodeTimerUpdate(t, emitter.frames[0])
	if p.ServerTime == 12345 {
		t.Error("serverTime was passed through from the caller")
	}
	if p.ServerTime != clock.Now().UnixMilli() {
		t.Errorf("serverTime = %d, want %d", p.ServerTime, clock.Now().UnixMilli())
	}
}

func TestEmitTimerUpdateFansOutIdenticalSnapshot(t *testing.T) {
	emitter := &captureEmitter{}
	b := NewBroadcaster(emitter, clockwork.NewFakeClock())

	payload := events.TimerUpdatePayload{
		Timer:       events.TimerPayload{Status: events.WireStatusPause, QuestionUID: "q-1", TimeLeftMs: 2500},
		QuestionUID: "q-1", TotalQuestions: 3,
	}
	b.EmitTimerUpdate(events.GameTimerUpdated, payload, "game:CODE1", "projection:CODE1")

	if len(emitter.frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(emitter.frames))
	}
	if string(emitter.frames[0].data) != string(emitter.frames[1].data) {
		t.Error("rooms received different snapshots for one emission")
	}
	p := decodeTimerUpdate(t, emitter.frames[0])
	if p.Timer.TimeLeftMs != 2500 {
		t.Errorf("paused timeLeftMs = %d, want frozen 2500", p.Timer.TimeLeftMs)
	}
}

func TestInvalidTimerUpdateNotEmitted(t *testing.T) {
	emitter := &captureEmitter{}
	b := NewBroadcaster(emitter, clockwork.NewFakeClock())

	payload := events.TimerUpdatePayload{
		Timer:       events.TimerPayload{Status: "running", QuestionUID: "q-1"},
		QuestionUID: "q-1", TotalQuestions: 1,
	}
	b.EmitTimerUpdate(events.GameTimerUpdated, payload, "game:CODE1")

	if len(emitter.frames) != 0 {
		t.Errorf("invalid payload was emitted %d times, want 0", len(emitter.frames))
	}
}

func TestEmitValidatesPayloadsWithValidators(t *testing.T) {
	emitter := &captureEmitter{}
	b := NewBroadcaster(emitter, clockwork.NewFakeClock())

	b.Emit(events.GameQuestion, &events.QuestionPayload{
		// Missing required questionUid.
		TotalQuestions: 1,
	}, "game:CODE1")
	if len(emitter.frames) != 0 {
		t.Errorf("invalid question payload emitted, want aborted")
	}

	b.Emit(events.CorrectAnswers, &events.CorrectAnswersPayload{
		QuestionUID:    "q-1",
		CorrectAnswers: []bool{true, false},
	}, "game:CODE1")
	if len(emitter.frames) != 1 {
		t.Errorf("valid payload not emitted")
	}
}

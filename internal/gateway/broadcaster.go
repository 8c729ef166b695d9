package gateway

import (
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mathquest/mathquest/internal/events"
)

// Emitter delivers an encoded event to every member of a room. The local
// ConnectionManager implements it directly; the NATS publisher implements it
// for cross-instance fan-out.
type Emitter interface {
	Emit(room, event string, data []byte) error
}

// Broadcaster canonicalizes and validates payloads before handing them to an
// Emitter. An invalid payload is never emitted.
type Broadcaster struct {
	emitter Emitter
	clock   clockwork.Clock
}

func NewBroadcaster(emitter Emitter, clock clockwork.Clock) *Broadcaster {
	return &Broadcaster{emitter: emitter, clock: clock}
}

// EmitTimerUpdate canonicalizes a timer update and fans it out to the given
// rooms. Every emission gets a fresh serverTime; callers must not reuse a
// previously stamped payload.
func (b *Broadcaster) EmitTimerUpdate(event string, payload events.TimerUpdatePayload, rooms ...string) {
	payload = b.canonicalize(payload)

	if err := payload.Validate(); err != nil {
		log.Error().
			Err(err).
			Str("event", event).
			Interface("payload", payload).
			Msg("timer update failed validation, not emitted")
		return
	}

	data, err := EncodeMessage(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode timer update")
		return
	}
	for _, room := range rooms {
		if err := b.emitter.Emit(room, event, data); err != nil {
			log.Error().Err(err).Str("room", room).Str("event", event).Msg("failed to emit timer update")
		}
	}
}

// Emit validates (when the payload implements Validate) and fans out any
// other event payload.
func (b *Broadcaster) Emit(event string, payload interface{}, rooms ...string) {
	if v, ok := payload.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			log.Error().
				Err(err).
				Str("event", event).
				Interface("payload", payload).
				Msg("payload failed validation, not emitted")
			return
		}
	}

	data, err := EncodeMessage(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	for _, room := range rooms {
		if err := b.emitter.Emit(room, event, data); err != nil {
			log.Error().Err(err).Str("room", room).Str("event", event).Msg("failed to emit event")
		}
	}
}

// CanonicalTimerUpdate canonicalizes and validates a timer update for direct
// delivery to a single connection (late-joiner reconciliation).
func (b *Broadcaster) CanonicalTimerUpdate(p events.TimerUpdatePayload) (events.TimerUpdatePayload, error) {
	p = b.canonicalize(p)
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// canonicalize fills the defaults the wire contract promises: a concrete
// status, a non-empty question UID, sane index bounds and a fresh serverTime.
func (b *Broadcaster) canonicalize(p events.TimerUpdatePayload) events.TimerUpdatePayload {
	if p.Timer.Status == "" {
		p.Timer.Status = events.WireStatusRun
	}
	if p.Timer.QuestionUID == "" {
		p.Timer.QuestionUID = p.QuestionUID
	}
	if p.Timer.QuestionUID == "" {
		p.Timer.QuestionUID = events.UnknownQuestionUID
	}
	if p.QuestionUID == "" {
		p.QuestionUID = p.Timer.QuestionUID
	}
	if p.Timer.TimeLeftMs < 0 {
		p.Timer.TimeLeftMs = 0
	}
	if p.QuestionIndex < 0 {
		p.QuestionIndex = 0
	}
	if p.TotalQuestions < 1 {
		p.TotalQuestions = 1
	}
	p.ServerTime = b.clock.Now().UnixMilli()
	return p
}

package game

import "fmt"

// Mode is the closed set of play modes. Timer key derivation and timer
// applicability are owned by the mode so callers never branch on ad hoc
// booleans.
type Mode string

const (
	ModeQuiz               Mode = "quiz"
	ModeLiveTournament     Mode = "tournament"
	ModeDeferredTournament Mode = "deferred"
	ModePractice           Mode = "practice"
)

// ParseMode maps a stored mode string plus the deferred flag onto a Mode.
// Tournament instances replayed after completion run in deferred mode.
func ParseMode(s string, deferred bool) (Mode, error) {
	switch s {
	case "quiz":
		return ModeQuiz, nil
	case "tournament":
		if deferred {
			return ModeDeferredTournament, nil
		}
		return ModeLiveTournament, nil
	case "deferred":
		return ModeDeferredTournament, nil
	case "practice":
		return ModePractice, nil
	default:
		return "", fmt.Errorf("unknown play mode %q", s)
	}
}

// HasTimer reports whether the mode carries a canonical timer at all.
// Practice sessions are untimed; every timer operation is a no-op there.
func (m Mode) HasTimer() bool {
	return m != ModePractice
}

// SharedTimer reports whether all participants observe one shared clock.
// Deferred tournaments give each participant an independent clock.
func (m Mode) SharedTimer() bool {
	return m == ModeQuiz || m == ModeLiveTournament
}

// TimerKey resolves the store key for a timer in this mode.
//   - Quiz & live tournament: mathquest:timer:{accessCode}:{questionUid}
//   - Deferred tournament:    mathquest:timer:{accessCode}:{questionUid}:user:{userId}
//   - Practice:               "" (no timer entity exists)
func (m Mode) TimerKey(accessCode, questionUID, userID string) string {
	if !m.HasTimer() {
		return ""
	}
	base := fmt.Sprintf("mathquest:timer:%s:%s", accessCode, questionUID)
	if m.SharedTimer() {
		return base
	}
	return fmt.Sprintf("%s:user:%s", base, userID)
}

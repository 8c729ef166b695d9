package game

// Status is the lifecycle of a game instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// State is the per-instance game record shared across server replicas. The
// timer itself lives under its own key (see the timer package); this record
// carries the question progression the coordinator validates actions against.
type State struct {
	AccessCode           string `json:"accessCode"`
	Status               Status `json:"status"`
	Mode                 Mode   `json:"gameMode"`
	CurrentQuestionIndex int    `json:"currentQuestionIndex"`

	// QuestionUIDs is the ordered question list for this run.
	QuestionUIDs []string `json:"questionUids"`

	AnswersLocked bool `json:"answersLocked"`

	// QuestionPhase tracks where the current question is in its lifecycle
	// (pending, active, revealing, feedback, completed). The control package
	// owns the transition rules.
	QuestionPhase string `json:"questionPhase,omitempty"`

	// QuestionTimeLimits holds per-question duration overrides (ms) made by
	// the teacher during the run. Falls back to the question definition.
	QuestionTimeLimits map[string]int64 `json:"questionTimeLimits,omitempty"`

	// PhaseStartedAt is the ms timestamp the current question phase began;
	// late-joiner reconciliation derives missed reveal/feedback events from it.
	PhaseStartedAt int64 `json:"phaseStartedAt,omitempty"`

	EndedAt int64 `json:"endedAt,omitempty"`
}

// CurrentQuestionUID returns the UID of the active question, or "" when the
// game has not started or the index is out of range.
func (s *State) CurrentQuestionUID() string {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.QuestionUIDs) {
		return ""
	}
	return s.QuestionUIDs[s.CurrentQuestionIndex]
}

// DurationMsFor resolves the effective duration for a question: the
// teacher's in-run override wins over the question definition default.
func (s *State) DurationMsFor(questionUID string, defaultMs int64) int64 {
	if ms, ok := s.QuestionTimeLimits[questionUID]; ok && ms > 0 {
		return ms
	}
	return defaultMs
}

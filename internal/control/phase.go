package control

// Phase is the lifecycle of the current question within a game run. Stored
// as a plain string in the game state record.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseActive    Phase = "active"
	PhaseRevealing Phase = "revealing"
	PhaseFeedback  Phase = "feedback"
	PhaseCompleted Phase = "completed"
)

// validTransitions is the closed transition table. Revealing flows into
// feedback immediately; feedback either loops back to active for the next
// question or terminates the run.
var validTransitions = map[Phase][]Phase{
	PhasePending:   {PhaseActive},
	PhaseActive:    {PhaseRevealing},
	PhaseRevealing: {PhaseFeedback},
	PhaseFeedback:  {PhaseActive, PhaseCompleted},
}

// CanTransitionTo reports whether next is a legal successor of p. Out-of-order
// transitions are dropped by callers, never forced.
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range validTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PhaseOf reads the phase out of a stored state string, defaulting to
// pending for records written before the question started.
func PhaseOf(s string) Phase {
	if s == "" {
		return PhasePending
	}
	return Phase(s)
}

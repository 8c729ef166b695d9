package events

// Socket event names. Client-bound events carry the payload types in
// payloads.go; quiz_timer_action is the one teacher-to-server control event
// this subsystem consumes.
const (
	// teacher -> server
	QuizTimerAction = "quiz_timer_action"

	// server -> dashboard
	DashboardTimerUpdated    = "dashboard_timer_updated"
	DashboardQuestionChanged = "dashboard_question_changed"

	// server -> players
	GameQuestion     = "game_question"
	GameTimerUpdated = "game_timer_updated"
	TimerSet         = "timer_set"
	CorrectAnswers   = "correct_answers"
	Feedback         = "feedback"
	GameEnd          = "game_end"
	GameJoined       = "game_joined"
	GameError        = "game_error"
	CountdownTick    = "countdown_tick"
)

// Room names. One game instance fans out to up to three rooms: the student
// room, the teacher dashboard, and the classroom projection view.
func GameRoom(accessCode string) string       { return "game:" + accessCode }
func DashboardRoom(accessCode string) string  { return "dashboard:" + accessCode }
func ProjectionRoom(accessCode string) string { return "projection:" + accessCode }

// PlayerRoom is the private room for one participant in deferred mode.
func PlayerRoom(accessCode, userID string) string {
	return "deferred:" + accessCode + ":" + userID
}

package events

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// UnknownQuestionUID is the sentinel used when neither the payload nor the
// timer carries a usable question UID. Clients treat it as "no question".
const UnknownQuestionUID = "unknown"

// Wire timer statuses. Internally the timer only knows play/pause; stop is a
// derived wire state for expired or absent timers.
const (
	WireStatusRun   = "run"
	WireStatusPause = "pause"
	WireStatusStop  = "stop"
)

var validate = validator.New()

// TimerPayload is the canonical wire timer object. For pause, TimeLeftMs is
// authoritative and clients freeze the displayed value; for run, clients
// extrapolate locally from TimerEndDateMs between updates.
type TimerPayload struct {
	Status         string `json:"status" validate:"required,oneof=run pause stop"`
	QuestionUID    string `json:"questionUid" validate:"required"`
	TimeLeftMs     int64  `json:"timeLeftMs" validate:"gte=0"`
	TimerEndDateMs int64  `json:"timerEndDateMs" validate:"gte=0"`
}

// TimerUpdatePayload is broadcast to dashboard/game/projection rooms on every
// timer or question-state transition. ServerTime is stamped freshly at
// emission, never passed through from the caller, so clients can compute
// drift against their own clocks.
type TimerUpdatePayload struct {
	Timer          TimerPayload `json:"timer" validate:"required"`
	QuestionUID    string       `json:"questionUid" validate:"required"`
	QuestionIndex  int          `json:"questionIndex" validate:"gte=0"`
	TotalQuestions int          `json:"totalQuestions" validate:"gte=1"`
	AnswersLocked  bool         `json:"answersLocked"`
	ServerTime     int64        `json:"serverTime" validate:"required,gt=0"`
}

// Validate checks the payload against the strict wire schema. Emission must
// be aborted on failure; clients are strict about payload shape.
func (p *TimerUpdatePayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("timer update payload: %w", err)
	}
	if p.Timer.Status == "pause" && p.Timer.TimeLeftMs < 0 {
		return fmt.Errorf("timer update payload: paused timer without timeLeftMs")
	}
	return nil
}

// QuestionPayload carries a question to players, already filtered of
// sensitive fields (correct answers, explanation).
type QuestionPayload struct {
	QuestionUID     string       `json:"questionUid" validate:"required"`
	Text            string       `json:"text"`
	AnswerOptions   []string     `json:"answerOptions"`
	QuestionIndex   int          `json:"questionIndex" validate:"gte=0"`
	TotalQuestions  int          `json:"totalQuestions" validate:"gte=1"`
	TimeLimitMs     int64        `json:"timeLimitMs,omitempty"`
	FeedbackWaitSec float64      `json:"feedbackWaitTime,omitempty"`
	Timer           TimerPayload `json:"timer"`
}

func (p *QuestionPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("question payload: %w", err)
	}
	return nil
}

// CorrectAnswersPayload reveals the solution after the answer window closes.
type CorrectAnswersPayload struct {
	QuestionUID    string `json:"questionUid"`
	CorrectAnswers []bool `json:"correctAnswers"`
}

// FeedbackPayload opens the feedback window with the explanation to show.
type FeedbackPayload struct {
	QuestionUID          string  `json:"questionUid"`
	FeedbackRemainingSec float64 `json:"feedbackRemaining"`
	Explanation          string  `json:"explanation,omitempty"`
}

// GameEndPayload terminates the run and triggers the final leaderboard
// display client-side.
type GameEndPayload struct {
	AccessCode     string `json:"accessCode"`
	TotalQuestions int    `json:"totalQuestions"`
}

// CountdownTickPayload is the pre-start countdown for tournaments.
type CountdownTickPayload struct {
	AccessCode  string `json:"accessCode"`
	SecondsLeft int    `json:"secondsLeft"`
	ServerTime  int64  `json:"serverTime"`
}

// GameJoinedPayload acknowledges a successful join with the game's current
// position, so the client can render before the first broadcast arrives.
type GameJoinedPayload struct {
	AccessCode     string `json:"accessCode"`
	GameStatus     string `json:"gameStatus"`
	Mode           string `json:"gameMode"`
	QuestionIndex  int    `json:"questionIndex"`
	TotalQuestions int    `json:"totalQuestions"`
}

// ErrorPayload is the teacher-facing failure ack. Students never receive raw
// errors from this subsystem.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TimerActionRequest is the teacher's quiz_timer_action payload.
type TimerActionRequest struct {
	AccessCode  string `json:"accessCode" validate:"required"`
	Action      string `json:"action" validate:"required,oneof=run pause stop set_duration"`
	QuestionUID string `json:"questionUid"`
	DurationMs  int64  `json:"durationMs" validate:"gte=0"`
}

func (p *TimerActionRequest) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("timer action payload: %w", err)
	}
	return nil
}

package timer

// Status is the low-level accumulation state persisted in the store. The
// outward-facing wire status (run/pause/stop) is derived in Snapshot.
type Status string

const (
	StatusPlay  Status = "play"
	StatusPause Status = "pause"
	StatusStop  Status = "stop"
)

// WireStatus is the canonical status clients see.
type WireStatus string

const (
	WireRun   WireStatus = "run"
	WirePause WireStatus = "pause"
	WireStop  WireStatus = "stop"
)

// State is the canonical timer record for one question context. Exactly one
// instance exists per (accessCode, questionUid) in live modes, and per
// (accessCode, questionUid, userId) in deferred mode.
//
// Invariant: TotalPlayTimeMs increases only on transitions to pause. While
// playing, true elapsed time is TotalPlayTimeMs + (now - LastStateChange).
type State struct {
	QuestionUID     string `json:"questionUid"`
	Status          Status `json:"status"`
	StartedAt       int64  `json:"startedAt"`
	TotalPlayTimeMs int64  `json:"totalPlayTimeMs"`
	LastStateChange int64  `json:"lastStateChange"`
	DurationMs      int64  `json:"durationMs,omitempty"`

	// TimeLeftMs is persisted only at pause so clients freeze the exact
	// displayed value. Cleared on resume.
	TimeLeftMs *int64 `json:"timeLeftMs,omitempty"`
}

// ElapsedMs returns total play time as of nowMs, per the invariant above.
func (s *State) ElapsedMs(nowMs int64) int64 {
	if s.Status == StatusPlay {
		return s.TotalPlayTimeMs + (nowMs - s.LastStateChange)
	}
	return s.TotalPlayTimeMs
}

// Snapshot is the derived, read-only view handed to broadcasters and
// reconcilers. TimeLeftMs is always recomputed fresh against now for running
// timers; cached values are never trusted.
type Snapshot struct {
	Status         WireStatus `json:"status"`
	QuestionUID    string     `json:"questionUid"`
	DurationMs     int64      `json:"durationMs"`
	TimeLeftMs     int64      `json:"timeLeftMs"`
	TimerEndDateMs int64      `json:"timerEndDateMs"`
}

// snapshotAt canonicalizes a stored state into a wire snapshot. A running
// timer whose derived time left hits zero is reported as stopped even if the
// backing record has not transitioned yet (self-healing read): a client must
// never be told it has time when it does not.
func (s *State) snapshotAt(nowMs, fallbackDurationMs int64) Snapshot {
	durationMs := s.DurationMs
	if durationMs <= 0 {
		durationMs = fallbackDurationMs
	}

	snap := Snapshot{
		QuestionUID: s.QuestionUID,
		DurationMs:  durationMs,
	}

	switch s.Status {
	case StatusPlay:
		left := TimeLeft(durationMs, s.ElapsedMs(nowMs))
		if left <= 0 || durationMs <= 0 {
			snap.Status = WireStop
			snap.TimeLeftMs = 0
			return snap
		}
		snap.Status = WireRun
		snap.TimeLeftMs = left
		snap.TimerEndDateMs = nowMs + left
	case StatusPause:
		snap.Status = WirePause
		if s.TimeLeftMs != nil && *s.TimeLeftMs >= 0 {
			snap.TimeLeftMs = *s.TimeLeftMs
		} else {
			snap.TimeLeftMs = TimeLeft(durationMs, s.TotalPlayTimeMs)
		}
	default:
		snap.Status = WireStop
		snap.TimeLeftMs = 0
	}
	return snap
}

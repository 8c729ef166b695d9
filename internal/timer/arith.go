package timer

// Pure time arithmetic. Every other component delegates here instead of
// re-deriving elapsed/left math, so there is exactly one place the flooring
// and pause accounting rules live.

// ComputeTimes derives the remaining and elapsed time from an absolute end
// timestamp. timeLeftMs is floored at zero. elapsedMs is only meaningful when
// a positive duration is supplied; it is likewise floored at zero.
func ComputeTimes(endDateMs, durationMs, nowMs int64) (timeLeftMs, elapsedMs int64) {
	timeLeftMs = endDateMs - nowMs
	if timeLeftMs < 0 {
		timeLeftMs = 0
	}
	if durationMs > 0 {
		elapsedMs = durationMs - timeLeftMs
		if elapsedMs < 0 {
			elapsedMs = 0
		}
	}
	return timeLeftMs, elapsedMs
}

// TimeLeft derives remaining time from a duration and total elapsed play
// time, floored at zero.
func TimeLeft(durationMs, elapsedMs int64) int64 {
	left := durationMs - elapsedMs
	if left < 0 {
		return 0
	}
	return left
}

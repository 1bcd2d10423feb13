package backoff

import "time"

// Schedule is an explicit, non-geometric backoff: a fixed sequence of
// delays for the first attempts, followed by a plateau delay for every
// attempt beyond the sequence. Unlike BackoffPolicy's geometric formula,
// a Schedule is used where the delay values themselves are a specified
// contract rather than derived from a growth factor.
type Schedule struct {
	// StepsMs are the delays, in order, for attempts 1..len(StepsMs).
	StepsMs []float64
	// PlateauMs is the delay for every attempt beyond len(StepsMs).
	PlateauMs float64
}

// ComputeSchedule returns the delay for the given attempt (1-indexed).
func ComputeSchedule(s Schedule, attempt int) time.Duration {
	idx := attempt - 1
	if idx >= 0 && idx < len(s.StepsMs) {
		return time.Duration(s.StepsMs[idx]) * time.Millisecond
	}
	return time.Duration(s.PlateauMs) * time.Millisecond
}

// TransportReconnectSchedule is the reconnection backoff contract:
// 25ms, 50ms, 100ms, 250ms, then a sustained 250ms plateau. Retries under
// this schedule are unbounded.
func TransportReconnectSchedule() Schedule {
	return Schedule{
		StepsMs:   []float64{25, 50, 100, 250},
		PlateauMs: 250,
	}
}

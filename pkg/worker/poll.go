package worker

import "time"

// pollInterval computes the sleep before the next status poll from how
// long we have been watching and how far along the transfer claims to
// be. Object store transfers frequently stall at low percentages before
// abruptly completing, so the backoff grows aggressively while nothing
// moves but stays tight near the finish. A progress of -1 (nothing was
// uploaded) paces like a nearly-done transfer.
func pollInterval(loopCount, progress int) time.Duration {
	nearlyDone := progress > 80 || progress == -1
	switch {
	case loopCount > 12:
		switch {
		case nearlyDone:
			return 10 * time.Second
		case progress < 50:
			return 60 * time.Second
		default:
			return 30 * time.Second
		}
	case loopCount > 9:
		switch {
		case nearlyDone:
			return 10 * time.Second
		case progress < 50:
			return 30 * time.Second
		default:
			return 20 * time.Second
		}
	case loopCount > 6:
		switch {
		case nearlyDone:
			return 10 * time.Second
		case progress < 50:
			return 20 * time.Second
		default:
			return 15 * time.Second
		}
	case loopCount > 3:
		if progress < 50 && progress != -1 {
			return 10 * time.Second
		}
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}

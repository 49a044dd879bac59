package bucket

import (
	"time"
)

// Refill returns the token count after replenishing tokens for the time
// elapsed between lastDrip and now, clamped to the bucket size. Tokens are
// fractional so a burst of sub-interval requests accumulates no rounding
// drift; callers persist the returned value together with the exact now
// they passed in.
//
// The multiply-then-divide order matters: it keeps whole-interval refills
// exact instead of going through a rounded tokens-per-nanosecond rate.
func Refill(tokens float64, lastDrip, now time.Time, p Params) float64 {
	elapsed := now.Sub(lastDrip)
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += float64(elapsed) * float64(p.PerInterval) / float64(p.Interval)
	return Clamp(tokens, p)
}

// Clamp bounds tokens to [0, size].
func Clamp(tokens float64, p Params) float64 {
	if tokens < 0 {
		return 0
	}
	if max := float64(p.Size); tokens > max {
		return max
	}
	return tokens
}

// ResetAt returns the wall-clock instant at which a bucket holding tokens at
// now would be full again at the current refill rate.
func ResetAt(tokens float64, now time.Time, p Params) time.Time {
	missing := float64(p.Size) - tokens
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(missing * float64(p.Interval) / float64(p.PerInterval)))
}

// AvailableIn returns the minimum duration after which count tokens will
// exist in a bucket currently holding tokens. Zero means they already do.
func AvailableIn(tokens float64, count int64, p Params) time.Duration {
	missing := float64(count) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing * float64(p.Interval) / float64(p.PerInterval))
}

package executor

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// minRetryDelay is used when Retry-After names a moment that already passed.
	minRetryDelay = time.Second
	// maxRetryDelay is the longest wait a time.Duration can express.
	maxRetryDelay = time.Duration(math.MaxInt64)
)

// ParseRetryAfter reads a Retry-After value given either as delay-seconds or
// as an HTTP-date. ok is false when the value cannot be used. Delays too long
// to represent saturate at maxRetryDelay.
func ParseRetryAfter(value string, now time.Time) (delay time.Duration, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		if secs < 0 {
			return 0, false
		}
		if secs > int64(maxRetryDelay/time.Second) {
			return maxRetryDelay, true
		}
		delay = time.Duration(secs) * time.Second
	} else {
		at, err := http.ParseTime(value)
		if err != nil {
			return 0, false
		}
		delay = at.Sub(now)
	}
	if delay <= 0 {
		delay = minRetryDelay
	}
	return delay, true
}

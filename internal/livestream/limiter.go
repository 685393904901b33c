package livestream

import "time"

// RecordLimiter sums the duration of segments that went through the pipeline,
// decrypted or not, against an optional ceiling. A zero limit never stops the session.
type RecordLimiter struct {
	limit time.Duration
	total float64
}

// NewRecordLimiter returns a limiter for the given ceiling.
func NewRecordLimiter(limit time.Duration) *RecordLimiter {
	return &RecordLimiter{limit: limit}
}

// Accumulate adds a segment's duration in seconds.
func (l *RecordLimiter) Accumulate(seconds float64) {
	if seconds > 0 {
		l.total += seconds
	}
}

// Total returns the accumulated seconds.
func (l *RecordLimiter) Total() float64 {
	return l.total
}

// Limit returns the configured ceiling.
func (l *RecordLimiter) Limit() time.Duration {
	return l.limit
}

// ShouldStop reports whether the accumulated duration met or exceeded the
// ceiling.
func (l *RecordLimiter) ShouldStop() bool {
	if l.limit <= 0 {
		return false
	}
	return l.total >= l.limit.Seconds()
}

package pipeline

import "time"

// Throttle decides which frames are processed from elapsed capture time, so
// the processing rate holds under variable capture rates. A frame is due
// when at least one processing interval has passed since the last processed
// frame, less half a nominal capture period to absorb timestamp jitter.
type Throttle struct {
	minGap time.Duration
	last   time.Time
	primed bool
}

// NewThrottle creates a throttle for the target processing rate. A
// non-positive processingFPS processes every frame; a non-positive captureRate
// disables jitter tolerance.
func NewThrottle(processingFPS, captureRate float64) *Throttle {
	if processingFPS <= 0 {
		return &Throttle{}
	}
	gap := time.Duration(float64(time.Second) / processingFPS)
	if captureRate > 0 {
		gap -= time.Duration(float64(time.Second) / captureRate / 2)
	}
	return &Throttle{minGap: max(gap, 0)}
}

// Allow reports whether the frame captured at ts should be processed and, if
// so, records it as the last processed frame. The first frame is always
// processed; a timestamp earlier than the last processed one restarts the
// schedule.
func (t *Throttle) Allow(ts time.Time) bool {
	if !t.primed || ts.Before(t.last) || ts.Sub(t.last) >= t.minGap {
		t.last = ts
		t.primed = true
		return true
	}
	return false
}

// Reset forgets the last processed frame.
func (t *Throttle) Reset() {
	t.primed = false
	t.last = time.Time{}
}

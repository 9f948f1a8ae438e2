package pipeline

import (
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/identity"
	"github.com/andresmejia3/rollcall/internal/types"
)

// statsWindow is the number of recent processing durations kept.
const statsWindow = 100

// StatsSnapshot is a point-in-time copy of the pipeline counters.
type StatsSnapshot struct {
	FramesSeen       int64 `json:"frames_seen"`
	FramesProcessed  int64 `json:"frames_processed"`
	FramesSkipped    int64 `json:"frames_skipped"`
	FramesFailed     int64 `json:"frames_failed"`
	FramesNotReady   int64 `json:"frames_not_ready"`
	FacesDetected    int64 `json:"faces_detected"`
	FacesProcessed   int64 `json:"faces_processed"`
	LiveFaces        int64 `json:"live_faces"`
	SpoofFaces       int64 `json:"spoof_faces"`
	FacesMatched     int64 `json:"faces_matched"`
	AttendanceMarked int64 `json:"attendance_marked"`
	FaceErrors       int64 `json:"face_errors"`
	BudgetOverruns   int64 `json:"budget_overruns"`

	AvgProcessingTime time.Duration   `json:"avg_processing_time"`
	RecentDurations   []time.Duration `json:"recent_durations,omitempty"`

	Database identity.Stats `json:"database"`
	Ready    bool           `json:"ready"`
}

// Stats accumulates counters across Process calls.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot

	window []time.Duration
	next   int
}

// NewStats returns zeroed stats.
func NewStats() *Stats {
	return &Stats{window: make([]time.Duration, 0, statsWindow)}
}

func (s *Stats) recordSkip() {
	s.mu.Lock()
	s.snap.FramesSeen++
	s.snap.FramesSkipped++
	s.mu.Unlock()
}

func (s *Stats) recordNotReady() {
	s.mu.Lock()
	s.snap.FramesSeen++
	s.snap.FramesNotReady++
	s.mu.Unlock()
}

// recordFrame accounts for a frame that went through the stages, successfully
// or not.
func (s *Stats) recordFrame(status types.FrameStatus, d types.StatsDelta, elapsed time.Duration, overBudget bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.FramesSeen++
	switch status {
	case types.StatusProcessed:
		s.snap.FramesProcessed++
	case types.StatusError:
		s.snap.FramesFailed++
	case types.StatusNotReady:
		s.snap.FramesNotReady++
	}
	s.snap.FacesDetected += int64(d.FacesDetected)
	s.snap.FacesProcessed += int64(d.FacesProcessed)
	s.snap.LiveFaces += int64(d.LiveFaces)
	s.snap.SpoofFaces += int64(d.SpoofFaces)
	s.snap.FacesMatched += int64(d.FacesMatched)
	s.snap.AttendanceMarked += int64(d.AttendanceMarked)
	s.snap.FaceErrors += int64(d.FaceErrors)
	if overBudget {
		s.snap.BudgetOverruns++
	}

	if len(s.window) < statsWindow {
		s.window = append(s.window, elapsed)
	} else {
		s.window[s.next] = elapsed
	}
	s.next = (s.next + 1) % statsWindow
}

// Snapshot returns a copy of the counters with recent durations oldest first.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	out.RecentDurations = make([]time.Duration, 0, len(s.window))
	if len(s.window) == statsWindow {
		out.RecentDurations = append(out.RecentDurations, s.window[s.next:]...)
		out.RecentDurations = append(out.RecentDurations, s.window[:s.next]...)
	} else {
		out.RecentDurations = append(out.RecentDurations, s.window...)
	}

	if n := len(s.window); n > 0 {
		var total time.Duration
		for _, d := range s.window {
			total += d
		}
		out.AvgProcessingTime = total / time.Duration(n)
	}
	return out
}

// Reset zeroes all counters and the duration window.
func (s *Stats) Reset() {
	s.mu.Lock()
	s.snap = StatsSnapshot{}
	s.window = s.window[:0]
	s.next = 0
	s.mu.Unlock()
}

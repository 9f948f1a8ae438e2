package types

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrAdapterUnavailable marks a detection, liveness or embedding capability that
// could not be initialized or has stopped answering. It is the only adapter
// error that takes the whole pipeline out of service.
var ErrAdapterUnavailable = errors.New("adapter unavailable")

// Frame is a decoded video frame plus its capture time.
// The caller owns Image for the duration of a single Process call.
type Frame struct {
	Image     image.Image
	Timestamp time.Time
}

// BoundingBox is a face region in pixel coordinates [X1,X2) x [Y1,Y2).
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BoundingBox) Width() int  { return b.X2 - b.X1 }
func (b BoundingBox) Height() int { return b.Y2 - b.Y1 }
func (b BoundingBox) Area() int   { return max(b.Width(), 0) * max(b.Height(), 0) }

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// DetectedFace is a candidate face region reported by a Detector.
type DetectedFace struct {
	Box        BoundingBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
}

// Detector finds candidate faces in a frame. No ordering is guaranteed.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]DetectedFace, error)
}

// LivenessClassifier returns the raw probability in [0,1] that a face crop
// belongs to a live subject.
type LivenessClassifier interface {
	ClassifyLiveness(ctx context.Context, crop image.Image) (float64, error)
}

// Embedder extracts a fixed-length identity embedding from a face crop.
// A nil slice with a nil error is the "invalid" sentinel.
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) ([]float32, error)
}

// ReadinessChecker is implemented by adapters that can report whether they are
// able to serve requests.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// FrameStatus is the outcome of one Process call.
type FrameStatus string

const (
	StatusProcessed FrameStatus = "processed"
	StatusSkipped   FrameStatus = "skipped"
	StatusError     FrameStatus = "error"
	StatusNotReady  FrameStatus = "not_ready"
)

// FaceStage is the terminal state a face reached in the per-face pipeline.
//
//	detected -> rejected                       (spoof)
//	detected -> live -> unmatched | matched    (recognition)
//	matched  -> decided                        (attendance recorded)
//
// A face stopped by a fault keeps the last stage it reached.
type FaceStage string

const (
	StageDetected  FaceStage = "detected"
	StageRejected  FaceStage = "rejected"
	StageLive      FaceStage = "live"
	StageUnmatched FaceStage = "unmatched"
	StageMatched   FaceStage = "matched"
	StageDecided   FaceStage = "decided"
)

// FaultKind classifies a fault isolated to a single face.
type FaultKind string

const (
	FaultEmptyCrop        FaultKind = "empty_crop"
	FaultInvalidEmbedding FaultKind = "invalid_embedding"
	FaultAdapter          FaultKind = "adapter_error"
	FaultTimeout          FaultKind = "timeout"
)

// FaceError annotates a face whose sub-pipeline stopped on a fault.
type FaceError struct {
	Kind    FaultKind `json:"kind"`
	Message string    `json:"message"`
}

// Liveness is the fused anti-spoofing verdict for one face.
type Liveness struct {
	IsLive           bool     `json:"is_live"`
	Confidence       float64  `json:"confidence"`
	ModelProbability float64  `json:"model_probability"`
	TextureScore     float64  `json:"texture_score"`
	MotionScore      *float64 `json:"motion_score,omitempty"`
}

// Recognition is the identity lookup result for a live face.
// IdentityID is empty when nothing cleared the threshold; Similarity then
// holds the best score seen.
type Recognition struct {
	IdentityID string  `json:"identity_id,omitempty"`
	Name       string  `json:"name,omitempty"`
	Similarity float64 `json:"similarity"`
	Matched    bool    `json:"matched"`
}

// FaceResult is the outcome of the per-face sub-pipeline.
type FaceResult struct {
	Box                 BoundingBox  `json:"bbox"`
	DetectionConfidence float64      `json:"detection_confidence"`
	Stage               FaceStage    `json:"stage"`
	Liveness            *Liveness    `json:"liveness,omitempty"`
	Recognition         *Recognition `json:"recognition,omitempty"`
	AttendanceMarked    bool         `json:"attendance_marked"`
	EventID             string       `json:"event_id,omitempty"`
	Error               *FaceError   `json:"error,omitempty"`
}

// StatsDelta is what a single frame contributed to the cumulative stats.
type StatsDelta struct {
	FacesDetected    int `json:"faces_detected"`
	FacesProcessed   int `json:"faces_processed"`
	LiveFaces        int `json:"live_faces"`
	SpoofFaces       int `json:"spoof_faces"`
	FacesMatched     int `json:"faces_matched"`
	AttendanceMarked int `json:"attendance_marked"`
	FaceErrors       int `json:"face_errors"`
}

// FrameResult is returned by every Process call.
type FrameResult struct {
	Status         FrameStatus   `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	Faces          []FaceResult  `json:"faces"`
	ProcessingTime time.Duration `json:"processing_time"`
	OverBudget     bool          `json:"over_budget,omitempty"`
	Stats          StatsDelta    `json:"stats_delta"`
	Error          string        `json:"error,omitempty"`
}

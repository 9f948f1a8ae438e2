package pipeline

import (
	"sort"

	"github.com/andresmejia3/rollcall/internal/types"
)

// FaceFilter discards detections that are too small or too uncertain and caps
// how many faces a single frame may carry.
type FaceFilter struct {
	MinSize       int     // Minimum width and height in pixels
	MinConfidence float64 // Detections below this score are dropped
	MaxFaces      int     // Zero or less means unlimited
}

// Apply returns the surviving faces. When more than MaxFaces remain, the most
// confident ones are kept, ties going to the earlier detection; otherwise the
// detector's order is preserved.
func (f FaceFilter) Apply(faces []types.DetectedFace) []types.DetectedFace {
	kept := make([]types.DetectedFace, 0, len(faces))
	for _, face := range faces {
		if face.Box.Width() < f.MinSize || face.Box.Height() < f.MinSize {
			continue
		}
		if face.Confidence < f.MinConfidence {
			continue
		}
		kept = append(kept, face)
	}

	if f.MaxFaces <= 0 || len(kept) <= f.MaxFaces {
		return kept
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Confidence > kept[j].Confidence
	})
	return kept[:f.MaxFaces]
}

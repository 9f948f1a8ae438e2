// Package liveness fuses anti-spoofing signals into a single live/spoof verdict.
//
// A single frame combines the classifier probability with an LBP texture
// entropy score. When crops of the same region from recent frames are
// available, the per-frame scores are averaged and blended with a motion score.
package liveness

import (
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Fusion weights. Each pair sums to 1 so the fused confidence stays a convex
// combination of its inputs.
const (
	ModelWeight   = 0.7
	TextureWeight = 0.3

	FrameWeight  = 0.6
	MotionWeight = 0.4

	// NeutralScore is used wherever a score cannot be computed.
	NeutralScore = 0.5

	DefaultThreshold = 0.7
)

// Fuser applies the fusion policy with a configurable decision threshold.
type Fuser struct {
	Threshold float64
}

// NewFuser returns a Fuser with the given threshold.
func NewFuser(threshold float64) *Fuser {
	return &Fuser{Threshold: threshold}
}

// Clamp limits v to [0,1]; NaN becomes 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Combine returns the single-frame fused score.
func Combine(modelProbability, textureScore float64) float64 {
	return Clamp(ModelWeight*Clamp(modelProbability) + TextureWeight*Clamp(textureScore))
}

// Fuse classifies a single frame.
func (f *Fuser) Fuse(modelProbability, textureScore float64) types.Liveness {
	combined := Combine(modelProbability, textureScore)
	return types.Liveness{
		IsLive:           combined >= f.Threshold,
		Confidence:       combined,
		ModelProbability: Clamp(modelProbability),
		TextureScore:     Clamp(textureScore),
	}
}

// FuseSequence classifies using per-frame fused scores plus a motion score.
// The current frame's components are reported alongside the sequence verdict.
// An empty score list counts as NeutralScore.
func (f *Fuser) FuseSequence(current types.Liveness, frameScores []float64, motionScore float64) types.Liveness {
	mean := NeutralScore
	if len(frameScores) > 0 {
		var sum float64
		for _, s := range frameScores {
			sum += Clamp(s)
		}
		mean = sum / float64(len(frameScores))
	}

	motion := Clamp(motionScore)
	combined := Clamp(FrameWeight*mean + MotionWeight*motion)

	current.Confidence = combined
	current.IsLive = combined >= f.Threshold
	current.MotionScore = &motion
	return current
}

package liveness

import (
	"image"
	"math"
)

const (
	// maxShift bounds the block-matching search window, in analysis pixels.
	maxShift = 12
	// motionCeiling is the displacement (analysis pixels) that maps to a score of 1.
	motionCeiling = 10.0
)

// MotionScore estimates how much a face region moved across consecutive crops,
// normalized to [0,1]. Fewer than two crops yield NeutralScore.
func MotionScore(crops []image.Image) float64 {
	if len(crops) < 2 {
		return NeutralScore
	}

	var sum float64
	n := 0
	prev := grayscaleOrNil(crops[0])
	for _, c := range crops[1:] {
		cur := grayscaleOrNil(c)
		if prev != nil && cur != nil {
			sum += displacement(prev, cur)
			n++
		}
		prev = cur
	}
	if n == 0 {
		return NeutralScore
	}
	return Clamp(sum / float64(n) / motionCeiling)
}

func grayscaleOrNil(img image.Image) *image.Gray {
	if img == nil || img.Bounds().Empty() {
		return nil
	}
	return grayscale(img, analysisSize)
}

// displacement finds the integer shift of the central patch of prev that best
// matches cur (minimum mean absolute difference) and returns its length.
func displacement(prev, cur *image.Gray) float64 {
	const patch = analysisSize / 2
	const origin = (analysisSize - patch) / 2

	bestDX, bestDY := 0, 0
	bestCost := patchCost(prev, cur, origin, 0, 0, patch)

	for dy := -maxShift; dy <= maxShift; dy++ {
		for dx := -maxShift; dx <= maxShift; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			cost := patchCost(prev, cur, origin, dx, dy, patch)
			if cost < bestCost {
				bestCost, bestDX, bestDY = cost, dx, dy
			}
		}
	}
	return math.Hypot(float64(bestDX), float64(bestDY))
}

func patchCost(prev, cur *image.Gray, origin, dx, dy, size int) float64 {
	var total int
	for y := origin; y < origin+size; y++ {
		po := y * prev.Stride
		co := (y+dy)*cur.Stride + dx
		for x := origin; x < origin+size; x++ {
			d := int(prev.Pix[po+x]) - int(cur.Pix[co+x])
			if d < 0 {
				d = -d
			}
			total += d
		}
	}
	return float64(total) / float64(size*size)
}

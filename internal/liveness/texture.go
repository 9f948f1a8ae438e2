package liveness

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

const (
	// analysisSize is the square side crops are resampled to before analysis.
	analysisSize = 64
	// entropyCeiling is the entropy (bits) of a uniform 8-bit LBP histogram.
	entropyCeiling = 8.0
)

// neighbourhood offsets clockwise from the top-left pixel.
var lbpOffsets = [8]image.Point{
	{-1, -1}, {0, -1}, {1, -1}, {1, 0},
	{1, 1}, {0, 1}, {-1, 1}, {-1, 0},
}

// grayscale resamples img into a size x size grayscale buffer.
func grayscale(img image.Image, size int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// TextureScore measures micro-texture richness of a face crop: the Shannon
// entropy of its local binary pattern histogram, normalized to [0,1].
// Printed or replayed faces tend to have flatter texture and score lower.
func TextureScore(crop image.Image) float64 {
	if crop == nil || crop.Bounds().Empty() {
		return 0
	}
	return lbpEntropy(grayscale(crop, analysisSize)) / entropyCeiling
}

func lbpEntropy(g *image.Gray) float64 {
	b := g.Bounds()
	var hist [256]int
	total := 0

	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			center := g.GrayAt(x, y).Y
			var code uint8
			for bit, off := range lbpOffsets {
				if g.GrayAt(x+off.X, y+off.Y).Y >= center {
					code |= 1 << bit
				}
			}
			hist[code]++
			total++
		}
	}
	if total == 0 {
		return 0
	}

	var entropy float64
	for _, n := range hist {
		if n == 0 {
			continue
		}
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return math.Min(entropy, entropyCeiling)
}

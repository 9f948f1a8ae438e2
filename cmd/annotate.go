package cmd

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/rollcall/internal/types"
)

// stageColors outlines each face by the stage it reached.
var stageColors = map[types.FaceStage]color.RGBA{
	types.StageDecided:   {0, 200, 0, 255},
	types.StageMatched:   {230, 200, 0, 255},
	types.StageUnmatched: {0, 120, 255, 255},
	types.StageRejected:  {220, 0, 0, 255},
	types.StageLive:      {160, 160, 160, 255},
	types.StageDetected:  {160, 160, 160, 255},
}

// annotateFrame returns a copy of img with every face outlined. With
// maskUnknown, faces that were not recognized are filled with the average
// colour of their border.
func annotateFrame(img image.Image, faces []types.FaceResult, maskUnknown bool) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Copy(out, b.Min, img, b, draw.Src, nil)

	for _, f := range faces {
		rect := f.Box.Rect().Intersect(b)
		if rect.Empty() {
			continue
		}
		if maskUnknown && f.Stage != types.StageMatched && f.Stage != types.StageDecided {
			maskFace(out, rect)
		}
		c, ok := stageColors[f.Stage]
		if !ok {
			c = stageColors[types.StageDetected]
		}
		outline(out, rect, c, 2)
	}
	return out
}

func outline(img *image.RGBA, rect image.Rectangle, c color.RGBA, width int) {
	for i := 0; i < width; i++ {
		r := rect.Inset(i)
		if r.Empty() {
			return
		}
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, r.Min.Y, c)
			img.SetRGBA(x, r.Max.Y-1, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(r.Min.X, y, c)
			img.SetRGBA(r.Max.X-1, y, c)
		}
	}
}

// maskFace grabs colours from the pixels bordering rect and fills it with
// their average, blending the mask into the background.
func maskFace(img *image.RGBA, rect image.Rectangle) {
	var r, g, bl, count uint64
	bounds := img.Bounds()
	sample := func(x, y int) {
		if !(image.Point{x, y}).In(bounds) {
			return
		}
		px := img.RGBAAt(x, y)
		r += uint64(px.R)
		g += uint64(px.G)
		bl += uint64(px.B)
		count++
	}
	for x := rect.Min.X; x < rect.Max.X; x++ {
		sample(x, rect.Min.Y-1)
		sample(x, rect.Max.Y)
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		sample(rect.Min.X-1, y)
		sample(rect.Max.X, y)
	}

	fill := color.RGBA{A: 255}
	if count > 0 {
		fill.R, fill.G, fill.B = uint8(r/count), uint8(g/count), uint8(bl/count)
	}
	draw.Draw(img, rect, image.NewUniform(fill), image.Point{}, draw.Src)
}

// writeDebugFrame saves an annotated copy of a processed frame to dir.
func writeDebugFrame(dir string, index int, img image.Image, res types.FrameResult, maskUnknown bool) error {
	if res.Status != types.StatusProcessed || len(res.Faces) == 0 {
		return nil
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", index)))
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, annotateFrame(img, res.Faces, maskUnknown), &jpeg.Options{Quality: 85})
}

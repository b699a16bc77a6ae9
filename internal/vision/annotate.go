// Package vision — annotate.go
//
// Frame annotation for the dashboard relay: bounding boxes with class/
// confidence labels, color-coded by inference origin (red = local,
// orange = remote worker).

package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorLocal  = color.RGBA{R: 255, A: 255}
	colorRemote = color.RGBA{R: 255, G: 100, A: 255}
)

const boxThickness = 2

// Annotate draws the detections onto a copy of img and returns it.
func Annotate(img image.Image, dets []Detection, remote bool) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)

	col := colorLocal
	if remote {
		col = colorRemote
	}

	for _, det := range dets {
		x1, y1 := int(det.BBox[0]), int(det.BBox[1])
		x2, y2 := int(det.BBox[2]), int(det.BBox[3])
		drawRect(out, x1, y1, x2, y2, col)
		drawLabel(out, x1, y1-4, fmt.Sprintf("%s %.2f", det.Class, det.Confidence), col)
	}
	return out
}

// drawRect draws a rectangle outline of boxThickness pixels.
func drawRect(img *image.RGBA, x1, y1, x2, y2 int, col color.RGBA) {
	for t := 0; t < boxThickness; t++ {
		for x := x1; x <= x2; x++ {
			img.Set(x, y1+t, col)
			img.Set(x, y2-t, col)
		}
		for y := y1; y <= y2; y++ {
			img.Set(x1+t, y, col)
			img.Set(x2-t, y, col)
		}
	}
}

// drawLabel renders text at (x, y) using the built-in 7x13 face.
func drawLabel(img *image.RGBA, x, y int, text string, col color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

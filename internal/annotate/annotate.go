// Package annotate draws face boxes and score labels onto live frames.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/vzahanych/facetrace/internal/match"
)

var (
	matchColor   = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	unknownColor = color.RGBA{R: 220, G: 0, B: 0, A: 255}
	textColor    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	defaultQuality = 80
	lineWidth      = 2
)

// Face is one box to draw.
type Face struct {
	Box     match.Box
	Score   float64
	Matched bool
}

// Label returns the caption drawn above a face box.
func Label(score float64, matched bool) string {
	if matched {
		return fmt.Sprintf("match (%.2f)", score)
	}
	return fmt.Sprintf("unknown (%.2f)", score)
}

// Annotator renders annotated JPEG frames. A zero MaxWidth keeps the source
// size.
type Annotator struct {
	MaxWidth int
	Quality  int
}

// Annotate decodes frame, downscales it to MaxWidth when wider, and draws
// every face with its label. Boxes are in source frame coordinates.
func (a Annotator) Annotate(frame []byte, faces []Face) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	dst, scale := a.canvas(src)
	for _, f := range faces {
		box := scaleBox(f.Box, scale).Intersect(dst.Bounds())
		if box.Empty() {
			continue
		}
		c := unknownColor
		if f.Matched {
			c = matchColor
		}
		drawRect(dst, box, c)
		drawLabel(dst, box, Label(f.Score, f.Matched), c)
	}

	quality := a.Quality
	if quality <= 0 {
		quality = defaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// canvas copies src into a drawable RGBA image, resized to MaxWidth when
// needed, and returns the applied scale factor.
func (a Annotator) canvas(src image.Image) (*image.RGBA, float64) {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if a.MaxWidth <= 0 || width <= a.MaxWidth {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
		return dst, 1
	}

	scale := float64(a.MaxWidth) / float64(width)
	newHeight := int(float64(height) * scale)
	if newHeight < 1 {
		newHeight = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, a.MaxWidth, newHeight))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return dst, scale
}

func scaleBox(b match.Box, scale float64) image.Rectangle {
	if scale == 1 {
		return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
	}
	return image.Rect(
		int(float64(b.X1)*scale),
		int(float64(b.Y1)*scale),
		int(float64(b.X2)*scale),
		int(float64(b.Y2)*scale),
	)
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.Color) {
	uniform := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+lineWidth),
		image.Rect(r.Min.X, r.Max.Y-lineWidth, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+lineWidth, r.Max.Y),
		image.Rect(r.Max.X-lineWidth, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), uniform, image.Point{}, draw.Src)
	}
}

// drawLabel puts text on a filled strip above the box, or inside its top edge
// when the box touches the top of the frame.
func drawLabel(img *image.RGBA, box image.Rectangle, text string, bg color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Metrics().Height.Ceil() + 2

	top := box.Min.Y - height
	if top < img.Bounds().Min.Y {
		top = box.Min.Y
	}
	strip := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(img.Bounds())
	draw.Draw(img, strip, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(box.Min.X+2, top+face.Metrics().Ascent.Ceil()+1),
	}
	d.DrawString(text)
}

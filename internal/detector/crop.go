package detector

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/vzahanych/facetrace/internal/match"
)

const cropQuality = 90

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// CropJPEG cuts box out of a JPEG frame and re-encodes it. The box is clipped
// to the frame bounds.
func CropJPEG(frame []byte, box match.Box) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	rect := image.Rect(box.X1, box.Y1, box.X2, box.Y2).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("box %v outside frame %v", box, img.Bounds())
	}

	si, ok := img.(subImager)
	if !ok {
		return nil, fmt.Errorf("image type %T cannot be cropped", img)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, si.SubImage(rect), &jpeg.Options{Quality: cropQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

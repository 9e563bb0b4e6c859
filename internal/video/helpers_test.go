package video

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/vzahanych/facetrace/internal/logger"
)

func setupTestFFmpeg(t *testing.T) *FFmpegWrapper {
	ffmpeg, err := NewFFmpegWrapper(logger.NewNopLogger())
	if err != nil {
		t.Skipf("FFmpeg not available, skipping test: %v", err)
	}
	return ffmpeg
}

func encodeTestJPEG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.Set(0, 0, color.Gray{Y: 255 - shade})

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode JPEG: %v", err)
	}
	return buf.Bytes()
}

package pipeline

import (
	"fmt"
	"math"
	"time"
)

// FormatTimestamp renders an offset as H:MM:SS with whole seconds. Hours are
// not wrapped into days.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// FrameOffset is the offset of frame index at fps, rounded to the
// millisecond. A non-positive fps uses fallback.
func FrameOffset(index int, fps, fallback float64) time.Duration {
	if fps <= 0 {
		fps = fallback
	}
	if fps <= 0 {
		fps = 25
	}
	ms := math.Round(float64(index) / fps * 1000)
	return time.Duration(ms) * time.Millisecond
}

package match

import "fmt"

// Sampler selects which frames reach the detector: every Nth frame starting
// at index 0.
type Sampler struct {
	every int
}

// NewSampler returns a sampler accepting every nth frame.
func NewSampler(n int) (Sampler, error) {
	if n < 1 {
		return Sampler{}, fmt.Errorf("frame skip must be >= 1, got %d", n)
	}
	return Sampler{every: n}, nil
}

// Accept reports whether the zero-based frame index is processed.
func (s Sampler) Accept(index int) bool {
	if s.every <= 1 {
		return index >= 0
	}
	return index >= 0 && index%s.every == 0
}

// Every returns the sampling interval.
func (s Sampler) Every() int {
	if s.every < 1 {
		return 1
	}
	return s.every
}

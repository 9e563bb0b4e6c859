package match

// driftTolerance is how far from ±1 a score may land through float32
// rounding and still be treated as exactly ±1.
const driftTolerance = 1e-6

// Compare scores a candidate embedding against the reference. Both vectors
// are expected to be unit length, so the dot product is their cosine
// similarity; it is clamped to [-1, 1] to absorb rounding drift.
//
// Missing or mismatched vectors score 0 and never match.
func Compare(candidate, reference Embedding, threshold float64) (float64, bool) {
	if len(candidate) == 0 || len(reference) == 0 || len(candidate) != len(reference) {
		return 0, false
	}

	var dot float64
	for i := range candidate {
		dot += float64(candidate[i]) * float64(reference[i])
	}

	if dot > 1-driftTolerance {
		dot = 1
	} else if dot < -1+driftTolerance {
		dot = -1
	}

	return dot, dot >= threshold
}

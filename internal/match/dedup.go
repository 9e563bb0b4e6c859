package match

// Best is the candidate chosen for a frame.
type Best struct {
	Index     int // position in the detector's output
	Candidate FaceCandidate
	Score     float64
}

// Scored pairs a candidate with its similarity to the reference.
type Scored struct {
	Candidate FaceCandidate
	Score     float64
	Matched   bool
}

// ScoreAll compares every candidate against the reference, keeping order.
func ScoreAll(candidates []FaceCandidate, reference Embedding, threshold float64) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		score, ok := Compare(c.Embedding, reference, threshold)
		out[i] = Scored{Candidate: c, Score: score, Matched: ok}
	}
	return out
}

// SelectBest reduces one frame's candidates to at most one detection: the
// highest-scoring candidate, provided it reaches the threshold. Equal scores
// keep the earliest candidate.
func SelectBest(candidates []FaceCandidate, reference Embedding, threshold float64) (Best, bool) {
	return bestOf(ScoreAll(candidates, reference, threshold), threshold)
}

func bestOf(scored []Scored, threshold float64) (Best, bool) {
	best := Best{Index: -1}
	for i, s := range scored {
		if best.Index < 0 || s.Score > best.Score {
			best = Best{Index: i, Candidate: s.Candidate, Score: s.Score}
		}
	}
	if best.Index < 0 || best.Score < threshold {
		return Best{}, false
	}
	return best, true
}

// SelectBestScored is SelectBest over candidates that were already scored.
func SelectBestScored(scored []Scored, threshold float64) (Best, bool) {
	return bestOf(scored, threshold)
}

// Package match holds the pure matching logic of the pipeline: embedding
// math, similarity scoring, frame sampling and per-frame best-match selection.
package match

import (
	"errors"
	"math"
)

// Embedding is a face embedding vector. Producers hand out unit-length
// vectors; Normalize restores that after arithmetic.
type Embedding []float32

// ErrEmptyEmbeddings is returned by Mean when there is nothing to average.
var ErrEmptyEmbeddings = errors.New("no embeddings to average")

// Norm returns the L2 norm.
func (e Embedding) Norm() float64 {
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy. A zero vector is returned unchanged.
func Normalize(e Embedding) Embedding {
	out := make(Embedding, len(e))
	norm := e.Norm()
	if norm == 0 {
		copy(out, e)
		return out
	}
	for i, v := range e {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Mean averages embeddings of equal dimension and renormalises the result.
// Vectors whose dimension differs from the first one are skipped.
func Mean(embeddings []Embedding) (Embedding, error) {
	var dim int
	for _, e := range embeddings {
		if len(e) > 0 {
			dim = len(e)
			break
		}
	}
	if dim == 0 {
		return nil, ErrEmptyEmbeddings
	}

	sum := make([]float64, dim)
	n := 0
	for _, e := range embeddings {
		if len(e) != dim {
			continue
		}
		for i, v := range e {
			sum[i] += float64(v)
		}
		n++
	}

	mean := make(Embedding, dim)
	for i := range sum {
		mean[i] = float32(sum[i] / float64(n))
	}
	return Normalize(mean), nil
}

// Box is a face bounding box in pixel coordinates.
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the box has positive width and height.
func (b Box) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// FaceCandidate is one face found in a frame. It lives for a single frame
// iteration.
type FaceCandidate struct {
	Box        Box
	Embedding  Embedding
	Crop       []byte // JPEG-encoded face region
	Confidence float64
}

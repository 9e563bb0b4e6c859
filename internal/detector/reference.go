package detector

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vzahanych/facetrace/internal/match"
)

// ErrNoFace is returned when none of the reference images contains a face.
var ErrNoFace = errors.New("no face found in reference images")

// ReferenceImage is a reference photo given either as raw bytes or as a path
// on disk. Data wins when both are set.
type ReferenceImage struct {
	Name string
	Data []byte
	Path string
}

// FromBytes wraps in-memory image data.
func FromBytes(name string, data []byte) ReferenceImage {
	return ReferenceImage{Name: name, Data: data}
}

// FromPath references an image file.
func FromPath(path string) ReferenceImage {
	return ReferenceImage{Name: path, Path: path}
}

// Load returns the image bytes.
func (r ReferenceImage) Load() ([]byte, error) {
	if len(r.Data) > 0 {
		return r.Data, nil
	}
	if r.Path == "" {
		return nil, fmt.Errorf("reference %q has neither data nor path", r.Name)
	}
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference %s: %w", r.Path, err)
	}
	return data, nil
}

// Embed returns the embedding of the first face in one reference image, or
// false when it has none.
func Embed(ctx context.Context, d Detector, ref ReferenceImage) (match.Embedding, bool, error) {
	data, err := ref.Load()
	if err != nil {
		return nil, false, err
	}
	faces, err := d.DetectAndEmbed(ctx, data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to embed reference %s: %w", ref.Name, err)
	}
	if len(faces) == 0 {
		return nil, false, nil
	}
	return faces[0].Embedding, true, nil
}

// SkippedReference records why one reference image did not contribute.
type SkippedReference struct {
	Name   string
	Reason error
}

// BuildReference averages the first-face embeddings of all references into
// one unit-length vector. Unreadable images and images without a face are
// skipped and reported; ErrNoFace is returned when nothing is left.
// Cancellation aborts immediately.
func BuildReference(ctx context.Context, d Detector, refs []ReferenceImage) (match.Embedding, []SkippedReference, error) {
	var embeddings []match.Embedding
	var skipped []SkippedReference

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}
		emb, ok, err := Embed(ctx, d, ref)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, skipped, ctx.Err()
			}
			skipped = append(skipped, SkippedReference{Name: ref.Name, Reason: err})
		case !ok:
			skipped = append(skipped, SkippedReference{Name: ref.Name, Reason: ErrNoFace})
		default:
			embeddings = append(embeddings, emb)
		}
	}

	if len(embeddings) == 0 {
		return nil, skipped, ErrNoFace
	}

	mean, err := match.Mean(embeddings)
	if err != nil {
		return nil, skipped, ErrNoFace
	}
	return mean, skipped, nil
}

package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/match"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func setupTestClient(t *testing.T, handler http.HandlerFunc, retries int) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(ClientConfig{
		ServiceURL: server.URL,
		Timeout:    5 * time.Second,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
	}, logger.NewNopLogger())

	return client, server
}

func TestClient_DetectAndEmbed(t *testing.T) {
	crop := []byte("crop-bytes")
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/faces" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req FacesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp := FacesResponse{
			Faces: []Face{
				{
					Box:        BoundingBox{X1: 10, Y1: 20, X2: 50, Y2: 60},
					Confidence: 0.98,
					Embedding:  []float32{3, 4},
					Crop:       base64.StdEncoding.EncodeToString(crop),
				},
				{
					Box:       BoundingBox{X1: 5, Y1: 5, X2: 5, Y2: 9},
					Embedding: []float32{1, 0},
				},
			},
			InferenceTimeMs: 12.5,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}, 0)

	faces, err := client.DetectAndEmbed(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("DetectAndEmbed failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("Expected 1 face (malformed box dropped), got %d", len(faces))
	}

	f := faces[0]
	if f.Box != (match.Box{X1: 10, Y1: 20, X2: 50, Y2: 60}) {
		t.Errorf("Unexpected box %+v", f.Box)
	}
	if !bytes.Equal(f.Crop, crop) {
		t.Errorf("Expected decoded crop, got %q", f.Crop)
	}
	if f.Embedding[0] != 0.6 || f.Embedding[1] != 0.8 {
		t.Errorf("Expected renormalised embedding, got %v", f.Embedding)
	}
}

func TestClient_DetectAndEmbed_NoFaces(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FacesResponse{})
	}, 0)

	faces, err := client.DetectAndEmbed(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("DetectAndEmbed failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestClient_CropsLocallyWithoutServiceCrop(t *testing.T) {
	frame := testJPEG(t, 64, 48)
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(FacesResponse{Faces: []Face{{
			Box:       BoundingBox{X1: 8, Y1: 8, X2: 40, Y2: 32},
			Embedding: []float32{1, 0},
		}}})
	}, 0)

	faces, err := client.DetectAndEmbed(context.Background(), frame)
	if err != nil {
		t.Fatalf("DetectAndEmbed failed: %v", err)
	}
	if len(faces) != 1 || len(faces[0].Crop) == 0 {
		t.Fatal("Expected a locally cropped face")
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(faces[0].Crop))
	if err != nil {
		t.Fatalf("Crop is not a JPEG: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 24 {
		t.Errorf("Expected 32x24 crop, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(FacesResponse{})
	}, 2)

	if _, err := client.DetectAndEmbed(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}, 3)

	_, err := client.DetectAndEmbed(context.Background(), []byte("frame"))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected StatusError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single call, got %d", calls.Load())
	}
}

func TestClient_HealthCheck(t *testing.T) {
	client, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/ready" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(HealthResponse{Status: "ready", ModelLoaded: true})
	}, 0)

	health, err := client.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if health.Status != "ready" || !health.ModelLoaded {
		t.Errorf("Unexpected health %+v", health)
	}
}

// fakeDetector returns a fixed embedding per input payload.
type fakeDetector struct {
	faces map[string][]match.FaceCandidate
	err   error
}

func (f *fakeDetector) DetectAndEmbed(ctx context.Context, data []byte) ([]match.FaceCandidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.faces[string(data)], nil
}

func TestBuildReference_AveragesFirstFaces(t *testing.T) {
	d := &fakeDetector{faces: map[string][]match.FaceCandidate{
		"a": {{Embedding: match.Embedding{1, 0}}, {Embedding: match.Embedding{0, -1}}},
		"b": {{Embedding: match.Embedding{0, 1}}},
	}}

	ref, skipped, err := BuildReference(context.Background(), d, []ReferenceImage{
		FromBytes("a.jpg", []byte("a")),
		FromBytes("b.jpg", []byte("b")),
		FromBytes("empty.jpg", []byte("none")),
	})
	if err != nil {
		t.Fatalf("BuildReference failed: %v", err)
	}
	if len(skipped) != 1 || skipped[0].Name != "empty.jpg" || !errors.Is(skipped[0].Reason, ErrNoFace) {
		t.Errorf("Expected empty.jpg to be skipped, got %+v", skipped)
	}
	if ref[0] <= 0.7 || ref[1] <= 0.7 {
		t.Errorf("Expected mean of [1,0] and [0,1], got %v", ref)
	}
}

func TestBuildReference_FromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ref.jpg")
	if err := os.WriteFile(path, []byte("a"), 0644); err != nil {
		t.Fatalf("Failed to write reference: %v", err)
	}
	d := &fakeDetector{faces: map[string][]match.FaceCandidate{
		"a": {{Embedding: match.Embedding{0, 1}}},
	}}

	ref, _, err := BuildReference(context.Background(), d, []ReferenceImage{FromPath(path)})
	if err != nil {
		t.Fatalf("BuildReference failed: %v", err)
	}
	if ref[1] != 1 {
		t.Errorf("Unexpected reference %v", ref)
	}
}

func TestBuildReference_NoFace(t *testing.T) {
	d := &fakeDetector{faces: map[string][]match.FaceCandidate{}}
	_, skipped, err := BuildReference(context.Background(), d, []ReferenceImage{
		FromBytes("x.jpg", []byte("x")),
		FromPath(filepath.Join(t.TempDir(), "missing.jpg")),
	})
	if !errors.Is(err, ErrNoFace) {
		t.Fatalf("Expected ErrNoFace, got %v", err)
	}
	if len(skipped) != 2 {
		t.Errorf("Expected both references skipped, got %d", len(skipped))
	}

	if _, _, err := BuildReference(context.Background(), d, nil); !errors.Is(err, ErrNoFace) {
		t.Errorf("Expected ErrNoFace for empty reference set, got %v", err)
	}
}

func TestBuildReference_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &fakeDetector{faces: map[string][]match.FaceCandidate{}}
	_, _, err := BuildReference(ctx, d, []ReferenceImage{FromBytes("a", []byte("a"))})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

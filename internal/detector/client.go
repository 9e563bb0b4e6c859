package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vzahanych/facetrace/internal/logger"
	"github.com/vzahanych/facetrace/internal/match"
)

// Detector finds faces in a JPEG frame and embeds them. No faces is an empty
// slice with a nil error. Embeddings are unit length.
type Detector interface {
	DetectAndEmbed(ctx context.Context, jpeg []byte) ([]match.FaceCandidate, error)
}

// Client is an HTTP client for the Python face service.
type Client struct {
	serviceURL    string
	httpClient    *http.Client
	logger        *logger.Logger
	maxRetries    int
	retryDelay    time.Duration
	minConfidence float64
}

// ClientConfig contains configuration for the face service client
type ClientConfig struct {
	ServiceURL    string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MinConfidence float64
}

// StatusError is a non-200 reply from the face service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("face service returned status %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new face service client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 500 * time.Millisecond
	}

	return &Client{
		serviceURL:    config.ServiceURL,
		httpClient:    &http.Client{Timeout: config.Timeout},
		logger:        log,
		maxRetries:    config.MaxRetries,
		retryDelay:    config.RetryDelay,
		minConfidence: config.MinConfidence,
	}
}

// DetectAndEmbed sends a frame to the service, retrying transient failures.
func (c *Client) DetectAndEmbed(ctx context.Context, frame []byte) ([]match.FaceCandidate, error) {
	resp, err := c.detectWithRetry(ctx, frame)
	if err != nil {
		return nil, err
	}

	candidates := make([]match.FaceCandidate, 0, len(resp.Faces))
	for i, f := range resp.Faces {
		box := match.Box{
			X1: int(f.Box.X1),
			Y1: int(f.Box.Y1),
			X2: int(f.Box.X2),
			Y2: int(f.Box.Y2),
		}
		if !box.Valid() || len(f.Embedding) == 0 {
			c.logger.Debug("Skipping malformed face", "index", i, "box", box)
			continue
		}

		var crop []byte
		if f.Crop != "" {
			crop, err = base64.StdEncoding.DecodeString(f.Crop)
			if err != nil {
				c.logger.Debug("Invalid crop encoding, cropping locally", "index", i, "error", err)
				crop = nil
			}
		}
		if crop == nil {
			crop, err = CropJPEG(frame, box)
			if err != nil {
				c.logger.Debug("Failed to crop face", "index", i, "error", err)
			}
		}

		candidates = append(candidates, match.FaceCandidate{
			Box:        box,
			Embedding:  match.Normalize(f.Embedding),
			Crop:       crop,
			Confidence: f.Confidence,
		})
	}

	return candidates, nil
}

func (c *Client) detectWithRetry(ctx context.Context, frame []byte) (*FacesResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying face detection", "attempt", attempt, "max_retries", c.maxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := c.detect(ctx, frame)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			break
		}
	}

	return nil, fmt.Errorf("face detection failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) detect(ctx context.Context, frame []byte) (*FacesResponse, error) {
	req := FacesRequest{
		Image:     base64.StdEncoding.EncodeToString(frame),
		WithCrops: true,
	}
	if c.minConfidence > 0 {
		req.MinConfidence = &c.minConfidence
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/faces", c.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Face service returned error", "status", resp.StatusCode, "response", string(body))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var facesResp FacesResponse
	if err := json.Unmarshal(body, &facesResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug("Face detection completed",
		"faces", len(facesResp.Faces),
		"inference_time_ms", facesResp.InferenceTimeMs,
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)

	return &facesResp, nil
}

// HealthCheck queries the service readiness endpoint.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	url := fmt.Sprintf("%s/health/ready", c.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach face service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &health, nil
}

// ServiceURL returns the configured base URL.
func (c *Client) ServiceURL() string {
	return c.serviceURL
}

package detector

// FacesRequest is the body sent to the face service.
type FacesRequest struct {
	Image         string   `json:"image"` // Base64-encoded JPEG
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	WithCrops     bool     `json:"with_crops"`
}

// FacesResponse is returned by the face service for one image.
type FacesResponse struct {
	Faces           []Face  `json:"faces"`
	InferenceTimeMs float64 `json:"inference_time_ms"`
	FrameShape      []int   `json:"frame_shape"` // [height, width]
	ModelName       string  `json:"model_name,omitempty"`
}

// Face is a single detected face with its embedding.
type Face struct {
	Box        BoundingBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
	Embedding  []float32   `json:"embedding"`
	Crop       string      `json:"crop,omitempty"` // Base64-encoded JPEG of the face region
}

// BoundingBox is in pixel coordinates of the submitted image.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// HealthResponse is returned by the readiness endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

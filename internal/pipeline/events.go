package pipeline

// EventType identifies a batch run event.
type EventType string

const (
	EventStart     EventType = "start"
	EventProgress  EventType = "progress"
	EventMatch     EventType = "match"
	EventWarning   EventType = "warning"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// Event is one step of a batch run. Only the fields relevant to Type are set.
type Event struct {
	Type  EventType
	Video string

	// start
	FPS         float64
	TotalFrames int

	// progress, match, warning
	Frame     int
	Timestamp string

	// match
	Similarity float64
	CropName   string
	RecordID   int64

	// progress, completed
	FramesProcessed int
	MatchesFound    int

	// warning, error
	Kind    string
	Message string
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventError
}

// Payload renders the event as a JSON-ready map with the fields of its type.
func (e Event) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"type":  string(e.Type),
		"video": e.Video,
	}
	switch e.Type {
	case EventStart:
		p["fps"] = e.FPS
		p["total_frames"] = e.TotalFrames
	case EventProgress:
		p["frame"] = e.Frame
		p["frames_processed"] = e.FramesProcessed
		p["total_frames"] = e.TotalFrames
		p["matches_found"] = e.MatchesFound
	case EventMatch:
		p["frame"] = e.Frame
		p["timestamp"] = e.Timestamp
		p["similarity"] = e.Similarity
		p["crop"] = e.CropName
		p["record_id"] = e.RecordID
	case EventWarning:
		p["frame"] = e.Frame
		p["kind"] = e.Kind
		p["message"] = e.Message
	case EventCompleted:
		p["frames_processed"] = e.FramesProcessed
		p["matches_found"] = e.MatchesFound
	case EventError:
		p["kind"] = e.Kind
		p["message"] = e.Message
	}
	return p
}

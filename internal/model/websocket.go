package model

// WebSocket message types
const (
	WSMessageTypeStatus       = "status"
	WSMessageTypeMaterialized = "materialized"
	WSMessageTypeError        = "error"
	WSMessageTypePing         = "ping"
	WSMessageTypePong         = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage reports a lifecycle transition of a job
type WSStatusMessage struct {
	Type   string   `json:"type"`
	TaskID string   `json:"taskId"`
	Status JobState `json:"status"`
}

// WSMaterializedMessage reports that a media file landed on disk
type WSMaterializedMessage struct {
	Type          string `json:"type"`
	TaskID        string `json:"taskId"`
	SequenceIndex int    `json:"sequenceIndex,omitempty"`
	Filename      string `json:"filename"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type   string  `json:"type"`
	TaskID string  `json:"taskId"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

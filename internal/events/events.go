// Package events carries submission progress updates from the download
// engine to interested consumers (the websocket hub, external
// subscribers via Redis pub/sub).
package events

import "context"

// ProgressEvent is one job state change within a submission.
type ProgressEvent struct {
	Type        string  `json:"type"`
	Slug        string  `json:"slug"`
	JobID       string  `json:"job_id"`
	ManifestURL string  `json:"manifest_url,omitempty"`
	Status      string  `json:"status"`
	JobProgress float64 `json:"job_progress"`
	Progress    float64 `json:"progress"`
	Error       string  `json:"error,omitempty"`
}

// TypeProgress is the event type tag for submission progress updates.
const TypeProgress = "submission_progress"

// Bus publishes progress events and fans them out to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev ProgressEvent) error
	Subscribe(ctx context.Context) (<-chan ProgressEvent, error)
	Close() error
}

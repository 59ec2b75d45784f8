package bulk

import (
	"encoding/json"
	"fmt"
)

// RequestInfo describes the originating HTTP request of a download error.
type RequestInfo struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// ResponseInfo describes the HTTP response, when one was received.
type ResponseInfo struct {
	StatusCode  int    `json:"statusCode"`
	Status      string `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// DownloadError is the structured error reported for every per-file and
// per-attachment failure: network, validation, count mismatch, or
// attachment handling. It carries enough context for outcome records.
type DownloadError struct {
	// Issue is the OperationOutcome issue-type tag, e.g. "invalid",
	// "not-found", "processing", "transient".
	Issue       string          `json:"issue"`
	Message     string          `json:"message"`
	Request     *RequestInfo    `json:"request,omitempty"`
	Response    *ResponseInfo   `json:"response,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Resource    json.RawMessage `json:"resource,omitempty"`
	Line        int             `json:"line,omitempty"`
	Cause       error           `json:"-"`
}

func (e *DownloadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Issue, e.Message, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Issue, e.Message)
}

func (e *DownloadError) Unwrap() error {
	return e.Cause
}

// ResourceRef returns a "ResourceType/id" reference for the offending
// resource, or "" when the error carried none.
func (e *DownloadError) ResourceRef() string {
	if len(e.Resource) == 0 {
		return ""
	}
	var probe struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(e.Resource, &probe); err != nil {
		return ""
	}
	if probe.ResourceType == "" || probe.ID == "" {
		return ""
	}
	return probe.ResourceType + "/" + probe.ID
}

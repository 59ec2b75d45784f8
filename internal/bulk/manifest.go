// Package bulk implements the data-transfer half of the bulk submission
// protocol: manifest retrieval and validation, NDJSON file streaming,
// attachment resolution, and rollback of previously written files.
package bulk

import (
	"bytes"
	"encoding/json"

	apperrors "github.com/fhirbridge/receiver/internal/errors"
)

// FileEntry is one referenced file in a manifest's output, deleted or
// error array.
type FileEntry struct {
	Type  string `json:"type,omitempty"`
	URL   string `json:"url"`
	Count *int   `json:"count,omitempty"`
}

// Manifest is the wire-format document enumerating the files of a bulk
// transfer. Immutable once fetched.
type Manifest struct {
	TransactionTime     string      `json:"transactionTime"`
	Request             string      `json:"request,omitempty"`
	RequiresAccessToken bool        `json:"requiresAccessToken"`
	Output              []FileEntry `json:"output"`
	Deleted             []FileEntry `json:"deleted,omitempty"`
	Error               []FileEntry `json:"error,omitempty"`
}

// ParseManifest decodes and validates a manifest document. Validation
// fails fast: the first structural problem found is returned alone.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.InvalidManifest("manifest is not a JSON object").WithCause(err)
	}

	m := &Manifest{}

	tt, ok := raw["transactionTime"]
	if !ok || bytes.Equal(tt, []byte("null")) {
		return nil, apperrors.InvalidManifest("manifest is missing transactionTime")
	}
	if err := json.Unmarshal(tt, &m.TransactionTime); err != nil {
		return nil, apperrors.InvalidManifest("transactionTime must be a string timestamp").WithCause(err)
	}

	rat, ok := raw["requiresAccessToken"]
	if !ok {
		return nil, apperrors.InvalidManifest("requiresAccessToken must be a boolean")
	}
	if err := json.Unmarshal(rat, &m.RequiresAccessToken); err != nil {
		return nil, apperrors.InvalidManifest("requiresAccessToken must be a boolean").WithCause(err)
	}

	out, ok := raw["output"]
	if !ok || !rawIsArray(out) {
		return nil, apperrors.InvalidManifest("output must be an array")
	}
	if err := json.Unmarshal(out, &m.Output); err != nil {
		return nil, apperrors.InvalidManifest("output entries are malformed").WithCause(err)
	}

	if del, ok := raw["deleted"]; ok && !bytes.Equal(del, []byte("null")) {
		if !rawIsArray(del) {
			return nil, apperrors.InvalidManifest("deleted must be an array")
		}
		if err := json.Unmarshal(del, &m.Deleted); err != nil {
			return nil, apperrors.InvalidManifest("deleted entries are malformed").WithCause(err)
		}
	}

	if errs, ok := raw["error"]; ok && !bytes.Equal(errs, []byte("null")) {
		if !rawIsArray(errs) {
			return nil, apperrors.InvalidManifest("error must be an array")
		}
		if err := json.Unmarshal(errs, &m.Error); err != nil {
			return nil, apperrors.InvalidManifest("error entries are malformed").WithCause(err)
		}
	}

	if req, ok := raw["request"]; ok {
		json.Unmarshal(req, &m.Request)
	}

	return m, nil
}

func rawIsArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// exportedEntry pairs a file entry with the manifest array it came from,
// which doubles as the destination subdirectory name.
type exportedEntry struct {
	entry      FileEntry
	exportType string
}

// collectEntries flattens the manifest's three arrays in their defined
// order: output, deleted, error.
func collectEntries(m *Manifest) []exportedEntry {
	entries := make([]exportedEntry, 0, len(m.Output)+len(m.Deleted)+len(m.Error))
	for _, e := range m.Output {
		entries = append(entries, exportedEntry{entry: e, exportType: "output"})
	}
	for _, e := range m.Deleted {
		entries = append(entries, exportedEntry{entry: e, exportType: "deleted"})
	}
	for _, e := range m.Error {
		entries = append(entries, exportedEntry{entry: e, exportType: "error"})
	}
	return entries
}

package outcome

import "time"

// Document is the error/status manifest served for a submission. Its
// output array is always empty at this layer; only per-manifest-URL
// error/success bookkeeping is exposed.
type Document struct {
	TransactionTime     string     `json:"transactionTime"`
	Request             string     `json:"request"`
	RequiresAccessToken bool       `json:"requiresAccessToken"`
	Output              []FileRef  `json:"output"`
	Error               []ErrorRef `json:"error"`
}

// FileRef exists only to give the empty output array a concrete type.
type FileRef struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ErrorRef summarizes one source manifest's accumulated outcomes.
type ErrorRef struct {
	Type      string         `json:"type"`
	URL       string         `json:"url"`
	Extension ErrorExtension `json:"extension"`
}

// ErrorExtension carries the originating manifest URL and its counts.
type ErrorExtension struct {
	ManifestURL   string        `json:"manifestUrl"`
	CountSeverity CountSeverity `json:"countSeverity"`
}

// CountSeverity holds the running success/error counts.
type CountSeverity struct {
	Success int `json:"success"`
	Error   int `json:"error"`
}

// Document serializes the ledger as the submission's error/status
// manifest. fileBaseURL prefixes each entry's record file URL.
func (l *Ledger) Document(transactionTime time.Time, request, fileBaseURL string) *Document {
	doc := &Document{
		TransactionTime: transactionTime.UTC().Format(time.RFC3339),
		Request:         request,
		Output:          []FileRef{},
		Error:           []ErrorRef{},
	}

	for _, e := range l.Entries() {
		doc.Error = append(doc.Error, ErrorRef{
			Type: "OperationOutcome",
			URL:  fileBaseURL + "/" + e.FileName,
			Extension: ErrorExtension{
				ManifestURL: e.ManifestURL,
				CountSeverity: CountSeverity{
					Success: e.Success,
					Error:   e.Errors,
				},
			},
		})
	}
	return doc
}

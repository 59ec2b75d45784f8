// Package outcome maintains the per-submission error manifest: running
// success/error counts per source manifest URL and append-only
// OperationOutcome record files backing them.
package outcome

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fhirbridge/receiver/internal/bulk"
	apperrors "github.com/fhirbridge/receiver/internal/errors"
)

// RelatedResourceExtension is the extension URL used to link an outcome
// record to the resource that produced it.
const RelatedResourceExtension = "https://fhirbridge.dev/fhir/StructureDefinition/related-resource"

// OperationOutcome is the persisted record for one download error.
type OperationOutcome struct {
	ResourceType string      `json:"resourceType"`
	Issue        []Issue     `json:"issue"`
	Extension    []Extension `json:"extension,omitempty"`
}

// Issue is a single OperationOutcome issue.
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics"`
}

// Extension carries the related-resource reference when the error was
// produced mid-stream by a specific resource.
type Extension struct {
	URL            string     `json:"url"`
	ValueReference *Reference `json:"valueReference,omitempty"`
}

// Reference is a FHIR literal reference.
type Reference struct {
	Reference string `json:"reference"`
}

// Entry is a snapshot of one manifest URL's accumulated counts.
type Entry struct {
	ManifestURL string
	Success     int
	Errors      int
	FileName    string
}

type entry struct {
	success int
	errors  int
	name    string
	path    string
}

// Ledger accumulates success/error counts keyed by source manifest URL.
// Entries are created lazily on first success or error; removal deletes
// the backing record file. All methods are safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	dir     string
	entries map[string]*entry
	order   []string
}

// NewLedger creates a ledger whose record files live under dir.
func NewLedger(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.StorageError("failed to create outcome directory").WithCause(err)
	}
	return &Ledger{
		dir:     dir,
		entries: make(map[string]*entry),
	}, nil
}

// AddSuccess increments the success counter for manifestURL, creating
// its entry (and empty record file) on first use. Successes are counted
// only; no record is written.
func (l *Ledger) AddSuccess(manifestURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.ensure(manifestURL)
	if err != nil {
		return err
	}
	e.success++
	return nil
}

// AddError appends an OperationOutcome record to manifestURL's record
// file and increments its error counter.
func (l *Ledger) AddError(manifestURL string, derr *bulk.DownloadError) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.ensure(manifestURL)
	if err != nil {
		return err
	}

	rec := OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []Issue{{
			Severity:    "error",
			Code:        derr.Issue,
			Diagnostics: derr.Message,
		}},
	}
	if ref := derr.ResourceRef(); ref != "" {
		rec.Extension = []Extension{{
			URL:            RelatedResourceExtension,
			ValueReference: &Reference{Reference: ref},
		}}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.InternalError("failed to encode outcome record").WithCause(err)
	}

	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.StorageError("failed to open outcome record file").WithCause(err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return apperrors.StorageError("failed to append outcome record").WithCause(err)
	}

	e.errors++
	return nil
}

// Remove deletes manifestURL's record file and forgets its entry. A
// missing entry is a caller logic error and is reported, not ignored.
func (l *Ledger) Remove(manifestURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[manifestURL]
	if !ok {
		return apperrors.InternalError(fmt.Sprintf("no outcome entry for manifest %s", manifestURL))
	}

	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		return apperrors.StorageError("failed to remove outcome record file").WithCause(err)
	}

	delete(l.entries, manifestURL)
	for i, url := range l.order {
		if url == manifestURL {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return nil
}

// Has reports whether an entry exists for manifestURL.
func (l *Ledger) Has(manifestURL string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[manifestURL]
	return ok
}

// Entries returns the accumulated counts in entry creation order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.order))
	for _, url := range l.order {
		e := l.entries[url]
		out = append(out, Entry{
			ManifestURL: url,
			Success:     e.success,
			Errors:      e.errors,
			FileName:    e.name,
		})
	}
	return out
}

// FilePath resolves a record file name to its path on disk, rejecting
// names that escape the ledger directory.
func (l *Ledger) FilePath(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", false
	}
	p := filepath.Join(l.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// ensure returns the entry for manifestURL, creating it with a fresh
// record file on first use. Caller holds l.mu.
func (l *Ledger) ensure(manifestURL string) (*entry, error) {
	if e, ok := l.entries[manifestURL]; ok {
		return e, nil
	}

	name := recordFileName(manifestURL)
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, apperrors.StorageError("failed to create outcome record file").WithCause(err)
	}
	f.Close()

	e := &entry{name: name, path: path}
	l.entries[manifestURL] = e
	l.order = append(l.order, manifestURL)
	return e, nil
}

func recordFileName(manifestURL string) string {
	sum := sha256.Sum256([]byte(manifestURL))
	return hex.EncodeToString(sum[:])[:24] + ".ndjson"
}

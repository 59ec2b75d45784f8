package outcome

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fhirbridge/receiver/internal/bulk"
	apperrors "github.com/fhirbridge/receiver/internal/errors"
)

func TestLedger_Counts(t *testing.T) {
	l, err := NewLedger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	const manifest = "https://example.org/manifest-1"
	for i := 0; i < 3; i++ {
		if err := l.AddSuccess(manifest); err != nil {
			t.Fatalf("AddSuccess: %v", err)
		}
	}
	if err := l.AddError(manifest, &bulk.DownloadError{
		Issue:   apperrors.IssueInvalid,
		Message: "bad resource",
	}); err != nil {
		t.Fatalf("AddError: %v", err)
	}

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Success != 3 || e.Errors != 1 {
		t.Errorf("counts = (%d, %d), want (3, 1)", e.Success, e.Errors)
	}
	if !strings.HasSuffix(e.FileName, ".ndjson") {
		t.Errorf("record file name %q should end in .ndjson", e.FileName)
	}
}

func TestLedger_RecordContent(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(dir)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	const manifest = "https://example.org/manifest-1"
	derr := &bulk.DownloadError{
		Issue:    apperrors.IssueInvalid,
		Message:  `unknown resourceType "BadType"`,
		Resource: []byte(`{"resourceType":"Patient","id":"p9"}`),
		Line:     2,
	}
	if err := l.AddError(manifest, derr); err != nil {
		t.Fatalf("AddError: %v", err)
	}

	name := l.Entries()[0].FileName
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read record file: %v", err)
	}

	var rec OperationOutcome
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if rec.ResourceType != "OperationOutcome" {
		t.Errorf("resourceType = %s", rec.ResourceType)
	}
	if len(rec.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(rec.Issue))
	}
	if rec.Issue[0].Severity != "error" || rec.Issue[0].Code != apperrors.IssueInvalid {
		t.Errorf("issue = %+v", rec.Issue[0])
	}
	if len(rec.Extension) != 1 || rec.Extension[0].ValueReference.Reference != "Patient/p9" {
		t.Errorf("expected related-resource extension Patient/p9, got %+v", rec.Extension)
	}
}

func TestLedger_SuccessWritesNoRecord(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewLedger(dir)

	const manifest = "https://example.org/manifest-1"
	if err := l.AddSuccess(manifest); err != nil {
		t.Fatalf("AddSuccess: %v", err)
	}

	name := l.Entries()[0].FileName
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("record file should exist even with only successes: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("successes must not write records, file has %d bytes", len(data))
	}
}

func TestLedger_Remove(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewLedger(dir)

	const manifest = "https://example.org/manifest-1"
	l.AddSuccess(manifest)
	name := l.Entries()[0].FileName

	if err := l.Remove(manifest); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if l.Has(manifest) {
		t.Error("entry should be forgotten")
	}
	if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
		t.Error("record file should be deleted")
	}

	// Removing an unknown manifest URL is a logic error, not a no-op.
	if err := l.Remove("https://example.org/never-seen"); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestLedger_EntriesKeepInsertionOrder(t *testing.T) {
	l, _ := NewLedger(t.TempDir())

	urls := []string{"https://a.example", "https://b.example", "https://c.example"}
	for _, u := range urls {
		l.AddSuccess(u)
	}

	entries := l.Entries()
	for i, u := range urls {
		if entries[i].ManifestURL != u {
			t.Errorf("entry %d = %s, want %s", i, entries[i].ManifestURL, u)
		}
	}
}

func TestLedger_FilePath(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewLedger(dir)
	l.AddSuccess("https://example.org/manifest-1")
	name := l.Entries()[0].FileName

	if _, ok := l.FilePath(name); !ok {
		t.Error("expected existing record file to resolve")
	}
	for _, bad := range []string{"", "../secrets", "a/b.ndjson", "missing.ndjson"} {
		if _, ok := l.FilePath(bad); ok {
			t.Errorf("FilePath(%q) should be rejected", bad)
		}
	}
}

func TestLedger_Document(t *testing.T) {
	l, _ := NewLedger(t.TempDir())

	const manifest = "https://example.org/manifest-1"
	l.AddSuccess(manifest)
	l.AddSuccess(manifest)
	l.AddError(manifest, &bulk.DownloadError{Issue: apperrors.IssueTransient, Message: "boom"})

	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := l.Document(when, "https://receiver.example/fhir/$bulk-submit", "https://receiver.example/files")

	if doc.TransactionTime != "2024-05-01T12:00:00Z" {
		t.Errorf("transactionTime = %s", doc.TransactionTime)
	}
	if doc.RequiresAccessToken {
		t.Error("requiresAccessToken must serialize as false")
	}
	if len(doc.Output) != 0 {
		t.Error("output must be empty at this layer")
	}
	if len(doc.Error) != 1 {
		t.Fatalf("expected 1 error ref, got %d", len(doc.Error))
	}
	ref := doc.Error[0]
	if ref.Type != "OperationOutcome" {
		t.Errorf("type = %s", ref.Type)
	}
	if !strings.HasPrefix(ref.URL, "https://receiver.example/files/") {
		t.Errorf("url = %s", ref.URL)
	}
	if ref.Extension.ManifestURL != manifest {
		t.Errorf("manifestUrl = %s", ref.Extension.ManifestURL)
	}
	if ref.Extension.CountSeverity.Success != 2 || ref.Extension.CountSeverity.Error != 1 {
		t.Errorf("countSeverity = %+v", ref.Extension.CountSeverity)
	}

	// The wire shape keeps the exact field names.
	raw, _ := json.Marshal(doc)
	for _, field := range []string{`"transactionTime"`, `"requiresAccessToken":false`, `"output":[]`, `"countSeverity"`, `"manifestUrl"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("serialized document missing %s: %s", field, raw)
		}
	}
}

package submission

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fhirbridge/receiver/internal/bulk"
	apperrors "github.com/fhirbridge/receiver/internal/errors"
	"github.com/fhirbridge/receiver/internal/outcome"
)

// patientServer serves a manifest with one Patient file.
func patientServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"transactionTime": "t",
			"requiresAccessToken": false,
			"output": [{"type": "Patient", "url": "%s/files/patients.ndjson"}]
		}`, srv.URL)
	})
	mux.HandleFunc("/files/patients.ndjson", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+ndjson")
		fmt.Fprint(w, `{"resourceType":"Patient","id":"p1"}`+"\n")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFetcherForTest(t *testing.T) *bulk.Fetcher {
	t.Helper()
	f, err := bulk.NewFetcher(bulk.Config{
		Destination: t.TempDir(),
		FHIRBaseURL: "https://fhir.example.org/base/",
	})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	return f
}

func newLedgerForTest(t *testing.T) *outcome.Ledger {
	t.Helper()
	l, err := outcome.NewLedger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func waitForStatus(t *testing.T, j *Job, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if j.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never reached %s, stuck at %s", want, j.Status())
}

func TestSlug(t *testing.T) {
	id := Identity{System: "https://npi.example.org", Value: "1234567890"}

	a := Slug(id, "sub-1")
	b := Slug(id, "sub-1")
	if a != b {
		t.Error("slug must be deterministic")
	}
	if len(a) != 32 {
		t.Errorf("slug length = %d, want 32", len(a))
	}
	if Slug(id, "sub-2") == a {
		t.Error("different submission ids must produce different slugs")
	}
	if Slug(Identity{System: "other", Value: id.Value}, "sub-1") == a {
		t.Error("different submitter systems must produce different slugs")
	}
}

func TestJob_StartWithoutManifestURL(t *testing.T) {
	j := NewJob("sub-1", "", "application/fhir+ndjson", newFetcherForTest(t), nil)

	err := j.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for empty manifest URL")
	}
	if j.Status() != StatusPending {
		t.Errorf("status = %s, want pending", j.Status())
	}
}

func TestJob_RunToComplete(t *testing.T) {
	srv := patientServer(t)
	j := NewJob("sub-1", srv.URL+"/manifest", "application/fhir+ndjson", newFetcherForTest(t), nil)

	var mu sync.Mutex
	var fileDone int
	j.SetObserver(Observer{
		OnFileDone: func(manifestURL string) {
			mu.Lock()
			fileDone++
			mu.Unlock()
		},
	})

	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, j, StatusComplete)

	if j.Progress() != 100 {
		t.Errorf("progress = %v, want 100", j.Progress())
	}
	mu.Lock()
	defer mu.Unlock()
	if fileDone != 1 {
		t.Errorf("expected 1 file-done callback, got %d", fileDone)
	}
}

func TestJob_StartWhileInProgress(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/manifest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"transactionTime": "t",
			"requiresAccessToken": false,
			"output": [{"url": "%s/files/slow.ndjson"}]
		}`, srv.URL)
	})
	mux.HandleFunc("/files/slow.ndjson", func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/fhir+ndjson")
		fmt.Fprint(w, `{"resourceType":"Patient","id":"p1"}`+"\n")
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	j := NewJob("sub-1", srv.URL+"/manifest", "", newFetcherForTest(t), nil)
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := j.Start(context.Background())
	if err == nil {
		t.Fatal("second Start must fail while in progress")
	}
	var appErr *apperrors.AppError
	if ok := asAppError(err, &appErr); !ok || appErr.Code != apperrors.CodeConflict {
		t.Errorf("expected conflict, got %v", err)
	}

	close(release)
	waitForStatus(t, j, StatusComplete)
}

func asAppError(err error, target **apperrors.AppError) bool {
	e, ok := err.(*apperrors.AppError)
	if ok {
		*target = e
	}
	return ok
}

func TestJob_AbortIdempotent(t *testing.T) {
	j := NewJob("sub-1", "https://example.org/manifest", "", newFetcherForTest(t), nil)

	j.Abort()
	st := j.Status()
	j.Abort()
	if j.Status() != st || st != StatusAborted {
		t.Errorf("double abort should leave the same terminal state, got %s", j.Status())
	}
}

func TestJob_AbortWinsOverLateRunEvents(t *testing.T) {
	j := NewJob("sub-1", "https://example.org/manifest", "", newFetcherForTest(t), nil)

	j.Abort()

	// A cancelled run still fires its deferred completion (and may
	// flush progress or error events); none of them may resurrect the
	// aborted job.
	j.apply(evProgress{done: 1, total: 1})
	j.apply(evComplete{})
	j.apply(evError{message: "late failure"})

	if j.Status() != StatusAborted {
		t.Errorf("status = %s, want aborted", j.Status())
	}
	if j.Progress() != 0 {
		t.Errorf("progress = %v, want 0", j.Progress())
	}
	if j.Err() != "" {
		t.Errorf("err = %q, want empty", j.Err())
	}

	// An explicit restart lifts the guard.
	srv := patientServer(t)
	j2 := NewJob("sub-1", srv.URL+"/manifest", "", newFetcherForTest(t), nil)
	j2.Abort()
	if err := j2.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitForStatus(t, j2, StatusComplete)
}

func TestJob_RestartAfterAbort(t *testing.T) {
	srv := patientServer(t)
	j := NewJob("sub-1", srv.URL+"/manifest", "", newFetcherForTest(t), nil)

	j.Abort()
	if j.Status() != StatusAborted {
		t.Fatalf("status = %s, want aborted", j.Status())
	}

	// An aborted job restarts as a fresh run of the same job.
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitForStatus(t, j, StatusComplete)
}

func TestSubmission_ProgressMean(t *testing.T) {
	srv := patientServer(t)
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", newLedgerForTest(t), nil, nil)

	done := NewJob("sub-1", srv.URL+"/manifest", "", newFetcherForTest(t), nil)
	pending := NewJob("sub-1", srv.URL+"/manifest", "", newFetcherForTest(t), nil)
	sub.AddJob(done)
	sub.AddJob(pending)

	if sub.Progress() != 0 {
		t.Errorf("initial progress = %v, want 0", sub.Progress())
	}

	if err := sub.StartJob(context.Background(), done); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitForStatus(t, done, StatusComplete)

	// Mean of 100 and 0, rounded to two decimals.
	if got := sub.Progress(); got != 50 {
		t.Errorf("progress = %v, want 50", got)
	}
}

func TestSubmission_NoJobsProgressZero(t *testing.T) {
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", newLedgerForTest(t), nil, nil)
	if sub.Progress() != 0 {
		t.Errorf("progress with no jobs = %v, want 0", sub.Progress())
	}
}

func TestSubmission_StartWiresLedger(t *testing.T) {
	srv := patientServer(t)
	ledger := newLedgerForTest(t)
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", ledger, nil, nil)

	manifestURL := srv.URL + "/manifest"
	j := NewJob("sub-1", manifestURL, "", newFetcherForTest(t), nil)
	sub.AddJob(j)

	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, j, StatusComplete)

	if !ledger.Has(manifestURL) {
		t.Fatal("ledger entry should exist for the job's manifest URL")
	}
	entries := ledger.Entries()
	if entries[0].Success != 1 || entries[0].Errors != 0 {
		t.Errorf("counts = (%d, %d), want (1, 0)", entries[0].Success, entries[0].Errors)
	}
}

func TestSubmission_StartSkipsRunningJobs(t *testing.T) {
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", newLedgerForTest(t), nil, nil)
	srv := patientServer(t)

	j := NewJob("sub-1", srv.URL+"/manifest", "", newFetcherForTest(t), nil)
	sub.AddJob(j)

	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, j, StatusComplete)

	// Completed jobs are not restarted by a second Start.
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if j.Status() != StatusComplete {
		t.Errorf("completed job was restarted, status = %s", j.Status())
	}
}

func TestSubmission_ReplaceManifest(t *testing.T) {
	srv := patientServer(t)
	ledger := newLedgerForTest(t)
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", ledger, nil, nil)

	oldURL := srv.URL + "/manifest"
	old := NewJob("sub-1", oldURL, "", newFetcherForTest(t), nil)
	sub.AddJob(old)
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, old, StatusComplete)
	if !ledger.Has(oldURL) {
		t.Fatal("precondition: ledger entry for old manifest")
	}

	// Replacement under a distinct URL so the ledger keys differ.
	newURL := srv.URL + "/manifest?v=2"
	repl := NewJob("sub-1", newURL, "", newFetcherForTest(t), nil)
	if err := sub.ReplaceManifest(context.Background(), oldURL, repl); err != nil {
		t.Fatalf("ReplaceManifest: %v", err)
	}

	if ledger.Has(oldURL) {
		t.Error("old manifest's ledger entry must be removed")
	}
	if sub.JobByManifestURL(newURL) != repl {
		t.Error("replacement job not registered")
	}
	waitForStatus(t, repl, StatusComplete)
	if !ledger.Has(newURL) {
		t.Error("replacement manifest should accrue its own ledger entry")
	}
}

func TestSubmission_ReplaceUnknownManifest(t *testing.T) {
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", newLedgerForTest(t), nil, nil)
	repl := NewJob("sub-1", "https://example.org/new", "", newFetcherForTest(t), nil)

	err := sub.ReplaceManifest(context.Background(), "https://example.org/old", repl)
	if err == nil {
		t.Fatal("expected job-not-found error")
	}
	var appErr *apperrors.AppError
	if ok := asAppError(err, &appErr); !ok || appErr.Code != apperrors.CodeJobNotFound {
		t.Errorf("expected %s, got %v", apperrors.CodeJobNotFound, err)
	}
}

func TestSubmission_TerminalStates(t *testing.T) {
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", newLedgerForTest(t), nil, nil)

	if sub.Terminal() {
		t.Error("fresh submission must not be terminal")
	}

	sub.Complete()
	if sub.Status() != StatusComplete || !sub.Terminal() {
		t.Errorf("status = %s, terminal = %v", sub.Status(), sub.Terminal())
	}
}

func TestSubmission_AbortKeepsCompletedJobs(t *testing.T) {
	srv := patientServer(t)
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", newLedgerForTest(t), nil, nil)

	done := NewJob("sub-1", srv.URL+"/manifest", "", newFetcherForTest(t), nil)
	pending := NewJob("sub-1", srv.URL+"/manifest?v=2", "", newFetcherForTest(t), nil)
	sub.AddJob(done)
	sub.AddJob(pending)

	if err := sub.StartJob(context.Background(), done); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitForStatus(t, done, StatusComplete)

	sub.Abort()
	if sub.Status() != StatusAborted {
		t.Fatalf("status = %s, want aborted", sub.Status())
	}
	// Finished work keeps its state; only unfinished jobs are stopped.
	if done.Status() != StatusComplete {
		t.Errorf("completed job transitioned to %s", done.Status())
	}
	if pending.Status() != StatusAborted {
		t.Errorf("pending job status = %s, want aborted", pending.Status())
	}
}

func TestSubmission_AbortStopsJobs(t *testing.T) {
	srv := patientServer(t)
	sub := New(Identity{System: "s", Value: "v"}, "sub-1", newLedgerForTest(t), nil, nil)

	j := NewJob("sub-1", srv.URL+"/manifest", "", newFetcherForTest(t), nil)
	sub.AddJob(j)

	sub.Abort()
	if sub.Status() != StatusAborted || !sub.Terminal() {
		t.Errorf("status = %s, want aborted", sub.Status())
	}
	if j.Status() != StatusAborted {
		t.Errorf("job status = %s, want aborted", j.Status())
	}
}

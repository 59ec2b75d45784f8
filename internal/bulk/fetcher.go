package bulk

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/fhirbridge/receiver/internal/errors"
	"github.com/fhirbridge/receiver/internal/taskqueue"
)

// Events are the lifecycle callbacks of one fetcher run. The owner binds
// them before Run and unbinds them on abort; every field is optional.
type Events struct {
	OnStart    func()
	OnProgress func(done, total int)
	OnError    func(*DownloadError)
	OnComplete func()
}

// Config holds the dependencies of a Fetcher.
type Config struct {
	// Client performs all HTTP requests. A default with a 2 minute
	// timeout is installed when nil; the upstream protocol imposes no
	// timeout of its own.
	Client *http.Client

	// Destination is the root directory files are written under, in
	// <destination>/<output|deleted|error>/<basename> layout.
	Destination string

	// FHIRBaseURL anchors attachment URLs that are not absolute and not
	// relative to their containing NDJSON file.
	FHIRBaseURL string

	// Headers are added to every file request, e.g. bearer credentials
	// for manifests that require an access token.
	Headers map[string]string

	Logger *zap.Logger
}

type runState struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Fetcher retrieves and validates one manifest at a time, streams every
// referenced file to disk, and reports lifecycle events. File downloads
// are serialized on the fetcher's own task queue; separate fetchers run
// concurrently with each other.
type Fetcher struct {
	client   *http.Client
	dest     string
	fhirBase *url.URL
	headers  map[string]string
	log      *zap.Logger
	queue    *taskqueue.Queue

	mu     sync.Mutex
	events Events
	run    *runState
}

// NewFetcher creates a fetcher for the given destination and FHIR base.
func NewFetcher(cfg Config) (*Fetcher, error) {
	base, err := url.Parse(cfg.FHIRBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid FHIR base URL %q: %w", cfg.FHIRBaseURL, err)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Fetcher{
		client:   client,
		dest:     cfg.Destination,
		fhirBase: base,
		headers:  cfg.Headers,
		log:      log,
		queue:    taskqueue.New(),
	}, nil
}

// Bind installs the event callbacks for subsequent runs.
func (f *Fetcher) Bind(ev Events) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = ev
}

// Unbind detaches all event callbacks.
func (f *Fetcher) Unbind() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = Events{}
}

// Run fetches the manifest at manifestURL, validates it, and downloads
// every referenced file. It emits OnStart once, OnProgress per completed
// file, OnError per recovered failure, and OnComplete exactly once at
// the end whether or not the run succeeded. Only manifest fetch and
// validation failures abort the run.
func (f *Fetcher) Run(ctx context.Context, manifestURL string) error {
	f.mu.Lock()
	if f.run != nil {
		f.mu.Unlock()
		return apperrors.Conflict("a manifest run is already active")
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &runState{ctx: runCtx, cancel: cancel}
	f.run = run
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.run == run {
			f.run = nil
		}
		f.mu.Unlock()
		cancel()
	}()

	f.emitStart()
	defer f.emitComplete()

	man, err := f.fetchManifest(runCtx, manifestURL)
	if err != nil {
		f.emitError(manifestFailure(manifestURL, err))
		return err
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		err = apperrors.InvalidManifest("manifest URL is not a valid URL").WithCause(err)
		f.emitError(manifestFailure(manifestURL, err))
		return err
	}

	entries := collectEntries(man)
	total := len(entries)
	if total == 0 {
		return nil
	}

	futs := make([]*taskqueue.Future, 0, total)
	for _, et := range entries {
		et := et
		futs = append(futs, f.queue.Enqueue(func(taskCtx context.Context) (any, error) {
			if err := taskCtx.Err(); err != nil {
				return nil, err
			}
			f.processFile(taskCtx, et, base)
			return et, nil
		}))
	}

	// Tasks settle strictly in FIFO order within the queue, so waiting
	// on the futures in submission order observes completion order.
	downloaded := 0
	for _, fut := range futs {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case r := <-fut.Done():
			if r.Err != nil {
				// File tasks recover their own failures; an error here
				// only means the run was cancelled mid-task.
				return r.Err
			}
			downloaded++
			f.emitProgress(downloaded, total)
		}
	}
	return nil
}

// Abort cancels the in-flight download and discards queued ones, then
// leaves the fetcher ready for a fresh Run. Idempotent.
func (f *Fetcher) Abort() {
	f.mu.Lock()
	run := f.run
	f.run = nil
	f.mu.Unlock()

	if run == nil {
		return
	}
	run.cancel()
	f.queue.AbortAll()
}

// UndoAll re-fetches the manifest and removes every file previously
// written for it, including the attachment artifacts recorded in each
// persisted NDJSON file. Per-file removal failures are reported through
// OnError and do not stop the rollback.
func (f *Fetcher) UndoAll(ctx context.Context, manifestURL string) error {
	man, err := f.fetchManifest(ctx, manifestURL)
	if err != nil {
		f.emitError(manifestFailure(manifestURL, err))
		return err
	}

	base, err := url.Parse(manifestURL)
	if err != nil {
		return apperrors.InvalidManifest("manifest URL is not a valid URL").WithCause(err)
	}

	for _, et := range collectEntries(man) {
		fileURL := resolveFileURL(base, et.entry.URL)
		dest := f.destPath(et.exportType, fileURL)
		// Attachments first: the persisted file is the record of which
		// DocumentReference artifacts were written.
		f.removeAttachments(et, fileURL, dest)
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			f.emitError(&DownloadError{
				Issue:       apperrors.IssueProcessing,
				Message:     fmt.Sprintf("failed to remove %s: %v", dest, err),
				Destination: dest,
				Cause:       err,
			})
		}
	}
	return nil
}

// fetchManifest retrieves and validates the manifest document.
func (f *Fetcher) fetchManifest(ctx context.Context, manifestURL string) (*Manifest, error) {
	return apperrors.RetryWithResult(ctx, apperrors.ManifestRetryConfig(), func(ctx context.Context) (*Manifest, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
		if err != nil {
			return nil, apperrors.InvalidManifest("manifest URL is not a valid URL").WithCause(err)
		}
		req.Header.Set("Accept", "application/json")
		f.applyHeaders(req)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, apperrors.ManifestFetchError(fmt.Sprintf("failed to fetch manifest %s", manifestURL)).WithCause(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg := fmt.Sprintf("manifest request returned %s", resp.Status)
			if apperrors.HTTPRetryableStatus(resp.StatusCode) {
				return nil, apperrors.ManifestFetchError(msg)
			}
			return nil, apperrors.New(apperrors.CodeManifestFetchError, msg, apperrors.CategoryClient, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperrors.ManifestFetchError("failed to read manifest body").WithCause(err)
		}
		return ParseManifest(body)
	})
}

// processFile downloads one manifest entry. Every failure is recovered
// locally and surfaced through OnError; partially written output is left
// in place on cancellation.
func (f *Fetcher) processFile(ctx context.Context, et exportedEntry, base *url.URL) {
	fileURL := resolveFileURL(base, et.entry.URL)
	reqInfo := &RequestInfo{Method: http.MethodGet, URL: fileURL.String()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL.String(), nil)
	if err != nil {
		f.emitError(&DownloadError{
			Issue:   apperrors.IssueInvalid,
			Message: fmt.Sprintf("invalid file URL %q", et.entry.URL),
			Request: reqInfo,
			Cause:   err,
		})
		return
	}
	f.applyHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		f.emitError(&DownloadError{
			Issue:   apperrors.IssueTransient,
			Message: fmt.Sprintf("failed to fetch %s: %v", fileURL, err),
			Request: reqInfo,
			Cause:   err,
		})
		return
	}
	defer resp.Body.Close()

	respInfo := &ResponseInfo{
		StatusCode:  resp.StatusCode,
		Status:      resp.Status,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		issue := apperrors.IssueTransient
		if resp.StatusCode == http.StatusNotFound {
			issue = apperrors.IssueNotFound
		}
		f.emitError(&DownloadError{
			Issue:    issue,
			Message:  fmt.Sprintf("file request returned %s", resp.Status),
			Request:  reqInfo,
			Response: respInfo,
		})
		return
	}

	dest := f.destPath(et.exportType, fileURL)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		f.emitError(&DownloadError{
			Issue:       apperrors.IssueProcessing,
			Message:     fmt.Sprintf("failed to create destination directory: %v", err),
			Destination: dest,
			Cause:       err,
		})
		return
	}

	// Append mode: repeated runs against the same destination accumulate.
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		f.emitError(&DownloadError{
			Issue:       apperrors.IssueProcessing,
			Message:     fmt.Sprintf("failed to open destination file: %v", err),
			Destination: dest,
			Cause:       err,
		})
		return
	}
	defer out.Close()

	if !isNDJSON(respInfo.ContentType) {
		if _, err := io.Copy(out, resp.Body); err != nil {
			f.emitError(&DownloadError{
				Issue:       apperrors.IssueTransient,
				Message:     fmt.Sprintf("failed to stream %s: %v", fileURL, err),
				Request:     reqInfo,
				Response:    respInfo,
				Destination: dest,
				Cause:       err,
			})
		}
		return
	}

	written := f.streamNDJSON(ctx, resp.Body, et, fileURL, dest, out, reqInfo, respInfo)

	if ctx.Err() != nil {
		return
	}
	if et.entry.Count != nil && *et.entry.Count != written {
		f.emitError(&DownloadError{
			Issue: apperrors.IssueProcessing,
			Message: fmt.Sprintf("expected %d resources in %s, wrote %d",
				*et.entry.Count, path.Base(fileURL.Path), written),
			Request:     reqInfo,
			Response:    respInfo,
			Destination: dest,
		})
	}

	f.log.Debug("file downloaded",
		zap.String("url", fileURL.String()),
		zap.String("destination", dest),
		zap.Int("resources", written))
}

// streamNDJSON reads the body line by line, buffering partial lines
// across chunk boundaries, and appends every valid resource to out.
// Returns the number of lines written.
func (f *Fetcher) streamNDJSON(ctx context.Context, body io.Reader, et exportedEntry, fileURL *url.URL, dest string, out io.Writer, reqInfo *RequestInfo, respInfo *ResponseInfo) int {
	reader := bufio.NewReader(body)
	written := 0
	lineNum := 0

	for {
		if ctx.Err() != nil {
			return written
		}

		line, readErr := reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			lineNum++
			res, err := parseResource([]byte(trimmed), et.entry.Type)
			if err != nil {
				f.emitError(&DownloadError{
					Issue:       apperrors.IssueInvalid,
					Message:     err.Error(),
					Request:     reqInfo,
					Response:    respInfo,
					Destination: dest,
					Resource:    []byte(trimmed),
					Line:        lineNum,
				})
			} else {
				if _, err := io.WriteString(out, trimmed+"\n"); err != nil {
					f.emitError(&DownloadError{
						Issue:       apperrors.IssueProcessing,
						Message:     fmt.Sprintf("failed to write resource: %v", err),
						Destination: dest,
						Line:        lineNum,
						Cause:       err,
					})
				} else {
					written++
				}
				if res.ResourceType == "DocumentReference" {
					f.processAttachments(ctx, []byte(trimmed), et.exportType, fileURL, dest, lineNum)
				}
			}
		}

		if readErr != nil {
			if readErr != io.EOF {
				f.emitError(&DownloadError{
					Issue:       apperrors.IssueTransient,
					Message:     fmt.Sprintf("stream interrupted: %v", readErr),
					Request:     reqInfo,
					Response:    respInfo,
					Destination: dest,
					Cause:       readErr,
				})
			}
			return written
		}
	}
}

func (f *Fetcher) destPath(exportType string, fileURL *url.URL) string {
	return filepath.Join(f.dest, exportType, path.Base(fileURL.Path))
}

func (f *Fetcher) applyHeaders(req *http.Request) {
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
}

func (f *Fetcher) emitStart() {
	f.mu.Lock()
	fn := f.events.OnStart
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *Fetcher) emitProgress(done, total int) {
	f.mu.Lock()
	fn := f.events.OnProgress
	f.mu.Unlock()
	if fn != nil {
		fn(done, total)
	}
}

func (f *Fetcher) emitError(derr *DownloadError) {
	f.mu.Lock()
	fn := f.events.OnError
	f.mu.Unlock()
	f.log.Warn("download error",
		zap.String("issue", derr.Issue),
		zap.String("message", derr.Message),
		zap.Int("line", derr.Line))
	if fn != nil {
		fn(derr)
	}
}

func (f *Fetcher) emitComplete() {
	f.mu.Lock()
	fn := f.events.OnComplete
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// resolveFileURL resolves a manifest entry URL relative to the manifest
// URL itself, honoring relative references inside manifests.
func resolveFileURL(base *url.URL, raw string) *url.URL {
	ref, err := url.Parse(raw)
	if err != nil {
		return &url.URL{Path: raw}
	}
	return base.ResolveReference(ref)
}

func isNDJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "ndjson")
}

// manifestFailure wraps a manifest-level error as a DownloadError for
// event reporting.
func manifestFailure(manifestURL string, err error) *DownloadError {
	issue := apperrors.IssueTransient
	if apperrors.IsClientError(err) {
		issue = apperrors.IssueInvalid
	}
	return &DownloadError{
		Issue:   issue,
		Message: err.Error(),
		Request: &RequestInfo{Method: http.MethodGet, URL: manifestURL},
		Cause:   err,
	}
}

// Package api translates HTTP requests into submission operations and
// submission state back into transport responses. All state lives in
// the registry; this layer only decodes, gates, and encodes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fhirbridge/receiver/internal/bulk"
	apperrors "github.com/fhirbridge/receiver/internal/errors"
	"github.com/fhirbridge/receiver/internal/metrics"
	"github.com/fhirbridge/receiver/internal/registry"
	"github.com/fhirbridge/receiver/internal/storage"
	"github.com/fhirbridge/receiver/internal/submission"
)

// parameters is the FHIR Parameters resource carried by $bulk-submit.
type parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []parameter `json:"parameter"`
}

type parameter struct {
	Name            string      `json:"name"`
	ValueString     string      `json:"valueString,omitempty"`
	ValueURL        string      `json:"valueUrl,omitempty"`
	ValueCode       string      `json:"valueCode,omitempty"`
	ValueIdentifier *identifier `json:"valueIdentifier,omitempty"`
}

type identifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

// submitRequest is the decoded transport-neutral tuple the submission
// layer consumes.
type submitRequest struct {
	Submitter      submission.Identity
	SubmissionID   string
	ManifestURL    string
	ReplacesURL    string
	Status         string
	OutputFormat   string
	RequestHeaders map[string]string
}

// Handlers holds the API layer's dependencies.
type Handlers struct {
	registry *registry.Registry
	archive  *storage.Client
	log      *zap.Logger

	// newFetcher builds one manifest fetcher per job, rooted at the
	// submission's destination directory.
	newFetcher func(slug string, headers map[string]string) (*bulk.Fetcher, error)

	// baseURL is the externally visible server URL used in
	// Content-Location and record file links.
	baseURL string

	// destDir is the root under which per-submission download trees
	// live, mirrored by the fetcher factory.
	destDir string

	metrics *metrics.Metrics
}

// SetMetrics attaches optional operation counters.
func (h *Handlers) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

func (h *Handlers) count(name string) {
	if h.metrics != nil {
		h.metrics.IncCounter(name)
	}
}

// NewHandlers creates the API handlers. archive may be nil when
// archival storage is not configured.
func NewHandlers(
	reg *registry.Registry,
	archive *storage.Client,
	newFetcher func(slug string, headers map[string]string) (*bulk.Fetcher, error),
	baseURL, destDir string,
	log *zap.Logger,
) *Handlers {
	return &Handlers{
		registry:   reg,
		archive:    archive,
		newFetcher: newFetcher,
		baseURL:    strings.TrimRight(baseURL, "/"),
		destDir:    destDir,
		log:        log,
	}
}

// BulkSubmit handles POST /fhir/$bulk-submit. One call either registers
// and starts a manifest job (optionally replacing an earlier manifest)
// or finalizes the submission via the status parameter.
func (h *Handlers) BulkSubmit(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())

	req, err := decodeSubmit(r)
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}

	// Gate before any job is created: a finalized submission accepts
	// nothing further.
	if existing := h.registry.Find(req.Submitter, req.SubmissionID); existing != nil && existing.Terminal() {
		apperrors.WriteError(w, requestID, apperrors.SubmissionFinalized(string(existing.Status())))
		return
	}

	sub, err := h.registry.FindOrCreate(req.Submitter, req.SubmissionID)
	if err != nil {
		apperrors.WriteError(w, requestID, err)
		return
	}
	sub.SetRequest(h.baseURL + r.URL.Path)

	switch {
	case req.Status == "complete":
		sub.Complete()
		h.count("submissions_completed")
		if h.archive != nil {
			go h.archiveSubmission(sub.Slug())
		}
	case req.Status == "aborted":
		sub.Abort()
		h.count("submissions_aborted")
	case req.ManifestURL != "":
		// The job outlives this request: net/http cancels r.Context()
		// as soon as the 202 is written, so the fetch runs on a
		// detached context that keeps the request-scoped values.
		if err := h.startManifest(context.WithoutCancel(r.Context()), sub, req); err != nil {
			apperrors.WriteError(w, requestID, err)
			return
		}
	default:
		apperrors.WriteError(w, requestID,
			apperrors.BadRequest("request carries neither a manifestUrl nor a terminal status"))
		return
	}

	w.Header().Set("Content-Location", h.baseURL+"/bulk-status/"+sub.Slug())
	apperrors.WriteJSON(w, requestID, http.StatusAccepted, map[string]any{
		"slug":     sub.Slug(),
		"status":   sub.Status(),
		"progress": sub.Progress(),
	})
}

func (h *Handlers) startManifest(ctx context.Context, sub *submission.Submission, req *submitRequest) error {
	fetcher, err := h.newFetcher(sub.Slug(), req.RequestHeaders)
	if err != nil {
		return apperrors.InternalError("failed to create manifest fetcher").WithCause(err)
	}
	job := submission.NewJob(req.SubmissionID, req.ManifestURL, req.OutputFormat, fetcher, h.log)

	if req.ReplacesURL != "" {
		h.count("manifests_replaced")
		return sub.ReplaceManifest(ctx, req.ReplacesURL, job)
	}
	h.count("manifests_started")

	if existing := sub.JobByManifestURL(req.ManifestURL); existing != nil {
		// Same manifest again: restart semantics, not a duplicate job.
		return sub.StartJob(ctx, existing)
	}

	sub.AddJob(job)
	return sub.StartJob(ctx, job)
}

func (h *Handlers) archiveSubmission(slug string) {
	sub := h.registry.Get(slug)
	if sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	n, err := h.archive.ArchiveSubmission(ctx, slug, filepath.Join(h.destDir, slug))
	if err != nil {
		h.log.Warn("submission archival failed", zap.String("slug", slug), zap.Error(err))
		return
	}
	h.log.Info("submission archived", zap.String("slug", slug), zap.Int("objects", n))
}

// Status handles GET /bulk-status/{slug}.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")

	sub := h.registry.Get(slug)
	if sub == nil {
		apperrors.WriteError(w, requestID, apperrors.SubmissionNotFound())
		return
	}

	switch sub.Status() {
	case submission.StatusAborted:
		writeOperationOutcome(w, http.StatusGone, "error", "processing",
			"submission was aborted and its files are being rolled back")
	case submission.StatusComplete:
		doc := sub.ErrorManifest().Document(sub.CreatedAt(), sub.Request(),
			h.baseURL+"/bulk-status/"+slug+"/files")
		apperrors.WriteJSON(w, requestID, http.StatusOK, doc)
	default:
		w.Header().Set("X-Progress", fmt.Sprintf("%.2f%%", sub.Progress()))
		w.Header().Set("Retry-After", "5")
		apperrors.WriteJSON(w, requestID, http.StatusAccepted, map[string]any{
			"slug":     slug,
			"status":   sub.Status(),
			"progress": sub.Progress(),
		})
	}
}

// OutcomeFile handles GET /bulk-status/{slug}/files/{name}, serving a
// per-manifest OperationOutcome NDJSON record file.
func (h *Handlers) OutcomeFile(w http.ResponseWriter, r *http.Request) {
	requestID := apperrors.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	name := chi.URLParam(r, "name")

	sub := h.registry.Get(slug)
	if sub == nil {
		apperrors.WriteError(w, requestID, apperrors.SubmissionNotFound())
		return
	}

	path, ok := sub.ErrorManifest().FilePath(name)
	if !ok {
		apperrors.WriteError(w, requestID, apperrors.NotFound("outcome record file"))
		return
	}

	w.Header().Set("Content-Type", "application/fhir+ndjson")
	http.ServeFile(w, r, path)
}

func decodeSubmit(r *http.Request) (*submitRequest, error) {
	var params parameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return nil, apperrors.BadRequest("request body is not valid JSON")
	}
	if params.ResourceType != "Parameters" {
		return nil, apperrors.ValidationError("request body must be a FHIR Parameters resource")
	}

	req := &submitRequest{OutputFormat: "application/fhir+ndjson"}
	for _, p := range params.Parameter {
		switch p.Name {
		case "submitter":
			if p.ValueIdentifier != nil {
				req.Submitter = submission.Identity{
					System: p.ValueIdentifier.System,
					Value:  p.ValueIdentifier.Value,
				}
			}
		case "submissionId":
			req.SubmissionID = p.ValueString
		case "manifestUrl":
			req.ManifestURL = firstNonEmpty(p.ValueURL, p.ValueString)
		case "replacesManifestUrl":
			req.ReplacesURL = firstNonEmpty(p.ValueURL, p.ValueString)
		case "status":
			req.Status = firstNonEmpty(p.ValueCode, p.ValueString)
		case "outputFormat":
			if p.ValueString != "" {
				req.OutputFormat = p.ValueString
			}
		case "requestHeader":
			// "Name: value" pairs forwarded on every file request.
			if k, v, ok := strings.Cut(p.ValueString, ":"); ok {
				if req.RequestHeaders == nil {
					req.RequestHeaders = make(map[string]string)
				}
				req.RequestHeaders[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}

	if req.Submitter.System == "" || req.Submitter.Value == "" {
		return nil, apperrors.ValidationError("submitter identifier with system and value is required")
	}
	if req.SubmissionID == "" {
		return nil, apperrors.ValidationError("submissionId is required")
	}
	if req.Status != "" && req.Status != "complete" && req.Status != "aborted" {
		return nil, apperrors.ValidationError("status must be complete or aborted")
	}
	return req, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// writeOperationOutcome emits a minimal FHIR OperationOutcome response.
func writeOperationOutcome(w http.ResponseWriter, status int, severity, code, diagnostics string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"resourceType": "OperationOutcome",
		"issue": []map[string]any{{
			"severity":    severity,
			"code":        code,
			"diagnostics": diagnostics,
		}},
	})
}

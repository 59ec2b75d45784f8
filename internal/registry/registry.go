// Package registry tracks live submissions by slug and expires them
// after their retention window. Sweeping is driven by an external
// ticker through the explicit Sweep method.
package registry

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fhirbridge/receiver/internal/events"
	"github.com/fhirbridge/receiver/internal/outcome"
	"github.com/fhirbridge/receiver/internal/submission"
)

// Config holds the registry's dependencies and retention policy.
type Config struct {
	// OutcomeDir is the base directory for per-submission outcome
	// record files, laid out as <OutcomeDir>/<slug>/.
	OutcomeDir string

	// RetentionComplete is how long a terminal submission is kept.
	RetentionComplete time.Duration

	// RetentionPending is how long a non-terminal submission is kept;
	// typically much longer than RetentionComplete.
	RetentionPending time.Duration

	Bus    events.Bus
	Logger *zap.Logger
}

// Registry is the in-memory submission store. All mutation is
// serialized through its mutex; submissions themselves guard their own
// state.
type Registry struct {
	cfg  Config
	log  *zap.Logger
	mu   sync.Mutex
	subs map[string]*submission.Submission
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cfg:  cfg,
		log:  log,
		subs: make(map[string]*submission.Submission),
	}
}

// FindOrCreate returns the submission for (submitter, submissionID),
// creating it with a fresh outcome ledger on first reference.
func (r *Registry) FindOrCreate(submitter submission.Identity, submissionID string) (*submission.Submission, error) {
	slug := submission.Slug(submitter, submissionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.subs[slug]; ok {
		return s, nil
	}

	ledger, err := outcome.NewLedger(filepath.Join(r.cfg.OutcomeDir, slug))
	if err != nil {
		return nil, err
	}

	s := submission.New(submitter, submissionID, ledger, r.cfg.Bus, r.log)
	r.subs[slug] = s
	r.log.Info("submission created",
		zap.String("slug", slug),
		zap.String("submission_id", submissionID))
	return s, nil
}

// Find returns the submission for (submitter, submissionID), or nil.
func (r *Registry) Find(submitter submission.Identity, submissionID string) *submission.Submission {
	return r.Get(submission.Slug(submitter, submissionID))
}

// Get returns the submission with the given slug, or nil.
func (r *Registry) Get(slug string) *submission.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[slug]
}

// Len returns the number of live submissions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Sweep removes submissions whose retention window has elapsed as of
// now, deleting their outcome directories, and returns how many were
// removed. Terminal submissions expire on RetentionComplete,
// non-terminal ones on RetentionPending.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	expired := make(map[string]*submission.Submission)
	for slug, s := range r.subs {
		window := r.cfg.RetentionPending
		if s.Terminal() {
			window = r.cfg.RetentionComplete
		}
		if window > 0 && now.Sub(s.UpdatedAt()) > window {
			expired[slug] = s
		}
	}
	for slug := range expired {
		delete(r.subs, slug)
	}
	r.mu.Unlock()

	for slug, s := range expired {
		for _, j := range s.Jobs() {
			j.Abort()
		}
		if err := os.RemoveAll(filepath.Join(r.cfg.OutcomeDir, slug)); err != nil {
			r.log.Warn("failed to remove outcome directory",
				zap.String("slug", slug), zap.Error(err))
		}
		r.log.Info("submission expired", zap.String("slug", slug))
	}
	return len(expired)
}

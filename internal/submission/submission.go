package submission

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fhirbridge/receiver/internal/bulk"
	apperrors "github.com/fhirbridge/receiver/internal/errors"
	"github.com/fhirbridge/receiver/internal/events"
	"github.com/fhirbridge/receiver/internal/outcome"
)

// Submission aggregates the jobs submitted under one stable
// (submitter, submissionId) identity and owns the submission-level
// terminal state and error manifest.
type Submission struct {
	slug         string
	submitter    Identity
	submissionID string
	request      string

	ledger *outcome.Ledger
	bus    events.Bus
	log    *zap.Logger

	mu        sync.Mutex
	jobs      map[string]*Job
	status    Status
	createdAt time.Time
	updatedAt time.Time
}

// New creates a submission in the in-progress state. Identity is fixed
// at construction and never recomputed.
func New(submitter Identity, submissionID string, ledger *outcome.Ledger, bus events.Bus, log *zap.Logger) *Submission {
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now()
	return &Submission{
		slug:         Slug(submitter, submissionID),
		submitter:    submitter,
		submissionID: submissionID,
		ledger:       ledger,
		bus:          bus,
		log:          log.With(zap.String("submission", submissionID)),
		jobs:         make(map[string]*Job),
		status:       StatusInProgress,
		createdAt:    now,
		updatedAt:    now,
	}
}

func (s *Submission) Slug() string         { return s.slug }
func (s *Submission) Submitter() Identity  { return s.submitter }
func (s *Submission) SubmissionID() string { return s.submissionID }

// SetRequest records the originating request URL reported in the
// error/status manifest.
func (s *Submission) SetRequest(request string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.request = request
}

// Request returns the originating request URL.
func (s *Submission) Request() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// Status returns the submission-level state. The state is monotonic:
// once complete or aborted no further jobs may start (enforced by the
// caller that owns the registry).
func (s *Submission) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Terminal reports whether the submission has reached a final state.
func (s *Submission) Terminal() bool {
	st := s.Status()
	return st == StatusComplete || st == StatusAborted
}

// Progress is the arithmetic mean of all job progresses, rounded to two
// decimal places; zero when no jobs exist.
func (s *Submission) Progress() float64 {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	if len(jobs) == 0 {
		return 0
	}
	var sum float64
	for _, j := range jobs {
		sum += j.Progress()
	}
	return math.Round(sum/float64(len(jobs))*100) / 100
}

// AddJob registers a job under its id.
func (s *Submission) AddJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID()] = j
	s.updatedAt = time.Now()
}

// Job returns the job with the given id, or nil.
func (s *Submission) Job(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// JobByManifestURL returns the job registered for manifestURL, or nil.
func (s *Submission) JobByManifestURL(manifestURL string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ManifestURL() == manifestURL {
			return j
		}
	}
	return nil
}

// Jobs returns a snapshot of all registered jobs.
func (s *Submission) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// ErrorManifest returns the submission's outcome ledger.
func (s *Submission) ErrorManifest() *outcome.Ledger {
	return s.ledger
}

// Start starts every job that is pending, failed, or aborted, wiring
// each job's per-file completions and errors into the ledger entry for
// that job's manifest URL.
func (s *Submission) Start(ctx context.Context) error {
	for _, j := range s.Jobs() {
		switch j.Status() {
		case StatusPending, StatusFailed, StatusAborted:
			if err := s.startJob(ctx, j); err != nil {
				return err
			}
		}
	}
	return nil
}

// StartJob wires and starts a single job regardless of sibling states.
func (s *Submission) StartJob(ctx context.Context, j *Job) error {
	return s.startJob(ctx, j)
}

func (s *Submission) startJob(ctx context.Context, j *Job) error {
	j.SetObserver(Observer{
		OnFileDone: func(manifestURL string) {
			if err := s.ledger.AddSuccess(manifestURL); err != nil {
				s.log.Warn("failed to record success", zap.Error(err))
			}
			s.touch()
		},
		OnFileError: func(manifestURL string, derr *bulk.DownloadError) {
			if err := s.ledger.AddError(manifestURL, derr); err != nil {
				s.log.Warn("failed to record outcome", zap.Error(err))
			}
			s.touch()
		},
		OnUpdate: func(j *Job) {
			s.touch()
			s.publishProgress(j)
		},
	})
	return j.Start(ctx)
}

// Complete marks the submission complete. The caller gates this: once
// terminal, no further start or new-job flow is permitted.
func (s *Submission) Complete() {
	s.setStatus(StatusComplete)
}

// Abort marks the submission aborted and stops every job that is still
// running or restartable. Jobs that already completed keep their state;
// there is no complete-to-aborted transition.
func (s *Submission) Abort() {
	for _, j := range s.Jobs() {
		if j.Status() == StatusComplete {
			continue
		}
		j.Abort()
	}
	s.setStatus(StatusAborted)
}

// ReplaceManifest aborts the job currently serving oldManifestURL,
// rolls back its files in the background, drops the old manifest's
// error-manifest entry (its history is superseded, not merged), and
// registers and starts a replacement job.
func (s *Submission) ReplaceManifest(ctx context.Context, oldManifestURL string, replacement *Job) error {
	old := s.JobByManifestURL(oldManifestURL)
	if old == nil {
		return apperrors.JobNotFound()
	}

	old.Abort()
	go func() {
		if err := old.Undo(context.Background()); err != nil {
			s.log.Warn("rollback of replaced manifest failed",
				zap.String("manifest_url", oldManifestURL),
				zap.Error(err))
		}
	}()

	if s.ledger.Has(oldManifestURL) {
		if err := s.ledger.Remove(oldManifestURL); err != nil {
			return err
		}
	}

	s.AddJob(replacement)
	return s.startJob(ctx, replacement)
}

// CreatedAt returns the submission's creation time, reported as the
// transaction time in the error/status manifest.
func (s *Submission) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// UpdatedAt returns the time of the last observed activity, used by the
// registry sweep.
func (s *Submission) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Submission) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Submission) touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Submission) publishProgress(j *Job) {
	if s.bus == nil {
		return
	}
	ev := events.ProgressEvent{
		Type:        events.TypeProgress,
		Slug:        s.slug,
		JobID:       j.ID(),
		ManifestURL: j.ManifestURL(),
		Status:      string(j.Status()),
		JobProgress: j.Progress(),
		Progress:    s.Progress(),
		Error:       j.Err(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Debug("failed to publish progress event", zap.Error(err))
	}
}

// Package submission holds the per-submission state: the job lifecycle
// state machine wrapping one manifest fetcher run, and the submission
// aggregate that owns jobs and their error manifest.
package submission

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fhirbridge/receiver/internal/bulk"
	apperrors "github.com/fhirbridge/receiver/internal/errors"
)

// Status is a job or submission lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// jobEvent is a state-machine input. All job mutation funnels through
// apply so transitions stay auditable independent of I/O.
type jobEvent interface{ isJobEvent() }

type evStart struct{}
type evProgress struct{ done, total int }
type evComplete struct{}
type evError struct{ message string }
type evAbort struct{}

func (evStart) isJobEvent()    {}
func (evProgress) isJobEvent() {}
func (evComplete) isJobEvent() {}
func (evError) isJobEvent()    {}
func (evAbort) isJobEvent()    {}

// Observer receives a job's externally relevant events. The owning
// submission wires it before starting the job.
type Observer struct {
	// OnFileDone fires per completed file download, keyed by the job's
	// manifest URL so success counts accrue per source manifest.
	OnFileDone func(manifestURL string)

	// OnFileError fires per recovered download error.
	OnFileError func(manifestURL string, derr *bulk.DownloadError)

	// OnUpdate fires after every state transition.
	OnUpdate func(j *Job)
}

// Job wraps one manifest fetcher run with a lifecycle state machine and
// progress tracking. It is owned exclusively by its submission and
// mutated only by its own event handlers.
type Job struct {
	id           string
	submissionID string
	manifestURL  string
	outputFormat string

	fetcher *bulk.Fetcher
	log     *zap.Logger

	mu       sync.Mutex
	status   Status
	progress float64
	errMsg   string
	observer Observer
}

// NewJob creates a pending job for one manifest URL.
func NewJob(submissionID, manifestURL, outputFormat string, fetcher *bulk.Fetcher, log *zap.Logger) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		id:           uuid.New().String(),
		submissionID: submissionID,
		manifestURL:  manifestURL,
		outputFormat: outputFormat,
		fetcher:      fetcher,
		log:          log,
		status:       StatusPending,
	}
}

func (j *Job) ID() string           { return j.id }
func (j *Job) SubmissionID() string { return j.submissionID }
func (j *Job) ManifestURL() string  { return j.manifestURL }
func (j *Job) OutputFormat() string { return j.outputFormat }

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Progress returns the job's progress in [0,100].
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Err returns the last recorded error message, if any.
func (j *Job) Err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errMsg
}

// SetObserver installs the owner's callbacks. Must be called before
// Start; replacing the observer mid-run is not supported.
func (j *Job) SetObserver(obs Observer) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observer = obs
}

// Start begins a fetcher run for the job's manifest URL. It fails when
// the job is already in progress or has no manifest URL. Restarting a
// failed or aborted job is an explicit new run of the same job.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.status == StatusInProgress {
		j.mu.Unlock()
		return apperrors.Conflict("job is already in progress")
	}
	if j.manifestURL == "" {
		j.mu.Unlock()
		return apperrors.BadRequest("job has no manifest URL")
	}
	// Transition under the same lock so a concurrent Start cannot slip
	// in between the check and the state change.
	j.status = StatusInProgress
	j.progress = 0
	j.errMsg = ""
	obs := j.observer
	j.mu.Unlock()
	if obs.OnUpdate != nil {
		obs.OnUpdate(j)
	}

	j.fetcher.Bind(bulk.Events{
		OnStart: func() {
			// Progress resets on every run start.
			j.apply(evStart{})
		},
		OnProgress: func(done, total int) {
			j.apply(evProgress{done: done, total: total})
			obs := j.snapshot()
			if obs.OnFileDone != nil {
				obs.OnFileDone(j.manifestURL)
			}
		},
		OnError: func(derr *bulk.DownloadError) {
			j.apply(evError{message: derr.Error()})
			obs := j.snapshot()
			if obs.OnFileError != nil {
				obs.OnFileError(j.manifestURL, derr)
			}
		},
		OnComplete: func() {
			j.apply(evComplete{})
		},
	})

	go func() {
		if err := j.fetcher.Run(ctx, j.manifestURL); err != nil {
			j.log.Warn("manifest run ended with error",
				zap.String("job_id", j.id),
				zap.String("manifest_url", j.manifestURL),
				zap.Error(err))
		}
	}()
	return nil
}

// Abort stops the underlying fetcher and detaches its listeners. Safe
// to call on an already-stopped job.
func (j *Job) Abort() {
	j.fetcher.Abort()
	j.fetcher.Unbind()
	j.apply(evAbort{})
}

// Undo re-fetches the job's manifest and deletes every file written for
// it, used when the manifest is replaced or the job rolled back.
func (j *Job) Undo(ctx context.Context) error {
	return j.fetcher.UndoAll(ctx, j.manifestURL)
}

// apply is the single state-transition path. It maps fetcher events
// onto the job FSM: pending -> in-progress -> {complete|failed|aborted},
// with failed|aborted -> in-progress on restart. "complete" means the
// run finished, not that it succeeded; failures arrive separately via
// error events.
func (j *Job) apply(ev jobEvent) {
	j.mu.Lock()
	// An aborted job stays aborted until the next explicit start. The
	// fetcher's deferred completion (and any straggling progress or
	// error events from the cancelled run) must not resurrect it.
	if j.status == StatusAborted {
		switch ev.(type) {
		case evProgress, evComplete, evError:
			j.mu.Unlock()
			return
		}
	}
	switch e := ev.(type) {
	case evStart:
		j.status = StatusInProgress
		j.progress = 0
		j.errMsg = ""
	case evProgress:
		if e.total > 0 {
			j.progress = math.Round(100 * float64(e.done) / float64(e.total))
		}
	case evComplete:
		j.status = StatusComplete
		j.progress = 100
	case evError:
		j.status = StatusFailed
		j.errMsg = e.message
	case evAbort:
		j.status = StatusAborted
	}
	obs := j.observer
	j.mu.Unlock()

	if obs.OnUpdate != nil {
		obs.OnUpdate(j)
	}
}

func (j *Job) snapshot() Observer {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.observer
}

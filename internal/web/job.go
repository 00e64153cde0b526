package web

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shutterdesk/autoresponder/internal/dispatch"
)

// JobStatus represents the status of a background dispatch job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusError     JobStatus = "error"
)

// Job is one dispatch pass started from the admin API
type Job struct {
	ID          string
	Status      JobStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Summary     *dispatch.PassSummary
	Error       string

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// JobView is the JSON shape of a job
type JobView struct {
	ID          string                   `json:"id"`
	Status      JobStatus                `json:"status"`
	StartedAt   time.Time                `json:"startedAt"`
	CompletedAt *time.Time               `json:"completedAt,omitempty"`
	Counts      map[dispatch.Outcome]int `json:"counts,omitempty"`
	Results     []dispatch.Result        `json:"results,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// Finish records the pass summary, unless the job was already cancelled
func (j *Job) Finish(summary dispatch.PassSummary, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	defer close(j.done)

	j.Summary = &summary
	j.CompletedAt = time.Now()
	switch {
	case j.Status == JobStatusCancelled:
	case err != nil:
		j.Status = JobStatusError
		j.Error = err.Error()
	default:
		j.Status = JobStatusCompleted
	}
	j.cancel()
}

// Cancel stops a running job
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status == JobStatusRunning {
		j.Status = JobStatusCancelled
		j.cancel()
	}
}

// Context returns the job's context
func (j *Job) Context() context.Context {
	return j.ctx
}

// Done is closed once the pass has returned
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) View() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := JobView{ID: j.ID, Status: j.Status, StartedAt: j.StartedAt, Error: j.Error}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		v.CompletedAt = &t
	}
	if j.Summary != nil {
		v.Counts = j.Summary.Counts
		v.Results = j.Summary.Results
	}
	return v
}

func (j *Job) running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == JobStatusRunning
}

// JobManager tracks dispatch jobs. At most one runs at a time.
type JobManager struct {
	jobs map[string]*Job
	mu   sync.RWMutex
	base context.Context
}

// NewJobManager creates a job manager whose jobs derive from base, so
// cancelling base stops every job
func NewJobManager(base context.Context) *JobManager {
	return &JobManager{jobs: make(map[string]*Job), base: base}
}

// Start creates a running job unless one is already active, in which case
// it returns the active job and false
func (jm *JobManager) Start() (*Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, job := range jm.jobs {
		if job.running() {
			return job, false
		}
	}

	ctx, cancel := context.WithCancel(jm.base)
	job := &Job{
		ID:        uuid.New().String(),
		Status:    JobStatusRunning,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	jm.jobs[job.ID] = job
	return job, true
}

// Get returns a job by ID, or nil if not found
func (jm *JobManager) Get(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[id]
}

// CancelAll stops every running job
func (jm *JobManager) CancelAll() {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	for _, job := range jm.jobs {
		job.Cancel()
	}
}

// Cleanup removes finished jobs older than maxAge
func (jm *JobManager) Cleanup(maxAge time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range jm.jobs {
		job.mu.Lock()
		stale := job.Status != JobStatusRunning && !job.CompletedAt.IsZero() && job.CompletedAt.Before(cutoff)
		job.mu.Unlock()
		if stale {
			delete(jm.jobs, id)
		}
	}
}

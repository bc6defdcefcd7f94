package service

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/graph"
)

// JobStatus represents the state of a background job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobTypePrefetch is the only job type: an asynchronous graph prefetch.
const JobTypePrefetch = "prefetch"

// maxFinishedJobs bounds how many completed or failed jobs are remembered.
const maxFinishedJobs = 200

// Job represents a background prefetch.
type Job struct {
	ID       string
	Type     string
	UserID   string
	Status   JobStatus
	Progress int
	Total    int
	Result   *graph.PrefetchResult
	Error    string

	StartedAt   time.Time
	CompletedAt *time.Time

	mu sync.RWMutex
}

// JobInfo is a point-in-time copy of a Job.
type JobInfo struct {
	ID          string                `json:"id"`
	Type        string                `json:"type"`
	UserID      string                `json:"user_id"`
	Status      JobStatus             `json:"status"`
	Progress    int                   `json:"progress"`
	Total       int                   `json:"total"`
	Result      *graph.PrefetchResult `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Done reports whether the job reached a final state.
func (j JobInfo) Done() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Snapshot returns a thread-safe copy of job state.
func (j *Job) Snapshot() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return JobInfo{
		ID:          j.ID,
		Type:        j.Type,
		UserID:      j.UserID,
		Status:      j.Status,
		Progress:    j.Progress,
		Total:       j.Total,
		Result:      j.Result,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// JobManager tracks background jobs in memory.
type JobManager struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewJobManager creates a job manager.
func NewJobManager(logger *slog.Logger) *JobManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobManager{
		jobs:   make(map[string]*Job),
		logger: logger,
	}
}

// Create registers a new pending job.
func (m *JobManager) Create(jobType, userID string, total int) *Job {
	job := &Job{
		ID:        uuid.New().String()[:8], // Short ID for convenience
		Type:      jobType,
		UserID:    userID,
		Status:    JobStatusPending,
		Total:     total,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.pruneLocked()
	m.mu.Unlock()

	m.logger.Info("job created", "job_id", job.ID, "type", jobType, "user_id", userID)
	return job
}

// Get retrieves a job by ID.
func (m *JobManager) Get(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// List returns all jobs, most recent first.
func (m *JobManager) List() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	slices.SortFunc(jobs, func(a, b *Job) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return jobs
}

// UpdateProgress records fetch progress and marks the job running.
func (m *JobManager) UpdateProgress(job *Job, current, total int) {
	job.mu.Lock()
	defer job.mu.Unlock()
	job.Progress = current
	job.Total = total
	if job.Status == JobStatusPending {
		job.Status = JobStatusRunning
	}
}

// SetRunning marks the job as running.
func (m *JobManager) SetRunning(job *Job) {
	job.mu.Lock()
	job.Status = JobStatusRunning
	job.mu.Unlock()
}

// Complete marks the job as completed with result.
func (m *JobManager) Complete(job *Job, result *graph.PrefetchResult) {
	job.mu.Lock()
	job.Status = JobStatusCompleted
	job.Result = result
	job.Progress = result.Entities
	now := time.Now()
	job.CompletedAt = &now
	job.mu.Unlock()

	m.logger.Info("job completed", "job_id", job.ID, "entities", result.Entities, "warnings", result.Warnings)
}

// Fail marks the job as failed.
func (m *JobManager) Fail(job *Job, err error) {
	job.mu.Lock()
	job.Status = JobStatusFailed
	job.Error = err.Error()
	now := time.Now()
	job.CompletedAt = &now
	job.mu.Unlock()

	m.logger.Error("job failed", "job_id", job.ID, "error", err)
}

// pruneLocked forgets the oldest finished jobs beyond maxFinishedJobs.
func (m *JobManager) pruneLocked() {
	var finished []*Job
	for _, j := range m.jobs {
		if j.Snapshot().Done() {
			finished = append(finished, j)
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	slices.SortFunc(finished, func(a, b *Job) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	for _, j := range finished[:len(finished)-maxFinishedJobs] {
		delete(m.jobs, j.ID)
	}
}

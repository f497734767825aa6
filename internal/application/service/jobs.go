package service

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobType identifies what a background job does.
type JobType string

const (
	JobBulkMatch       JobType = "bulk_match"
	JobAutoMatchNew    JobType = "auto_match_new"
	JobReprocessFailed JobType = "reprocess_failed"
)

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job event names published on the processor's event stream.
const (
	EventJobQueued    = "job_queued"
	EventJobStarted   = "job_started"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCancellable is returned when cancelling a job that already
	// left the pending state. Running jobs cannot be cancelled.
	ErrJobNotCancellable = errors.New("only pending jobs can be cancelled")
	// ErrProcessorStopped is returned by Submit after Stop.
	ErrProcessorStopped = errors.New("job processor is stopped")
)

// JobRequest describes a job to enqueue.
type JobRequest struct {
	OrganizationID string  `json:"organization_id"`
	Type           JobType `json:"type"`
	Priority       int     `json:"priority"`
	BatchSize      int     `json:"batch_size,omitempty"`
}

// JobProgress holds the counters a running job reports.
type JobProgress struct {
	Processed  int       `json:"processed"`
	Matched    int       `json:"matched"`
	Suggested  int       `json:"suggested"`
	LastUpdate time.Time `json:"last_update"`
}

// Job is one queued, running or finished background job.
type Job struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Type           JobType          `json:"type"`
	Priority       int              `json:"priority"`
	BatchSize      int              `json:"batch_size,omitempty"`
	Status         JobStatus        `json:"status"`
	QueuedAt       time.Time        `json:"queued_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Progress       JobProgress      `json:"progress"`
	Result         *BulkMatchResult `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`

	seq       int64 // FIFO tiebreak within a priority
	heapIndex int   // position in the pending heap, -1 when not queued
}

// JobEvent is one entry on the processor's event stream.
type JobEvent struct {
	Type  string    `json:"type"`
	JobID string    `json:"job_id"`
	At    time.Time `json:"at"`
}

// jobHeap orders pending jobs by priority descending, then FIFO.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *jobHeap) Push(x any) {
	job := x.(*Job)
	job.heapIndex = len(*h)
	*h = append(*h, job)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.heapIndex = -1
	*h = old[:n-1]
	return job
}

// JobProcessor runs matching jobs in the background with bounded
// concurrency. Work is picked up on a fixed poll interval; jobs are never
// retried automatically — a failure is terminal until explicit resubmission.
type JobProcessor struct {
	service      *MatchingService
	logger       *slog.Logger
	concurrency  int
	pollInterval time.Duration

	mutex   sync.Mutex
	queue   jobHeap
	jobs    map[string]*Job
	running int
	nextSeq int64
	started bool
	stopped bool

	events chan JobEvent
	stop   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewJobProcessor creates a job processor. concurrency <= 0 and
// pollInterval <= 0 fall back to 3 workers and a 5s poll.
func NewJobProcessor(service *MatchingService, logger *slog.Logger, concurrency int, pollInterval time.Duration) *JobProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &JobProcessor{
		service:      service,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		jobs:         make(map[string]*Job),
		events:       make(chan JobEvent, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the poll loop and the event logging subscriber.
func (p *JobProcessor) Start() {
	p.mutex.Lock()
	p.started = true
	p.mutex.Unlock()
	go p.consumeEvents()
	go p.pollLoop()
}

// Stop halts intake, lets running jobs drain, and closes the event stream.
// Pending jobs stay pending; they are lost with the process.
func (p *JobProcessor) Stop() {
	p.mutex.Lock()
	if p.stopped {
		p.mutex.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mutex.Unlock()

	close(p.stop)
	p.wg.Wait()
	close(p.events)
	if started {
		<-p.done
	}
}

// Submit enqueues a job and returns its snapshot.
func (p *JobProcessor) Submit(req JobRequest) (*Job, error) {
	switch req.Type {
	case JobBulkMatch, JobAutoMatchNew, JobReprocessFailed:
	default:
		return nil, fmt.Errorf("unknown job type %q", req.Type)
	}
	if req.OrganizationID == "" {
		return nil, errors.New("organization id is required")
	}

	p.mutex.Lock()
	if p.stopped {
		p.mutex.Unlock()
		return nil, ErrProcessorStopped
	}

	p.nextSeq++
	job := &Job{
		ID:             uuid.New().String(),
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		Priority:       req.Priority,
		BatchSize:      req.BatchSize,
		Status:         JobPending,
		QueuedAt:       time.Now(),
		seq:            p.nextSeq,
	}
	p.jobs[job.ID] = job
	heap.Push(&p.queue, job)
	snapshot := *job
	// Emit before unlocking: Stop sets stopped under this mutex and closes
	// the event stream afterwards, so an emit that saw stopped=false has
	// finished before the close. emit never blocks.
	p.emit(EventJobQueued, job.ID)
	p.mutex.Unlock()

	return &snapshot, nil
}

// Cancel cancels a pending job. Running jobs cannot be cancelled.
func (p *JobProcessor) Cancel(jobID string) error {
	p.mutex.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.mutex.Unlock()
		return ErrJobNotFound
	}
	if job.Status != JobPending {
		p.mutex.Unlock()
		return ErrJobNotCancellable
	}

	heap.Remove(&p.queue, job.heapIndex)
	job.Status = JobCancelled
	now := time.Now()
	job.CompletedAt = &now
	// After Stop the event stream is closed; emitting under the mutex keeps
	// the stopped check and the send atomic with respect to Stop.
	if !p.stopped {
		p.emit(EventJobCancelled, jobID)
	}
	p.mutex.Unlock()

	return nil
}

// GetJob returns a snapshot of one job.
func (p *JobProcessor) GetJob(jobID string) (*Job, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// ListJobs returns snapshots of all known jobs, newest first.
func (p *JobProcessor) ListJobs() []*Job {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	jobs := make([]*Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		snapshot := *job
		jobs = append(jobs, &snapshot)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].seq > jobs[j].seq })
	return jobs
}

func (p *JobProcessor) pollLoop() {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.dispatch()
		}
	}
}

// dispatch starts as many pending jobs as the concurrency limit allows.
func (p *JobProcessor) dispatch() {
	for {
		p.mutex.Lock()
		if p.stopped || p.running >= p.concurrency || p.queue.Len() == 0 {
			p.mutex.Unlock()
			return
		}
		job := heap.Pop(&p.queue).(*Job)
		job.Status = JobRunning
		now := time.Now()
		job.StartedAt = &now
		p.running++
		p.mutex.Unlock()

		p.wg.Add(1)
		go p.run(job)
	}
}

func (p *JobProcessor) run(job *Job) {
	defer p.wg.Done()
	p.emit(EventJobStarted, job.ID)

	// Background jobs outlive any request that spawned them.
	result, err := p.execute(context.Background(), job)

	p.mutex.Lock()
	now := time.Now()
	job.CompletedAt = &now
	job.Result = result
	if result != nil {
		job.Progress = JobProgress{
			Processed:  result.TotalProcessed,
			Matched:    result.MatchesCreated,
			Suggested:  result.SuggestionsCreated,
			LastUpdate: now,
		}
	}
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
	} else {
		job.Status = JobCompleted
	}
	p.running--
	p.mutex.Unlock()

	if err != nil {
		p.emit(EventJobFailed, job.ID)
	} else {
		p.emit(EventJobCompleted, job.ID)
	}
}

func (p *JobProcessor) execute(ctx context.Context, job *Job) (*BulkMatchResult, error) {
	switch job.Type {
	case JobBulkMatch, JobReprocessFailed:
		// A failed run is reprocessed by running the backlog again:
		// matched items are gone from the unmatched listings, so only the
		// leftovers get rescored.
		return p.service.BulkMatch(ctx, job.OrganizationID, job.BatchSize)
	case JobAutoMatchNew:
		return p.autoMatchNew(ctx, job)
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}

// autoMatchNew runs a single greedy pass over the current unmatched pools
// without pagination, for small "new arrivals" batches.
func (p *JobProcessor) autoMatchNew(ctx context.Context, job *Job) (*BulkMatchResult, error) {
	size := job.BatchSize
	if size <= 0 {
		size = p.service.poolSize()
	}

	orgID := job.OrganizationID
	txns, err := p.service.storage.ListUnmatchedTransactions(orgID, size, 0)
	if err != nil {
		return nil, err
	}
	rcpts, err := p.service.storage.ListUnmatchedReceipts(orgID, size*2, 0)
	if err != nil {
		return nil, err
	}

	// Claim both pools so a concurrent run for the same organization never
	// scores (and then supersedes) the same items.
	txnIDs := make([]string, len(txns))
	for i, txn := range txns {
		txnIDs[i] = txn.ID
	}
	rcptIDs := make([]string, len(rcpts))
	for i, rcpt := range rcpts {
		rcptIDs[i] = rcpt.ID
	}
	if _, err := p.service.storage.ClaimTransactions(orgID, txnIDs); err != nil {
		return nil, err
	}
	if _, err := p.service.storage.ClaimReceipts(orgID, rcptIDs); err != nil {
		p.releaseClaims(orgID, txnIDs, nil)
		return nil, err
	}

	batch, err := p.service.AutoMatch(ctx, orgID, txns, rcpts)
	if err != nil {
		p.releaseClaims(orgID, txnIDs, rcptIDs)
		return nil, err
	}
	p.releaseClaims(orgID, batch.UnmatchedTransactionIDs, batch.UnmatchedReceiptIDs)

	return &BulkMatchResult{
		TotalProcessed:     batch.Stats.Processed,
		MatchesCreated:     batch.Stats.AutoMatched,
		SuggestionsCreated: batch.Stats.Suggested,
	}, nil
}

// releaseClaims returns claimed items to the pool, logging failures.
func (p *JobProcessor) releaseClaims(orgID string, txnIDs, rcptIDs []string) {
	if err := p.service.storage.ReleaseTransactions(orgID, txnIDs); err != nil {
		p.logger.Warn("failed to release claimed transactions", "org_id", orgID, "error", err)
	}
	if err := p.service.storage.ReleaseReceipts(orgID, rcptIDs); err != nil {
		p.logger.Warn("failed to release claimed receipts", "org_id", orgID, "error", err)
	}
}

// emit publishes an event without ever blocking a worker: when the buffer is
// full the event is dropped and logged.
func (p *JobProcessor) emit(eventType, jobID string) {
	event := JobEvent{Type: eventType, JobID: jobID, At: time.Now()}
	select {
	case p.events <- event:
	default:
		p.logger.Warn("job event buffer full, dropping event",
			"event", eventType, "job_id", jobID)
	}
}

// consumeEvents is the logging subscriber for the event stream.
func (p *JobProcessor) consumeEvents() {
	defer close(p.done)
	for event := range p.events {
		p.logger.Info("job event", "event", event.Type, "job_id", event.JobID)
	}
}

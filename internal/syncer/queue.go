package syncer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// jobHeap orders ready jobs by priority, then FIFO by enqueue time.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// Queue is the in-process job queue. It guarantees at most one worker
// executes a given job id at a time: a job leaves the heap when dequeued and
// only re-enters through Requeue. Finished jobs are retained with bounded
// history for operability.
type Queue struct {
	mu      sync.Mutex
	pending jobHeap
	jobs    map[string]*Job // every known job, including finished ones
	done    []string        // finished job ids, oldest first, per terminal state
	failed  []string

	keepCompleted int
	keepFailed    int

	notify chan struct{}
}

// NewQueue creates a queue retaining at most keepCompleted completed and
// keepFailed failed jobs.
func NewQueue(keepCompleted, keepFailed int) *Queue {
	return &Queue{
		jobs:          make(map[string]*Job),
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		notify:        make(chan struct{}, 1),
	}
}

// Enqueue adds a new job and returns it.
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	job.State = JobQueued
	job.EnqueuedAt = time.Now()
	if job.NotBefore.IsZero() {
		job.NotBefore = job.EnqueuedAt
	}
	q.jobs[job.ID] = job
	heap.Push(&q.pending, job)
	q.mu.Unlock()

	q.wake()
}

// Requeue puts a dequeued job back for a retry after the backoff delay.
func (q *Queue) Requeue(job *Job, delay time.Duration) {
	q.mu.Lock()
	job.State = JobQueued
	job.NotBefore = time.Now().Add(delay)
	heap.Push(&q.pending, job)
	q.mu.Unlock()

	q.wake()
}

// Dequeue blocks until a job is ready or the context is cancelled. The
// returned job is marked RUNNING.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		job, wait := q.popReady()
		q.mu.Unlock()

		if job != nil {
			// More jobs may be ready; let another worker check.
			q.wake()
			return job, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// popReady pops the best ready job, or reports how long until one could be
// ready. Caller holds the lock.
func (q *Queue) popReady() (*Job, time.Duration) {
	now := time.Now()
	wait := time.Minute

	// Jobs gated by backoff sit in the heap; skip over them while keeping
	// them queued.
	var deferred []*Job
	var picked *Job
	for q.pending.Len() > 0 {
		job := heap.Pop(&q.pending).(*Job)
		if job.NotBefore.After(now) {
			if d := time.Until(job.NotBefore); d < wait {
				wait = d
			}
			deferred = append(deferred, job)
			continue
		}
		picked = job
		break
	}
	for _, job := range deferred {
		heap.Push(&q.pending, job)
	}

	if picked != nil {
		picked.State = JobRunning
		return picked, 0
	}
	return nil, wait
}

// Finish records a job's terminal state and prunes old history. Completed
// jobs are pruned aggressively, failed jobs are kept longer.
func (q *Queue) Finish(job *Job, state JobState) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.State = state
	switch state {
	case JobCompleted:
		q.done = append(q.done, job.ID)
		q.done = q.prune(q.done, q.keepCompleted)
	case JobFailed:
		q.failed = append(q.failed, job.ID)
		q.failed = q.prune(q.failed, q.keepFailed)
	}
}

func (q *Queue) prune(ids []string, keep int) []string {
	for len(ids) > keep {
		delete(q.jobs, ids[0])
		ids = ids[1:]
	}
	return ids
}

// Get returns a snapshot of a job by id, if still retained.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// SetProgress records an observability checkpoint for a running job.
func (q *Queue) SetProgress(job *Job, pct int) {
	q.mu.Lock()
	job.Progress = pct
	q.mu.Unlock()
}

// RecordAttempt bumps the attempt counter and stores the last error, if any.
func (q *Queue) RecordAttempt(job *Job, lastError string) {
	q.mu.Lock()
	job.Attempts++
	job.LastError = lastError
	q.mu.Unlock()
}

// Pending returns the number of jobs waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

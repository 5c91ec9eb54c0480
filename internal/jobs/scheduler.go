// internal/jobs/scheduler.go
package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Priority orders jobs in the queue. Interactive work (an operator adding
// users) runs ahead of routine rescrapes.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "default"
}

// Job is one independently retryable unit of work.
type Job struct {
	ID         uuid.UUID
	Name       string
	Priority   Priority
	MaxRetries int
	Batch      *Batch
	Run        func(ctx context.Context) error

	attempts int
	seq      uint64
}

// Batch groups many jobs as one logical unit. Its callback fires once every
// job in the batch has finished (succeeded or exhausted its retries), but
// never before Finalize marks the batch as fully enqueued.
type Batch struct {
	ID   uuid.UUID
	Name string

	mu        sync.Mutex
	pending   int
	finalized bool
	fired     bool
	onDone    func()
}

// NewBatch creates a batch. onDone may be nil.
func NewBatch(name string, onDone func()) *Batch {
	return &Batch{
		ID:     uuid.New(),
		Name:   name,
		onDone: onDone,
	}
}

// Finalize declares that no more jobs will be added. If everything already
// finished, the completion callback fires immediately.
func (b *Batch) Finalize() {
	b.mu.Lock()
	b.finalized = true
	fire := b.pending == 0 && !b.fired
	if fire {
		b.fired = true
	}
	b.mu.Unlock()
	if fire && b.onDone != nil {
		b.onDone()
	}
}

func (b *Batch) add() {
	b.mu.Lock()
	b.pending++
	b.mu.Unlock()
}

func (b *Batch) complete() {
	b.mu.Lock()
	b.pending--
	fire := b.finalized && b.pending == 0 && !b.fired
	if fire {
		b.fired = true
	}
	b.mu.Unlock()
	if fire && b.onDone != nil {
		b.onDone()
	}
}

// Scheduler is an in-process priority queue with a fixed worker pool.
// Enqueue never blocks on job execution; callers that care about a group of
// jobs use a Batch.
type Scheduler struct {
	logger  *slog.Logger
	workers int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   jobQueue
	seq     uint64
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(workers int, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		logger:  logger,
		workers: workers,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. Workers run until ctx is cancelled or
// Stop is called; in-flight jobs finish, queued jobs are abandoned with
// their batch slots released (safe: all pipeline jobs are at-least-once and
// will be re-enqueued next run).
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
}

// Stop halts the workers and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.shutdown()
	s.wg.Wait()
}

// Enqueue adds a job to the queue. A nil job ID is assigned; a job carrying
// a Batch registers with it here, before the call returns.
func (s *Scheduler) Enqueue(job *Job) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Batch != nil {
		job.Batch.add()
	}
	s.push(job)
}

func (s *Scheduler) push(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		// late arrivals after shutdown are dropped; their batch slot is
		// released so Finalize callbacks still fire
		if job.Batch != nil {
			go job.Batch.complete()
		}
		return
	}
	s.seq++
	job.seq = s.seq
	heap.Push(&s.queue, job)
	s.cond.Signal()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	abandoned := s.queue
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	// release the batch slot of every job that will now never run, so
	// Finalize callbacks on interrupted batches still fire
	for _, job := range abandoned {
		s.logger.Warn("job abandoned at shutdown", "job", job.Name, "id", job.ID)
		if job.Batch != nil {
			job.Batch.complete()
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		job := heap.Pop(&s.queue).(*Job)
		s.mu.Unlock()

		s.run(ctx, job)
	}
}

func (s *Scheduler) run(ctx context.Context, job *Job) {
	err := s.safeRun(ctx, job)
	if err == nil {
		s.logger.Debug("job finished", "job", job.Name, "id", job.ID)
		if job.Batch != nil {
			job.Batch.complete()
		}
		return
	}

	if job.attempts < job.MaxRetries {
		job.attempts++
		s.logger.Warn("job failed, retrying",
			"job", job.Name, "id", job.ID, "attempt", job.attempts, "error", err)
		s.push(job)
		return
	}

	s.logger.Error("job failed permanently",
		"job", job.Name, "id", job.ID, "attempts", job.attempts+1, "error", err)
	if job.Batch != nil {
		job.Batch.complete()
	}
}

func (s *Scheduler) safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// jobQueue is a max-heap on (priority, then FIFO within a priority).
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*Job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}

package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a keyed unit of background work. Jobs sharing a key are
// collapsed while one of them is queued or running.
type Job struct {
	Key string
	Fn  func(context.Context) error
}

// Pool runs keyed jobs on a bounded set of goroutines
type Pool struct {
	name    string
	workers int
	jobs    chan Job
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool
	stopOnce sync.Once

	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
	collapsed uint64
}

// Config holds pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// New creates a pool and starts its workers
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     cfg.Name,
		workers:  cfg.Workers,
		jobs:     make(chan Job, cfg.QueueSize),
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(workerID int, job Job) {
	defer p.release(job.Key)

	start := time.Now()
	if err := p.safeRun(job); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Background job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job_key", job.Key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
}

func (p *Pool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Fn(p.ctx)
}

func (p *Pool) release(key string) {
	if key == "" {
		return
	}
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

// TrySubmit enqueues a job without blocking. It returns false when the pool
// is stopped, the queue is full, or a job with the same key is pending.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
	if job.Key != "" {
		if _, ok := p.inflight[job.Key]; ok {
			atomic.AddUint64(&p.collapsed, 1)
			return false
		}
	}

	select {
	case p.jobs <- job:
		if job.Key != "" {
			p.inflight[job.Key] = struct{}{}
		}
		atomic.AddUint64(&p.submitted, 1)
		return true
	default:
		atomic.AddUint64(&p.rejected, 1)
		return false
	}
}

// Stop stops accepting jobs, drains the queue and waits for workers.
// Jobs still running at the deadline observe a cancelled context.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			p.cancel()
			<-done
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}
		p.cancel()
	})
	return err
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.inflight)
	p.mu.Unlock()

	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Pending:   pending,
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
		Collapsed: atomic.LoadUint64(&p.collapsed),
	}
}

// Stats represents pool statistics
type Stats struct {
	Name      string
	Workers   int
	Pending   int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
	Collapsed uint64
}

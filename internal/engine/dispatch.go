package engine

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

// queueCap bounds each workspace's pending-job queue. Engines recompute
// from database state, so dropping the oldest pending job on overflow
// loses nothing the next job won't re-derive.
const queueCap = 16

// Dispatcher serializes engine runs per workspace: one worker goroutine
// per workspace draining a bounded queue. Jobs for different workspaces
// run concurrently; jobs for the same workspace never do.
type Dispatcher struct {
	engines *Engines

	mu     sync.Mutex
	queues map[string]chan Job
	closed bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher running jobs through engines.
func NewDispatcher(engines *Engines) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Dispatcher{
		engines: engines,
		queues:  make(map[string]chan Job),
		group:   group,
		ctx:     gctx,
		cancel:  cancel,
	}
}

// Enqueue schedules a job for its workspace. It never blocks: when the
// workspace queue is full the oldest pending job is discarded to make
// room. Safe to call from request handlers.
func (d *Dispatcher) Enqueue(job Job) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[job.WorkspaceID]
	if !ok {
		q = make(chan Job, queueCap)
		d.queues[job.WorkspaceID] = q
		d.group.Go(func() error {
			d.worker(q)
			return nil
		})
	}
	d.mu.Unlock()

	for {
		select {
		case q <- job:
			return
		default:
		}
		select {
		case dropped := <-q:
			log.Printf("engine: queue full for workspace %s, dropping job for commit %s",
				dropped.WorkspaceID, dropped.CommitHash)
		default:
		}
	}
}

func (d *Dispatcher) worker(q chan Job) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-q:
			d.engines.Process(d.ctx, job)
		}
	}
}

// Close stops accepting jobs, cancels in-flight engine runs, and waits for
// all workers to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	_ = d.group.Wait()
}

/*
 * MIT License
 *
 * Copyright (c) 2025 relayd contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package workerpool is the bounded goroutine pool + FIFO backlog
// describes: a fixed number of workers, each running one Job at a time,
// backed by a bounded queue for work that arrives when every worker is
// busy. Only the reactor goroutine ever calls Enqueue/Cancel or touches a
// Job's fields after it fires Finished — workers hand results back across
// the goroutine boundary through a buffered channel plus an eventfd Waker
// that wakes the reactor's epoll_wait, the same rendezvous the original
// used a per-thread pipe for.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/reactor"
	"github.com/nabbar/relayd/internal/rlog"
)

// ErrQueueFull is returned by Enqueue when every worker is busy and the
// backlog has no free slot, the Go reading of the original's enqueueJob
// returning -1 for a full ring buffer.
var ErrQueueFull = errors.New("workerpool: queue full")

type completion struct {
	result   any
	err      error
	panicMsg string
}

type worker struct {
	pool  *Pool
	job   *Job
	start chan jobStart
	done  chan completion
	waker *reactor.Waker
}

type jobStart struct {
	job *Job
	ctx context.Context
}

// Pool is the worker pool bound to a Reactor.
type Pool struct {
	r   *reactor.Reactor
	log rlog.Logger

	workers []*worker
	queue   []*Job
	queueN  int
}

// Options mirrors the original's ThreadOpts sizing knobs ("sized
// from the number of CPUs unless overridden").
type Options struct {
	NumWorkers int
	QueueLen   int
}

// DefaultOptions picks nthreads proportional to GOMAXPROCS (twice its
// value, at least 4), the per-CPU scaling the original falls back to.
func DefaultOptions() Options {
	n := runtime.GOMAXPROCS(0) * 2
	if n < 4 {
		n = 4
	}
	if n > 32 {
		n = 32
	}
	return Options{NumWorkers: n, QueueLen: n * 8}
}

// New creates and starts a Pool of opts.NumWorkers goroutines, each armed
// with its own Waker registered on r.
func New(r *reactor.Reactor, log rlog.Logger, opts Options) (*Pool, error) {
	if opts.NumWorkers <= 0 {
		opts = DefaultOptions()
	}
	p := &Pool{r: r, log: log, queue: make([]*Job, 0, opts.QueueLen), queueN: opts.QueueLen}

	log.Fmt(level.DebugLevel, "workerpool: starting with %d workers and a queue for %d jobs",
		opts.NumWorkers, opts.QueueLen)

	for i := 0; i < opts.NumWorkers; i++ {
		waker, err := r.NewWaker()
		if err != nil {
			p.shutdownWorkers(p.workers)
			return nil, fmt.Errorf("workerpool: creating waker: %w", err)
		}
		w := &worker{
			pool:  p,
			start: make(chan jobStart),
			done:  make(chan completion, 1),
			waker: waker,
		}
		p.workers = append(p.workers, w)
		go w.run()

		r.ReadyRead().Register(w, func(receiver, sender any, fd int) {
			receiver.(*worker).onReady()
		}, waker.FD())
	}

	r.Tick().Register(p, func(receiver, sender any, _ struct{}) {
		receiver.(*Pool).checkTimeouts()
	}, 0)

	return p, nil
}

func (w *worker) run() {
	for js := range w.start {
		var comp completion
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					comp.panicMsg = fmt.Sprint(rec)
				}
			}()
			comp.result, comp.err = js.job.proc(js.ctx)
		}()
		w.done <- comp
		_ = w.waker.Signal()
	}
}

func (w *worker) onReady() {
	_ = w.waker.Drain()
	comp := <-w.done
	job := w.job
	w.job = nil

	if comp.panicMsg != "" {
		w.pool.r.Panic(comp.panicMsg)
		return
	}

	job.result = comp.result
	job.err = comp.err
	job.running = false
	job.finished.Raise(0, job)

	if next, ok := w.pool.dequeue(); ok {
		w.pool.start(w, next)
	}
}

// Active reports whether the pool has any workers (the
// ThreadPool_active).
func (p *Pool) Active() bool { return len(p.workers) > 0 }

// Enqueue dispatches job to a free worker immediately, or appends it to
// the backlog if every worker is busy. Returns ErrQueueFull if the
// backlog itself is full.
func (p *Pool) Enqueue(job *Job) error {
	for _, w := range p.workers {
		if w.job == nil {
			p.start(w, job)
			return nil
		}
	}
	if len(p.queue) >= p.queueN {
		return ErrQueueFull
	}
	p.queue = append(p.queue, job)
	return nil
}

func (p *Pool) start(w *worker, job *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	job.cancel = cancel
	job.running = true
	w.job = job
	w.start <- jobStart{job: job, ctx: ctx}
}

func (p *Pool) dequeue() (*Job, bool) {
	if len(p.queue) == 0 {
		return nil, false
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	return job, true
}

// Cancel aborts job. A job still waiting in the backlog is removed and
// Finished fires synchronously with HasCompleted false. A job already
// running has its context canceled — it keeps running until Proc
// notices, and Finished fires later through the normal completion path,
// exactly once either way.
func (p *Pool) Cancel(job *Job) {
	if job.running {
		if job.cancel != nil {
			job.cancel()
		}
		job.hasCompleted = false
		return
	}
	for i, qj := range p.queue {
		if qj == job {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			job.hasCompleted = false
			job.finished.Raise(0, job)
			return
		}
	}
}

// checkTimeouts runs on every Tick, decrementing each running job's
// countdown and canceling it at zero — the Go reading of
// checkThreadJobs's per-tick timeoutTicks decrement.
func (p *Pool) checkTimeouts() {
	for _, w := range p.workers {
		j := w.job
		if j == nil || j.timeoutTicks == 0 {
			continue
		}
		j.timeoutTicks--
		if j.timeoutTicks == 0 {
			if j.cancel != nil {
				j.cancel()
			}
			j.hasCompleted = false
		}
	}
}

// Close stops every worker goroutine, canceling and draining any job
// still running. It does not run queued jobs; callers should have quiesced
// the pool via the reactor's shutdown sequence first.
func (p *Pool) Close() {
	p.shutdownWorkers(p.workers)
}

func (p *Pool) shutdownWorkers(workers []*worker) {
	for _, w := range workers {
		if w.job != nil && w.job.cancel != nil {
			w.job.cancel()
			<-w.done
		}
		close(w.start)
		p.r.ReadyRead().UnregisterReceiver(w)
		_ = w.waker.Close()
	}
}

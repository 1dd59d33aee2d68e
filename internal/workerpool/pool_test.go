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

package workerpool

import (
	"bytes"
	"context"
	"testing"
	"time"

	loglvl "github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/reactor"
	"github.com/nabbar/relayd/internal/rlog"
)

func newTestPool(t *testing.T, n int) (*reactor.Reactor, *Pool) {
	t.Helper()
	log := rlog.NewStderr(&bytes.Buffer{}, loglvl.DebugLevel)
	r, err := reactor.New(log)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	p, err := New(r, log, Options{NumWorkers: n, QueueLen: n})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Close)
	return r, p
}

// pollOnce lets a worker's waker fire and processes exactly the readiness
// events pending right now, without running the full reactor loop.
func pollOnce(t *testing.T, r *reactor.Reactor, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.PollOnce(50 * time.Millisecond) {
			return
		}
	}
}

func TestEnqueueRunsOnAFreeWorkerAndFiresFinished(t *testing.T) {
	r, p := newTestPool(t, 1)

	done := make(chan *Job, 1)
	job := NewJob(func(ctx context.Context) (any, error) {
		return 7, nil
	}, 0)
	job.Finished().Register(nil, func(receiver, sender any, j *Job) {
		done <- j
	}, 0)

	if err := p.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pollOnce(t, r, time.Second)

	select {
	case j := <-done:
		if !j.HasCompleted() {
			t.Fatalf("job should have completed")
		}
		if j.Result() != 7 {
			t.Fatalf("got result %v, want 7", j.Result())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Finished")
	}
}

func TestEnqueueBacklogsWhenAllWorkersBusy(t *testing.T) {
	r, p := newTestPool(t, 1)

	block := make(chan struct{})
	first := NewJob(func(ctx context.Context) (any, error) {
		<-block
		return 1, nil
	}, 0)
	second := NewJob(func(ctx context.Context) (any, error) {
		return 2, nil
	}, 0)

	if err := p.Enqueue(first); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := p.Enqueue(second); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}
	if len(p.queue) != 1 {
		t.Fatalf("got queue len %d, want 1 (second job backlogged)", len(p.queue))
	}

	done := make(chan *Job, 1)
	second.Finished().Register(nil, func(receiver, sender any, j *Job) { done <- j }, 0)

	close(block)
	pollOnce(t, r, time.Second) // first job completes, dequeues second
	pollOnce(t, r, time.Second) // second job completes

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("backlogged job never ran")
	}
}

func TestCancelQueuedJobFiresFinishedSynchronouslyWithHasCompletedFalse(t *testing.T) {
	_, p := newTestPool(t, 1)

	block := make(chan struct{})
	defer close(block)
	first := NewJob(func(ctx context.Context) (any, error) { <-block; return nil, nil }, 0)
	second := NewJob(func(ctx context.Context) (any, error) { return nil, nil }, 0)

	_ = p.Enqueue(first)
	_ = p.Enqueue(second)

	fired := false
	second.Finished().Register(nil, func(receiver, sender any, j *Job) { fired = true }, 0)

	p.Cancel(second)

	if !fired {
		t.Fatalf("canceling a queued job should raise Finished synchronously")
	}
	if second.HasCompleted() {
		t.Fatalf("canceled job should report HasCompleted() == false")
	}
}

func TestEnqueueReturnsErrQueueFullWhenBacklogSaturated(t *testing.T) {
	_, p := newTestPool(t, 1)

	block := make(chan struct{})
	defer close(block)
	busy := NewJob(func(ctx context.Context) (any, error) { <-block; return nil, nil }, 0)
	_ = p.Enqueue(busy)

	// queue capacity is 1 (NumWorkers==QueueLen==1 in newTestPool)
	if err := p.Enqueue(NewJob(func(ctx context.Context) (any, error) { return nil, nil }, 0)); err != nil {
		t.Fatalf("first backlog slot should succeed: %v", err)
	}
	if err := p.Enqueue(NewJob(func(ctx context.Context) (any, error) { return nil, nil }, 0)); err != ErrQueueFull {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
}

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
	"context"

	"github.com/nabbar/relayd/internal/event"
)

// Proc is work dispatched to a worker goroutine. It must respect ctx
// cancellation: a Job whose timeoutTicks expires, or that is explicitly
// canceled, has its ctx canceled but keeps running until Proc actually
// returns — Go's crypto/tls and net have no forcible-abort primitive, so
// unlike the original's SIGUSR1 this is cooperative.
type Proc func(ctx context.Context) (result any, err error)

// Job is one unit of work, the Go reading of the original ThreadJob: a
// proc to run off the reactor goroutine, a per-job Finished event, and a
// tick-counted timeout.
type Job struct {
	proc         Proc
	timeoutTicks int

	result any
	err    error

	hasCompleted bool
	running      bool
	cancel       context.CancelFunc

	finished *event.Bus[*Job]
}

// NewJob builds a Job. timeoutTicks of 0 means no timeout.
func NewJob(proc Proc, timeoutTicks int) *Job {
	j := &Job{proc: proc, timeoutTicks: timeoutTicks, hasCompleted: true}
	j.finished = event.New[*Job](j)
	return j
}

// Finished fires exactly once per Job, whether it ran to completion, was
// canceled before it started, or was canceled while running.
func (j *Job) Finished() *event.Bus[*Job] { return j.finished }

// HasCompleted reports whether Proc ran to completion (true) or the Job
// was canceled, by timeout or explicitly (false).
func (j *Job) HasCompleted() bool { return j.hasCompleted }

// Result is Proc's return value; only meaningful when HasCompleted is true.
func (j *Job) Result() any { return j.result }

// Err is Proc's returned error; only meaningful when HasCompleted is true.
func (j *Job) Err() error { return j.err }

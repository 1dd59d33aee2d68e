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

// Package reactor is the single-threaded event loop at the heart of this
// module (the Reactor drives readiness-triggered readyRead/
// readyWrite events, a periodic tick, and startup/shutdown with a grace
// period). Every other package registers fd interest and event handlers
// here and runs exclusively on the goroutine that calls Run; nothing else
// may touch a Connection, Listener or Reactor's internal state directly.
//
// This is an epoll-based re-reading of the original pselect-based loop:
// golang.org/x/sys/unix gives us epoll_wait and eventfd the way the
// original used pselect and a self-pipe-free signal mask. Cross-goroutine
// wakeups (worker pool completions) arrive over a Waker, an eventfd
// registered for read like any other fd.
package reactor

import (
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nabbar/relayd/internal/event"
	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/rlog"
)

// StartupArgs carries the error a startup handler may veto with (Run then
// returns rc 1 and that error), the Go reading of the original
// StartupEventArgs.rc out-parameter.
type StartupArgs struct {
	Err error
}

// PanicHandler is run, in registration order, before a panic's fatal log
// line and unwind — the hook tlsc's connection/listener code uses to mark
// themselves broken before the reactor rescues the loop.
type PanicHandler func(msg string)

// reactorPanic is the sentinel recovered at the top of the run loop; any
// other panic value propagates normally, it is not a rescue-everything net.
type reactorPanic struct{ msg string }

const shutdownGraceTicks = 5

// Reactor owns the epoll set, the tick timer and the named events every
// other package subscribes to.
type Reactor struct {
	log rlog.Logger

	epfd int

	interest map[int]uint32 // fd -> EPOLLIN/EPOLLOUT mask currently armed

	readyRead  *event.Bus[int]
	readyWrite *event.Bus[int]
	startup    *event.Bus[*StartupArgs]
	shutdown   *event.Bus[struct{}]
	tick       *event.Bus[struct{}]
	eventsDone *event.Bus[struct{}]

	panicMu       sync.Mutex
	panicHandlers []PanicHandler

	running      bool
	tickInterval time.Duration
	// shutdownRef is touched from ShutdownLock/ShutdownUnlock, which a
	// tlsPump's async close_notify goroutine may call off the reactor
	// goroutine, so it's the one piece of loop state that needs atomic
	// access instead of the single-goroutine discipline everything else
	// here relies on.
	shutdownRef   atomic.Int32 // -1 = shutdown not requested; >=0 counts outstanding locks
	shutdownTicks int

	quitCh chan struct{}
}

// New creates a Reactor bound to an epoll instance; it does nothing
// further until Run is called.
func New(log rlog.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		log:        log,
		epfd:       epfd,
		interest:   make(map[int]uint32),
		readyRead:  event.New[int](nil),
		readyWrite: event.New[int](nil),
		startup:    event.New[*StartupArgs](nil),
		shutdown:   event.New[struct{}](nil),
		tick:       event.New[struct{}](nil),
		eventsDone: event.New[struct{}](nil),
	}
	r.shutdownRef.Store(-1)
	return r, nil
}

func (r *Reactor) ReadyRead() *event.Bus[int]          { return r.readyRead }
func (r *Reactor) ReadyWrite() *event.Bus[int]         { return r.readyWrite }
func (r *Reactor) Startup() *event.Bus[*StartupArgs]   { return r.startup }
func (r *Reactor) Shutdown() *event.Bus[struct{}]      { return r.shutdown }
func (r *Reactor) Tick() *event.Bus[struct{}]          { return r.tick }
func (r *Reactor) EventsDone() *event.Bus[struct{}]    { return r.eventsDone }

// RegisterRead arms EPOLLIN on fd, idempotently.
func (r *Reactor) RegisterRead(fd int) error { return r.arm(fd, unix.EPOLLIN) }

// UnregisterRead disarms EPOLLIN on fd, idempotently.
func (r *Reactor) UnregisterRead(fd int) error { return r.disarm(fd, unix.EPOLLIN) }

// RegisterWrite arms EPOLLOUT on fd, idempotently.
func (r *Reactor) RegisterWrite(fd int) error { return r.arm(fd, unix.EPOLLOUT) }

// UnregisterWrite disarms EPOLLOUT on fd, idempotently.
func (r *Reactor) UnregisterWrite(fd int) error { return r.disarm(fd, unix.EPOLLOUT) }

func (r *Reactor) arm(fd int, bit uint32) error {
	cur, exists := r.interest[fd]
	if exists && cur&bit != 0 {
		return nil
	}
	next := cur | bit
	op := unix.EPOLL_CTL_MOD
	if !exists {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: next, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, op, fd, &ev); err != nil {
		return err
	}
	r.interest[fd] = next
	return nil
}

func (r *Reactor) disarm(fd int, bit uint32) error {
	cur, exists := r.interest[fd]
	if !exists || cur&bit == 0 {
		return nil
	}
	next := cur &^ bit
	if next == 0 {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return err
		}
		delete(r.interest, fd)
		return nil
	}
	ev := unix.EpollEvent{Events: next, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	r.interest[fd] = next
	return nil
}

// RegisterPanic adds a hook run (in registration order) before the fatal
// log line of a Panic.
func (r *Reactor) RegisterPanic(h PanicHandler) {
	r.panicMu.Lock()
	defer r.panicMu.Unlock()
	r.panicHandlers = append(r.panicHandlers, h)
}

// SetTickInterval sets the tick period. Run creates its ticker with the
// value set at that moment; a call while the loop is running changes only
// the epoll wait timeout, and the ticker keeps its original period.
func (r *Reactor) SetTickInterval(d time.Duration) {
	r.tickInterval = d
}

// ShutdownLock defers the grace period's countdown to zero: callers (a
// Connection draining its write FIFO) hold a lock while they still have
// work to finish after shutdown was requested. It is a no-op before
// shutdown has actually been requested, matching the original's sentinel
// semantics.
func (r *Reactor) ShutdownLock() {
	for {
		cur := r.shutdownRef.Load()
		if cur < 0 {
			return
		}
		if r.shutdownRef.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// ShutdownUnlock releases a lock taken by ShutdownLock.
func (r *Reactor) ShutdownUnlock() {
	for {
		cur := r.shutdownRef.Load()
		if cur <= 0 {
			return
		}
		if r.shutdownRef.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Panic runs the registered panic handlers, disables async logging so the
// fatal line is guaranteed to land, logs it, and — if the loop is running —
// unwinds back to Run's top-level recover so shutdown proceeds; otherwise
// it aborts the process outright.
func (r *Reactor) Panic(msg string) {
	r.panicMu.Lock()
	handlers := append([]PanicHandler(nil), r.panicHandlers...)
	r.panicMu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	r.log.SetAsync(false)
	r.log.Msg(level.FatalLevel, msg)
	if r.running {
		panic(reactorPanic{msg: msg})
	}
	os.Exit(1)
}

// Quit requests an orderly shutdown, equivalent to the loop observing
// SIGTERM/SIGINT: the next iteration raises Shutdown and begins the grace
// countdown.
func (r *Reactor) Quit() {
	if r.quitCh != nil {
		select {
		case r.quitCh <- struct{}{}:
		default:
		}
	}
}

// Run blocks, driving the event loop until shutdown completes or a fatal
// error occurs. rc mirrors the process exit status returned to the shell.
func (r *Reactor) Run() (rc int, err error) {
	r.quitCh = make(chan struct{}, 1)
	defer func() { r.quitCh = nil }()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	if r.tickInterval <= 0 {
		r.tickInterval = time.Second
	}
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	sea := &StartupArgs{}
	r.startup.Raise(0, sea)
	if sea.Err != nil {
		return 1, sea.Err
	}

	r.running = true
	r.log.Msg(level.InfoLevel, "service started")

	rc = r.loop(sigCh, ticker)

	r.running = false
	r.log.Msg(level.InfoLevel, "service shutting down")
	return rc, nil
}

func (r *Reactor) loop(sigCh <-chan os.Signal, ticker *time.Ticker) (rc int) {
	defer func() {
		if rec := recover(); rec != nil {
			if _, ok := rec.(reactorPanic); ok {
				rc = 1
				return
			}
			panic(rec)
		}
	}()

	shutdownRequested := false
	events := make([]unix.EpollEvent, 64)

	for {
		// Once shutdown has been requested, keep looping until the grace
		// countdown runs out AND every ShutdownLock holder has released —
		// whichever condition resolves last. Before a request, shutdownRef
		// stays at -1 and the loop never considers exiting here.
		ref := r.shutdownRef.Load()
		if ref != -1 && r.shutdownTicks <= 0 && ref <= 0 {
			break
		}

		r.eventsDone.Raise(0, struct{}{})

		select {
		case <-sigCh:
			shutdownRequested = true
		case <-r.quitCh:
			shutdownRequested = true
		default:
		}

		if shutdownRequested {
			shutdownRequested = false
			r.shutdownRef.CompareAndSwap(-1, 0)
			r.shutdownTicks = shutdownGraceTicks
			r.SetTickInterval(time.Second)
			r.shutdown.Raise(0, struct{}{})
			continue
		}

		n, err := r.dispatchReady(events, epollTimeoutMillis(r.tickInterval))
		if err != nil {
			r.log.Msg(level.ErrorLevel, "epoll_wait() failed")
			return 1
		}

		if n == 0 {
			select {
			case <-ticker.C:
				if r.shutdownRef.Load() != -1 && r.shutdownTicks > 0 {
					r.shutdownTicks--
				}
				r.tick.Raise(0, struct{}{})
			default:
			}
			continue
		}
	}

	return 0
}

// dispatchReady runs one epoll_wait pass and raises ReadyWrite before
// ReadyRead for whatever fds came back, the ordering required so a
// connection's outgoing FIFO drains before more inbound data piles up
// behind it. It returns the number of ready fds (0 with a nil error on
// timeout or EINTR).
func (r *Reactor) dispatchReady(events []unix.EpollEvent, timeoutMillis int) (int, error) {
	n, err := unix.EpollWait(r.epfd, events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	writeFds := make([]int, 0, n)
	readFds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if events[i].Events&unix.EPOLLOUT != 0 {
			writeFds = append(writeFds, int(events[i].Fd))
		}
		if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			readFds = append(readFds, int(events[i].Fd))
		}
	}
	sort.Ints(writeFds)
	sort.Ints(readFds)

	for _, fd := range writeFds {
		r.readyWrite.Raise(fd, fd)
	}
	for _, fd := range readFds {
		r.readyRead.Raise(fd, fd)
	}
	return n, nil
}

// PollOnce runs a single bounded-wait epoll pass outside the full Run
// loop. It exists for tests that need to let a worker's completion Waker
// fire without standing up signal handling and a ticker; production code
// always goes through Run.
func (r *Reactor) PollOnce(timeout time.Duration) bool {
	events := make([]unix.EpollEvent, 64)
	n, err := r.dispatchReady(events, epollTimeoutMillis(timeout))
	return err == nil && n > 0
}

func epollTimeoutMillis(d time.Duration) int {
	if d <= 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return int(ms)
}

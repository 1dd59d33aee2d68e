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

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Waker is an eventfd registered for read with the Reactor: any goroutine
// other than the reactor's own may call Signal to force the next
// EpollWait to return promptly, then the reactor-goroutine handler calls
// Drain before touching whatever cross-goroutine state the signal refers
// to. This is the one door worker-pool completions use to reach back into
// reactor-owned state without a second goroutine ever mutating it
// directly.
type Waker struct {
	r  *Reactor
	fd int
}

// NewWaker creates and arms a Waker. Callers subscribe to r.ReadyRead()
// filtering on w.FD() to be notified.
func (r *Reactor) NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	if err := r.RegisterRead(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Waker{r: r, fd: fd}, nil
}

// FD is the id a ReadyRead subscriber filters on.
func (w *Waker) FD() int { return w.fd }

// Signal wakes the reactor's epoll_wait. Safe to call from any goroutine.
func (w *Waker) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	return err
}

// Drain must be called from the reactor goroutine, inside the ReadyRead
// handler, before reading whatever state the signal announced.
func (w *Waker) Drain() error {
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close disarms and releases the eventfd.
func (w *Waker) Close() error {
	_ = w.r.UnregisterRead(w.fd)
	return unix.Close(w.fd)
}

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

// Package connection is the per-socket state machine at the heart of this project:
// one fd plus an optional TLS session, a bounded outgoing FIFO, a single
// read buffer with a handling/backpressure flag, tick-based timeouts for
// connect/handshake/name-resolution, and deferred two-phase destruction
// so a Connection is never freed out from under an in-flight event.
//
// A Connection exclusively owns its fd and buffers; every method here
// (other than the TLS pump's internal goroutines, see tls.go) must only
// ever be called from the goroutine running the Reactor's loop.
package connection

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/nabbar/relayd/internal/blacklist"
	"github.com/nabbar/relayd/internal/event"
	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/reactor"
	"github.com/nabbar/relayd/internal/rlog"
	"github.com/nabbar/relayd/internal/tlsctx"
	"github.com/nabbar/relayd/internal/workerpool"
)

const (
	bufSize           = 16 * 1024
	numWriteRecords   = 16
	connectTicks      = 6
	tlsHandshakeTicks = 6
	resolveTicks      = 6
)

// deleteState tracks the two-phase destruction this project names: live,
// scheduled, finalizing.
type deleteState uint8

const (
	live deleteState = iota
	scheduled
	finalizing
)

// CreateMode mirrors the original's ConnectionCreateMode: a Connection may
// start already usable (an accepted fd), mid nonblocking connect, or
// simply idle pending some other setup.
type CreateMode int

const (
	// ModeNormal: fd is already connected and readable (a Listener accept).
	ModeNormal CreateMode = iota
	// ModeConnecting: fd is mid nonblocking connect(2); writable means
	// either success or failure, checked via SO_ERROR.
	ModeConnecting
	// ModeWait: fd is not yet registered for anything; caller arms it later.
	ModeWait
)

// DataReceivedArgs is handed to dataReceived subscribers. Setting Handling
// true defers further reads until ConfirmDataReceived is called — the
// Go reading of the original's DataReceivedEventArgs out-parameter.
type DataReceivedArgs struct {
	Buf      []byte
	Handling bool
}

type writeRecord struct {
	buf []byte
	pos int
	id  any
}

// Options configure how Connection_create built a Connection: role and
// fd state, and optionally the shared TLS context to terminate or
// originate.
type Options struct {
	Mode    CreateMode
	TLS     *tlsctx.Context
	TLSRole tlsctx.Role
}

// Connection is one TCP leg of a tunnel, plain or TLS.
type Connection struct {
	r   *reactor.Reactor
	wp  *workerpool.Pool
	bl  *blacklist.List
	log rlog.Logger

	fd int

	connectedEvt    *event.Bus[struct{}]
	closedEvt       *event.Bus[*Connection]
	dataReceivedEvt *event.Bus[*DataReceivedArgs]
	dataSentEvt     *event.Bus[any]
	nameResolvedEvt *event.Bus[struct{}]

	writeRecs [numWriteRecords]writeRecord
	nrecs     int
	baseIdx   int

	rdbuf    []byte
	args     DataReceivedArgs
	handling bool

	connecting int

	remoteAddr    net.Addr
	remoteAddrStr string
	remoteHost    string
	remotePort    int
	resolveJob    *workerpool.Job

	tls             *tlsPump
	tlsCtx          *tlsctx.Context
	tlsRole         tlsctx.Role
	tlsConnectTicks int

	deleteScheduled deleteState

	ready bool

	data any
}

// New builds a Connection around fd per opts, registering it with r and
// (unless opts.Mode is ModeWait) arming the appropriate interest.
func New(r *reactor.Reactor, wp *workerpool.Pool, bl *blacklist.List, log rlog.Logger, fd int, opts Options) (*Connection, error) {
	c := &Connection{
		r:               r,
		wp:              wp,
		bl:              bl,
		log:             log,
		fd:              fd,
		connectedEvt:    event.New[struct{}](nil),
		closedEvt:       event.New[*Connection](nil),
		dataReceivedEvt: event.New[*DataReceivedArgs](nil),
		dataSentEvt:     event.New[any](nil),
		nameResolvedEvt: event.New[struct{}](nil),
		rdbuf:           make([]byte, bufSize),
	}

	r.ReadyRead().Register(c, func(receiver, sender any, fd int) {
		receiver.(*Connection).onReadyRead()
	}, fd)
	r.ReadyWrite().Register(c, func(receiver, sender any, fd int) {
		receiver.(*Connection).onReadyWrite()
	}, fd)

	// The underlying fd is only handed off to net.FileConn (see tls.go)
	// once it is actually connected: ModeConnecting's nonblocking
	// connect(2) still needs the raw fd registered directly with the
	// reactor's own epoll instance, via plain unix syscalls, until that
	// completes.
	c.tlsCtx = opts.TLS
	c.tlsRole = opts.TLSRole

	switch opts.Mode {
	case ModeConnecting:
		c.connecting = connectTicks
		r.Tick().Register(c, func(receiver, sender any, _ struct{}) {
			receiver.(*Connection).checkPendingConnection()
		}, 0)
		_ = r.RegisterWrite(fd)
	case ModeNormal:
		if opts.TLS != nil {
			p, err := newTLSPump(c, r, opts.TLS, opts.TLSRole, fd)
			if err != nil {
				r.ReadyRead().UnregisterReceiver(c)
				r.ReadyWrite().UnregisterReceiver(c)
				return nil, err
			}
			c.tls = p
			c.tlsConnectTicks = tlsHandshakeTicks
			r.Tick().Register(c, func(receiver, sender any, _ struct{}) {
				receiver.(*Connection).checkPendingTLS()
			}, 0)
			c.tls.start()
		} else {
			_ = r.RegisterRead(fd)
			c.ready = true
		}
	case ModeWait:
	}

	return c, nil
}

func (c *Connection) Connected() *event.Bus[struct{}]               { return c.connectedEvt }

// Ready reports whether this Connection is already usable for Write/Read,
// i.e. whether Connected has already fired or will never fire at all (a
// ModeNormal connection with no TLS leg). Callers that pair Connections
// together (internal/tunnel) use this to decide between wiring data flow
// immediately or deferring to a Connected subscription.
func (c *Connection) Ready() bool { return c.ready }
func (c *Connection) Closed() *event.Bus[*Connection]                { return c.closedEvt }
func (c *Connection) DataReceived() *event.Bus[*DataReceivedArgs]    { return c.dataReceivedEvt }
func (c *Connection) DataSent() *event.Bus[any]                      { return c.dataSentEvt }
func (c *Connection) NameResolved() *event.Bus[struct{}]             { return c.nameResolvedEvt }

// RemoteAddr is the printable peer address, or "<unknown>" absent one.
func (c *Connection) RemoteAddr() string {
	if c.remoteAddrStr == "" {
		return "<unknown>"
	}
	return c.remoteAddrStr
}

// RemoteHost is the reverse-resolved hostname, empty if not yet resolved
// or resolution failed.
func (c *Connection) RemoteHost() string { return c.remoteHost }

func (c *Connection) RemotePort() int { return c.remotePort }

// SetData attaches arbitrary opaque user data, mirroring Connection_setData.
func (c *Connection) SetData(data any) { c.data = data }

// Data returns whatever SetData last attached.
func (c *Connection) Data() any { return c.data }

func (c *Connection) wantReadWrite() {
	wantWrite := c.connecting > 0 || c.nrecs > 0
	wantRead := !c.handling
	if c.tls != nil {
		wantWrite = c.connecting > 0
		wantRead = false // the TLS pump owns the fd exclusively; see tls.go
	}

	if wantWrite {
		_ = c.r.RegisterWrite(c.fd)
	} else {
		_ = c.r.UnregisterWrite(c.fd)
	}
	if wantRead {
		_ = c.r.RegisterRead(c.fd)
	} else {
		_ = c.r.UnregisterRead(c.fd)
	}
}

func (c *Connection) checkPendingConnection() {
	if c.connecting > 0 {
		c.connecting--
		if c.connecting == 0 {
			c.log.Fmt(level.InfoLevel, "connection: timeout connecting to %s", c.RemoteAddr())
			_ = c.r.UnregisterWrite(c.fd)
			c.Close(true)
		}
	}
}

func (c *Connection) checkPendingTLS() {
	if c.tlsConnectTicks > 0 {
		c.tlsConnectTicks--
		if c.tlsConnectTicks == 0 {
			c.log.Fmt(level.WarnLevel, "connection: TLS handshake timeout with %s", c.RemoteAddr())
			c.Close(true)
		}
	}
}

func (c *Connection) onReadyWrite() {
	if c.connecting > 0 {
		c.r.Tick().UnregisterReceiver(c)
		var soErr int
		errno := getSockError(c.fd, &soErr)
		if errno != nil || soErr != 0 {
			c.log.Fmt(level.InfoLevel, "connection: failed to connect to %s", c.RemoteAddr())
			c.Close(true)
			return
		}
		c.connecting = 0
		if c.tlsCtx != nil {
			_ = c.r.UnregisterWrite(c.fd)
			p, err := newTLSPump(c, c.r, c.tlsCtx, c.tlsRole, c.fd)
			if err != nil {
				c.log.Fmt(level.WarnLevel, "connection: TLS setup failed for %s: %v", c.RemoteAddr(), err)
				c.Close(true)
				return
			}
			c.tls = p
			c.tlsConnectTicks = tlsHandshakeTicks
			c.r.Tick().Register(c, func(receiver, sender any, _ struct{}) {
				receiver.(*Connection).checkPendingTLS()
			}, 0)
			c.tls.start()
			return
		}
		c.wantReadWrite()
		c.log.Fmt(level.DebugLevel, "connection: connected to %s", c.RemoteAddr())
		c.ready = true
		c.connectedEvt.Raise(0, struct{}{})
		return
	}

	if c.tls != nil {
		return // TLS writes happen on the pump goroutine, not here
	}

	c.log.Fmt(level.DebugLevel, "connection: ready to write to %s", c.RemoteAddr())
	if c.nrecs == 0 {
		c.log.Fmt(level.ErrorLevel, "connection: ready to send to %s with empty buffer", c.RemoteAddr())
		c.wantReadWrite()
		return
	}
	c.doWrite()
}

func (c *Connection) onReadyRead() {
	if c.tls != nil {
		return // the TLS pump owns all I/O on this fd
	}
	if c.handling {
		c.log.Fmt(level.WarnLevel, "connection: new data while read buffer from %s still handled", c.RemoteAddr())
		c.wantReadWrite()
		return
	}
	c.doRead()
}

func (c *Connection) doRead() {
	c.log.Fmt(level.DebugLevel, "connection: reading from %s", c.RemoteAddr())
	n, err := unix.Read(c.fd, c.rdbuf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.log.Fmt(level.InfoLevel, "connection: ignoring spurious read from %s", c.RemoteAddr())
			return
		}
		c.log.Fmt(level.WarnLevel, "connection: error reading from %s", c.RemoteAddr())
		c.Close(false)
		return
	}
	if n == 0 {
		c.log.Fmt(level.WarnLevel, "connection: error reading from %s", c.RemoteAddr())
		c.Close(false)
		return
	}
	c.deliverData(c.rdbuf[:n])
}

func (c *Connection) deliverData(data []byte) {
	c.args.Buf = data
	c.args.Handling = false
	c.dataReceivedEvt.Raise(0, &c.args)
	c.handling = c.args.Handling
	if c.handling {
		c.log.Fmt(level.DebugLevel, "connection: blocking reads from %s", c.RemoteAddr())
	} else {
		c.log.Fmt(level.DebugLevel, "connection: done reading from %s", c.RemoteAddr())
	}
	c.wantReadWrite()
}

func (c *Connection) doWrite() {
	c.log.Fmt(level.DebugLevel, "connection: writing to %s", c.RemoteAddr())
	rec := &c.writeRecs[c.baseIdx]
	n, err := unix.Write(c.fd, rec.buf[rec.pos:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.log.Fmt(level.InfoLevel, "connection: not ready for writing to %s", c.RemoteAddr())
			return
		}
		c.log.Fmt(level.WarnLevel, "connection: error writing to %s", c.RemoteAddr())
		c.Close(false)
		return
	}
	rec.pos += n
	if rec.pos < len(rec.buf) {
		return
	}
	id := rec.id
	c.baseIdx = (c.baseIdx + 1) % numWriteRecords
	c.nrecs--
	c.wantReadWrite()
	if id != nil {
		c.dataSentEvt.Raise(0, id)
	}
}

// Write enqueues buf for sending, returning an error if the 16-slot FIFO
// is already full. id, if non-nil, is reported through DataSent once the
// whole buffer has been sent.
func (c *Connection) Write(buf []byte, id any) error {
	if c.tls != nil {
		// the TLS pump keeps its own outgoing queue on the pump goroutine,
		// since crypto/tls's Write must not be called concurrently with
		// another Write; enqueueWrite mirrors the plain-fd FIFO's bounded,
		// non-blocking contract below instead of blocking the reactor
		// goroutine once the pump's queue fills up.
		return c.tls.enqueueWrite(buf, id)
	}
	if c.nrecs == numWriteRecords {
		return ErrWriteQueueFull
	}
	idx := (c.baseIdx + c.nrecs) % numWriteRecords
	c.nrecs++
	c.writeRecs[idx] = writeRecord{buf: buf, id: id}
	c.wantReadWrite()
	return nil
}

// Activate re-arms read interest if it was not already (Connection_activate).
func (c *Connection) Activate() {
	if c.handling {
		return
	}
	c.log.Fmt(level.DebugLevel, "connection: unblocking reads from %s", c.RemoteAddr())
	c.wantReadWrite()
}

// ConfirmDataReceived releases the backpressure a dataReceived handler set
// by marking Handling true, allowing the next read to proceed.
func (c *Connection) ConfirmDataReceived() error {
	if !c.handling {
		return ErrNotHandling
	}
	c.handling = false
	if c.tls != nil {
		c.tls.resumeReadLoop()
	}
	c.Activate()
	return nil
}

// Close tears the Connection down: sends TLS close_notify if applicable,
// optionally blacklists the remote address, raises Closed, and schedules
// destruction for the next eventsDone boundary.
func (c *Connection) Close(blacklistAddr bool) {
	if c.tls != nil && c.connecting == 0 && c.tlsConnectTicks == 0 {
		c.tls.close()
	}
	if blacklistAddr && c.remoteAddr != nil {
		c.bl.Add(c.remoteAddr)
	}
	c.closedEvt.Raise(0, c)
	c.deleteLater()
}

func (c *Connection) cleanForDelete() {
	_ = c.r.UnregisterRead(c.fd)
	_ = c.r.UnregisterWrite(c.fd)
	if c.tls == nil {
		// once a tlsPump exists it already owns (and will close) a dup of
		// this descriptor; the original was closed the moment it was
		// handed to net.FileConn, so closing c.fd again here would either
		// no-op on EBADF or, worse, close an unrelated fd the kernel has
		// since reused for the same number.
		_ = unix.Close(c.fd)
	}
	if c.resolveJob != nil {
		c.resolveJob.Finished().UnregisterReceiver(c)
		c.wp.Cancel(c.resolveJob)
	}
}

func (c *Connection) deleteLater() {
	if c.deleteScheduled != live {
		return
	}
	c.cleanForDelete()
	c.deleteScheduled = scheduled
	c.r.EventsDone().Register(c, func(receiver, sender any, _ struct{}) {
		receiver.(*Connection).Destroy()
	}, 0)
}

// Destroy releases every resource the Connection holds. Close schedules a
// call to it automatically for the next eventsDone pass; calling it
// directly on a Connection that was never Close()'d tears it down
// immediately instead. Safe to call more than
// once — every call after the first is a no-op.
func (c *Connection) Destroy() {
	switch c.deleteScheduled {
	case finalizing:
		return
	case live:
		c.cleanForDelete()
	case scheduled:
		c.r.EventsDone().UnregisterReceiver(c)
	}
	c.deleteScheduled = finalizing

	for ; c.nrecs > 0; c.nrecs-- {
		rec := &c.writeRecs[c.baseIdx]
		if rec.id != nil {
			c.dataSentEvt.Raise(0, rec.id)
		}
		c.baseIdx = (c.baseIdx + 1) % numWriteRecords
	}

	if c.tls != nil {
		c.tls.release()
	}
	c.r.Tick().UnregisterReceiver(c)
	c.r.ReadyRead().UnregisterReceiver(c)
	c.r.ReadyWrite().UnregisterReceiver(c)
}

func getSockError(fd int, out *int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	*out = v
	return nil
}

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

package connection

import (
	"crypto/tls"
	"net"
	"os"
	"sync"

	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/reactor"
	"github.com/nabbar/relayd/internal/tlsctx"
)

// The original service multiplexed TLS I/O itself: every WANT_READ/
// WANT_WRITE the OpenSSL BIO reported back was translated into an epoll
// interest change, because OpenSSL's non-blocking mode hands control
// back to the caller instead of blocking in the kernel.
//
// crypto/tls has no non-blocking mode at all - Handshake/Read/Write
// always block until they can make progress. Rather than reimplement
// OpenSSL's state machine against raw non-blocking syscalls, a tlsPump
// hands the already-connected fd to Go's own runtime poller (a second,
// independent epoll instance - registering the same fd in two epoll
// instances is fine, each instance owns its own registration) via
// os.NewFile+net.FileConn, wraps the resulting net.Conn in tls.Client/
// tls.Server, and runs the blocking calls on dedicated goroutines. Only
// one goroutine reads and only one goroutine writes at a time, which is
// exactly what crypto/tls's own concurrency contract allows, so no
// locking around the tls.Conn itself is needed.
//
// Results cross back onto the reactor goroutine through events, a
// buffered channel, paired with a reactor.Waker so epoll_wait returns
// promptly - the same rendezvous internal/workerpool uses for completions.
type tlsEventKind uint8

const (
	tlsHandshakeDone tlsEventKind = iota
	tlsDataReceived
	tlsDataSent
	tlsClosed
)

type tlsEvent struct {
	kind tlsEventKind
	buf  []byte
	id   any
	err  error
}

type tlsWrite struct {
	buf []byte
	id  any
}

type tlsPump struct {
	conn *Connection
	r    *reactor.Reactor
	ctx  *tlsctx.Context
	role tlsctx.Role

	file    *os.File
	netConn net.Conn
	tlsConn *tls.Conn

	waker  *reactor.Waker
	events chan tlsEvent

	writeCh    chan tlsWrite
	resumeRead chan struct{}

	closeOnce sync.Once
	closed    bool
}

func newTLSPump(conn *Connection, r *reactor.Reactor, ctx *tlsctx.Context, role tlsctx.Role, fd int) (*tlsPump, error) {
	cfg, err := ctx.Acquire()
	if err != nil {
		return nil, err
	}

	file := os.NewFile(uintptr(fd), "")
	netConn, err := net.FileConn(file)
	if err != nil {
		ctx.Release()
		return nil, err
	}
	// net.FileConn dup(2)s fd, so the *os.File wrapper is no longer needed
	// once that succeeds. Closing it closes the original descriptor; from
	// here on the dup held by netConn is the only open descriptor, and the
	// Connection keeps the original number only as the id its reactor
	// subscriptions were registered under.
	_ = file.Close()

	var tlsConn *tls.Conn
	if role == tlsctx.RoleServer {
		tlsConn = tls.Server(netConn, cfg)
	} else {
		tlsConn = tls.Client(netConn, cfg)
	}

	waker, err := r.NewWaker()
	if err != nil {
		ctx.Release()
		return nil, err
	}

	p := &tlsPump{
		conn:       conn,
		r:          r,
		ctx:        ctx,
		role:       role,
		netConn:    netConn,
		tlsConn:    tlsConn,
		waker:      waker,
		events:     make(chan tlsEvent, 32),
		writeCh:    make(chan tlsWrite, numWriteRecords),
		resumeRead: make(chan struct{}, 1),
	}

	r.ReadyRead().Register(p, func(receiver, sender any, fd int) {
		receiver.(*tlsPump).onWaker()
	}, waker.FD())

	return p, nil
}

// start kicks off the handshake pump goroutine. Called once the fd is
// known connected: immediately for an accepted connection, or once
// onReadyWrite observes a nonblocking connect(2) has succeeded.
func (p *tlsPump) start() {
	go p.pump()
}

func (p *tlsPump) pump() {
	err := p.tlsConn.Handshake()
	p.send(tlsEvent{kind: tlsHandshakeDone, err: err})
	if err != nil {
		return
	}
	go p.readLoop()
	go p.writeLoop()
}

func (p *tlsPump) readLoop() {
	buf := make([]byte, bufSize)
	for {
		n, err := p.tlsConn.Read(buf)
		if err != nil {
			p.send(tlsEvent{kind: tlsClosed, err: err})
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		p.send(tlsEvent{kind: tlsDataReceived, buf: cp})
		<-p.resumeRead
	}
}

func (p *tlsPump) writeLoop() {
	for w := range p.writeCh {
		_, err := p.tlsConn.Write(w.buf)
		if err != nil {
			p.send(tlsEvent{kind: tlsClosed, err: err})
			return
		}
		p.send(tlsEvent{kind: tlsDataSent, id: w.id})
	}
}

func (p *tlsPump) send(ev tlsEvent) {
	p.events <- ev
	_ = p.waker.Signal()
}

// enqueueWrite hands buf to the write goroutine, mirroring the plain-fd
// path's 16-record FIFO contract: it never blocks the reactor goroutine,
// returning ErrWriteQueueFull once numWriteRecords writes are already
// outstanding instead of stalling every other tunnel behind a slow peer.
func (p *tlsPump) enqueueWrite(buf []byte, id any) error {
	if p.closed {
		return ErrWriteQueueFull
	}
	select {
	case p.writeCh <- tlsWrite{buf: buf, id: id}:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// resumeReadLoop releases a readLoop blocked between chunks, the TLS
// equivalent of Connection.Activate re-arming plain-fd read interest.
func (p *tlsPump) resumeReadLoop() {
	select {
	case p.resumeRead <- struct{}{}:
	default:
	}
}

func (p *tlsPump) onWaker() {
	_ = p.waker.Drain()
	for {
		select {
		case ev := <-p.events:
			p.dispatch(ev)
		default:
			return
		}
	}
}

func (p *tlsPump) dispatch(ev tlsEvent) {
	c := p.conn
	switch ev.kind {
	case tlsHandshakeDone:
		c.r.Tick().UnregisterReceiver(c)
		c.tlsConnectTicks = 0
		if ev.err != nil {
			c.log.Fmt(level.WarnLevel, "connection: TLS handshake failed with %s: %v", c.RemoteAddr(), ev.err)
			c.Close(true)
			return
		}
		c.log.Fmt(level.DebugLevel, "connection: TLS handshake complete with %s", c.RemoteAddr())
		c.ready = true
		c.connectedEvt.Raise(0, struct{}{})
	case tlsDataReceived:
		c.deliverTLSData(ev.buf)
	case tlsDataSent:
		if ev.id != nil {
			c.dataSentEvt.Raise(0, ev.id)
		}
	case tlsClosed:
		c.log.Fmt(level.WarnLevel, "connection: TLS session with %s ended: %v", c.RemoteAddr(), ev.err)
		c.Close(false)
	}
}

// close asynchronously sends close_notify and tears down the pump's
// goroutines without ever blocking the reactor goroutine: Close(2) on
// the dup'd netConn unblocks any in-flight Read/Write immediately, while
// the close_notify alert itself is best-effort. A ShutdownLock is held
// for the duration of that alert so a shutting-down reactor's grace
// countdown doesn't tear the process down mid-alert; ShutdownUnlock runs
// on the close_notify goroutine itself rather than round-tripping back
// through events, since a Destroy() racing this goroutine may already
// have unregistered the pump's waker by the time Close(2) returns.
func (p *tlsPump) close() {
	p.closeOnce.Do(func() {
		p.closed = true
		close(p.writeCh)
		p.r.ShutdownLock()
		go func() {
			defer p.r.ShutdownUnlock()
			_ = p.tlsConn.Close()
		}()
	})
}

func (p *tlsPump) release() {
	p.r.ReadyRead().UnregisterReceiver(p)
	_ = p.waker.Close()
	p.ctx.Release()
}

func (c *Connection) deliverTLSData(data []byte) {
	c.args.Buf = data
	c.args.Handling = false
	c.dataReceivedEvt.Raise(0, &c.args)
	c.handling = c.args.Handling
	if !c.handling {
		c.tls.resumeReadLoop()
	}
}

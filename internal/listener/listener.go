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

// Package listener binds one or more listening sockets for a tunnel's
// server leg and turns accept(2) readiness into Connections.
package listener

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/nabbar/relayd/internal/blacklist"
	"github.com/nabbar/relayd/internal/connection"
	"github.com/nabbar/relayd/internal/event"
	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/reactor"
	"github.com/nabbar/relayd/internal/rlog"
	"github.com/nabbar/relayd/internal/tlsctx"
	"github.com/nabbar/relayd/internal/workerpool"
)

// MaxBindHosts caps how many resolved bind addresses one Listener will
// open sockets for.
const MaxBindHosts = 4

const growBy = 8
const backlog = 8

// AddrFamily restricts which resolved addresses a bind or dial may use.
type AddrFamily int

const (
	// AddrFamilyAny allows both IPv4 and IPv6.
	AddrFamilyAny AddrFamily = iota
	AddrFamilyIPv4
	AddrFamilyIPv6
)

// Options configure one Listener.
type Options struct {
	Host     string
	Port     int
	Family   AddrFamily
	ConnWait bool // new connections start in connection.ModeWait instead of ModeNormal
	TLS      *tlsctx.Context
	TLSRole  tlsctx.Role
}

// Listener owns 1..MaxBindHosts listening sockets for one tunnel's server
// leg and the list of Connections accepted on them.
type Listener struct {
	r   *reactor.Reactor
	wp  *workerpool.Pool
	bl  *blacklist.List
	log rlog.Logger
	opt Options

	fds   []int
	conns []*connection.Connection

	clientConnectedEvt    *event.Bus[*connection.Connection]
	clientDisconnectedEvt *event.Bus[*connection.Connection]
}

// New resolves opt.Host, binds a socket per resolved address (capped at
// MaxBindHosts) and arms each for accept readiness. It fails only if zero
// sockets could be established, matching createTcp's "best effort across
// bind hosts" contract.
func New(r *reactor.Reactor, wp *workerpool.Pool, bl *blacklist.List, log rlog.Logger, opt Options) (*Listener, error) {
	l := &Listener{
		r:                     r,
		wp:                    wp,
		bl:                    bl,
		log:                   log,
		opt:                   opt,
		conns:                 make([]*connection.Connection, 0, growBy),
		clientConnectedEvt:    event.New[*connection.Connection](nil),
		clientDisconnectedEvt: event.New[*connection.Connection](nil),
	}

	addrs, err := resolveBindAddrs(opt.Host, opt.Port, opt.Family)
	if err != nil {
		return nil, fmt.Errorf("listener: resolving %s: %w", opt.Host, err)
	}
	if len(addrs) > MaxBindHosts {
		addrs = addrs[:MaxBindHosts]
	}

	for _, a := range addrs {
		fd, err := bind(a, opt.Port)
		if err != nil {
			log.Fmt(level.WarnLevel, "listener: failed to bind %s: %v", a.String(), err)
			continue
		}
		l.fds = append(l.fds, fd)
		r.ReadyRead().Register(l, func(receiver, sender any, fd int) {
			receiver.(*Listener).onAcceptReady(fd)
		}, fd)
		_ = r.RegisterRead(fd)
	}

	if len(l.fds) == 0 {
		return nil, fmt.Errorf("listener: could not bind any socket for %s:%d", opt.Host, opt.Port)
	}

	return l, nil
}

func (l *Listener) ClientConnected() *event.Bus[*connection.Connection]    { return l.clientConnectedEvt }
func (l *Listener) ClientDisconnected() *event.Bus[*connection.Connection] { return l.clientDisconnectedEvt }

func (l *Listener) onAcceptReady(fd int) {
	for {
		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				l.log.Fmt(level.WarnLevel, "listener: accept() failed: %v", err)
			}
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			l.log.Fmt(level.WarnLevel, "listener: SetNonblock on accepted fd failed: %v", err)
			_ = unix.Close(nfd)
			continue
		}
		l.acceptOne(nfd, sockaddrToNetAddr(sa))
	}
}

func (l *Listener) acceptOne(fd int, peerAddr net.Addr) {
	mode := connection.ModeNormal
	if l.opt.ConnWait {
		mode = connection.ModeWait
	}

	c, err := connection.New(l.r, l.wp, l.bl, l.log, fd, connection.Options{
		Mode:    mode,
		TLS:     l.opt.TLS,
		TLSRole: l.opt.TLSRole,
	})
	if err != nil {
		l.log.Fmt(level.WarnLevel, "listener: failed to wrap accepted fd: %v", err)
		_ = unix.Close(fd)
		return
	}
	if peerAddr != nil {
		c.SetRemoteAddr(peerAddr, false)
	}

	if len(l.conns) == cap(l.conns) {
		grown := make([]*connection.Connection, len(l.conns), cap(l.conns)+growBy)
		copy(grown, l.conns)
		l.conns = grown
	}
	l.conns = append(l.conns, c)

	c.Closed().Register(l, func(receiver, sender any, closed *connection.Connection) {
		lst := receiver.(*Listener)
		lst.removeConn(closed)
		lst.clientDisconnectedEvt.Raise(0, closed)
	}, 0)

	l.clientConnectedEvt.Raise(0, c)
}

func (l *Listener) removeConn(c *connection.Connection) {
	for i, cc := range l.conns {
		if cc == c {
			l.conns = append(l.conns[:i], l.conns[i+1:]...)
			return
		}
	}
}

// Close tears down every listening socket and accepted Connection.
func (l *Listener) Close() {
	for _, fd := range l.fds {
		_ = l.r.UnregisterRead(fd)
		_ = unix.Close(fd)
	}
	l.r.ReadyRead().UnregisterReceiver(l)
	// Each Close raises Closed, whose handler removes the connection from
	// l.conns; iterate a detached copy so that splice cannot shift it.
	conns := l.conns
	l.conns = nil
	for _, c := range conns {
		c.Close(false)
	}
}

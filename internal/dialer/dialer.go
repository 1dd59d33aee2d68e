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

// Package dialer is the client factory collaborator: resolve a
// remote host, walk the results skipping families the tunnel's policy or
// the blacklist rule out, and kick off the first connect(2) that doesn't
// immediately fail.
package dialer

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/nabbar/relayd/internal/blacklist"
	"github.com/nabbar/relayd/internal/connection"
	"github.com/nabbar/relayd/internal/reactor"
	"github.com/nabbar/relayd/internal/rlog"
	"github.com/nabbar/relayd/internal/tlsctx"
	"github.com/nabbar/relayd/internal/workerpool"
)

// AddrFamily mirrors listener.AddrFamily; duplicated here rather than
// imported to keep the dial-side policy (`pc=`) independent from the
// bind-side one (`ps=`) the tunnel option grammar keeps distinct.
type AddrFamily int

const (
	AddrFamilyAny AddrFamily = iota
	AddrFamilyIPv4
	AddrFamilyIPv6
)

// Options configure one dial attempt.
type Options struct {
	Host    string
	Port    int
	Family  AddrFamily
	TLS     *tlsctx.Context
	TLSRole tlsctx.Role
}

// Factory resolves and connects outbound legs for a tunnel.
type Factory struct {
	r   *reactor.Reactor
	wp  *workerpool.Pool
	bl  *blacklist.List
	log rlog.Logger
}

// New builds a Factory. wp may be nil; Async then always fails fast.
func New(r *reactor.Reactor, wp *workerpool.Pool, bl *blacklist.List, log rlog.Logger) *Factory {
	return &Factory{r: r, wp: wp, bl: bl, log: log}
}

// Dial resolves opt.Host synchronously and connects to the first
// candidate address that isn't blacklisted and whose connect(2) returns
// immediately or EINPROGRESS, returning a Connection in ModeConnecting
// (ModeNormal when connect(2) already completed).
func (f *Factory) Dial(opt Options) (*connection.Connection, error) {
	addrs, err := net.LookupIP(opt.Host)
	if err != nil {
		return nil, fmt.Errorf("dialer: resolving %s: %w", opt.Host, err)
	}
	res := f.connectFirst(opt, addrs)
	return res.Conn, res.Err
}

// AsyncResult is delivered to Async's callback.
type AsyncResult struct {
	Conn *connection.Connection
	Err  error
}

// Async submits the resolve-and-connect sequence to the worker pool and
// invokes cb on the reactor goroutine once a Connection exists or every
// candidate has failed. Requires an active pool.
func (f *Factory) Async(opt Options, cb func(AsyncResult)) error {
	if f.wp == nil || !f.wp.Active() {
		return fmt.Errorf("dialer: async dial requires an active worker pool")
	}

	job := workerpool.NewJob(func(ctx context.Context) (any, error) {
		return net.LookupIP(opt.Host)
	}, 0)

	job.Finished().Register(f, func(receiver, sender any, j *workerpool.Job) {
		fac := receiver.(*Factory)
		if !j.HasCompleted() {
			cb(AsyncResult{Err: fmt.Errorf("dialer: resolution of %s canceled", opt.Host)})
			return
		}
		if j.Err() != nil {
			cb(AsyncResult{Err: j.Err()})
			return
		}
		addrs, _ := j.Result().([]net.IP)
		cb(fac.connectFirst(opt, addrs))
	}, 0)

	return f.wp.Enqueue(job)
}

func (f *Factory) connectFirst(opt Options, addrs []net.IP) AsyncResult {
	for _, ip := range addrs {
		if !matchesFamily(ip, opt.Family) {
			continue
		}
		addr := &net.TCPAddr{IP: ip, Port: opt.Port}
		if !f.bl.Allowed(addr) {
			continue
		}
		fd, connected, err := connectNonblocking(ip, opt.Port)
		if err != nil {
			continue
		}
		mode := connection.ModeConnecting
		if connected {
			mode = connection.ModeNormal
		}
		c, err := connection.New(f.r, f.wp, f.bl, f.log, fd, connection.Options{
			Mode:    mode,
			TLS:     opt.TLS,
			TLSRole: opt.TLSRole,
		})
		if err != nil {
			_ = unix.Close(fd)
			continue
		}
		c.SetRemoteAddr(addr, false)
		return AsyncResult{Conn: c}
	}
	return AsyncResult{Err: fmt.Errorf("dialer: no usable address for %s:%d", opt.Host, opt.Port)}
}

func matchesFamily(ip net.IP, family AddrFamily) bool {
	isV4 := ip.To4() != nil
	switch family {
	case AddrFamilyIPv4:
		return isV4
	case AddrFamilyIPv6:
		return !isV4
	default:
		return true
	}
}

// connectNonblocking opens a nonblocking socket toward ip:port and issues
// connect(2). A nil error with connected==false means EINPROGRESS — the
// caller registers ModeConnecting and lets onReadyWrite resolve it.
func connectNonblocking(ip net.IP, port int) (fd int, connected bool, err error) {
	v4 := ip.To4()
	domain := unix.AF_INET6
	if v4 != nil {
		domain = unix.AF_INET
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, false, err
	}

	var sa unix.Sockaddr
	if v4 != nil {
		addr := unix.SockaddrInet4{Port: port}
		copy(addr.Addr[:], v4)
		sa = &addr
	} else {
		addr := unix.SockaddrInet6{Port: port}
		copy(addr.Addr[:], ip.To16())
		sa = &addr
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, true, nil
	}
	if err == unix.EINPROGRESS {
		return fd, false, nil
	}
	_ = unix.Close(fd)
	return 0, false, err
}

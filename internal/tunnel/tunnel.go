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

// Package tunnel is the collaborator glue pairing each accepted client
// with its dialed remote leg: for every accepted client Connection, dial
// the tunnel's configured remote and
// wire the two Connections' dataReceived/dataSent/closed events together
// into a full end-to-end backpressure chain, with no buffering beyond
// what each Connection's own WriteRecord FIFO already provides.
package tunnel

import (
	"fmt"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/nabbar/relayd/internal/connection"
	"github.com/nabbar/relayd/internal/dialer"
	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/listener"
	"github.com/nabbar/relayd/internal/rlog"
)

// Options names one tunnel's remote leg and dialing policy; the listening
// leg is configured separately through internal/listener.Options and
// supplied to New as an already-built *listener.Listener.
type Options struct {
	RemoteHost string
	RemotePort int
	Async      bool
	Dial       dialer.Options
}

// Tunnel pairs a Listener with a Factory: every accepted client gets a
// freshly dialed remote leg and a glue pair wiring the two together.
type Tunnel struct {
	l   *listener.Listener
	f   *dialer.Factory
	log rlog.Logger
	opt Options

	pairs map[*connection.Connection]*pair
}

type pair struct {
	id     string
	client *connection.Connection
	remote *connection.Connection
}

// New wires l's ClientConnected event to start dialing opt.Dial through f
// for every accepted client.
func New(l *listener.Listener, f *dialer.Factory, log rlog.Logger, opt Options) *Tunnel {
	t := &Tunnel{l: l, f: f, log: log, opt: opt, pairs: make(map[*connection.Connection]*pair)}
	l.ClientConnected().Register(t, func(receiver, sender any, client *connection.Connection) {
		receiver.(*Tunnel).onClientConnected(client)
	}, 0)
	return t
}

func (t *Tunnel) onClientConnected(client *connection.Connection) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = "?"
	}

	dialOpt := t.opt.Dial
	dialOpt.Host = t.opt.RemoteHost
	dialOpt.Port = t.opt.RemotePort

	if t.opt.Async {
		err := t.f.Async(dialOpt, func(res dialer.AsyncResult) {
			if res.Err != nil {
				t.log.Fmt(level.WarnLevel, "tunnel[%s]: failed to dial remote: %v", id, res.Err)
				client.Close(false)
				return
			}
			t.link(id, client, res.Conn)
		})
		if err != nil {
			t.log.Fmt(level.WarnLevel, "tunnel[%s]: async dial rejected: %v", id, err)
			client.Close(false)
		}
		return
	}

	remote, err := t.f.Dial(dialOpt)
	if err != nil {
		t.log.Fmt(level.WarnLevel, "tunnel[%s]: failed to dial remote: %v", id, err)
		client.Close(false)
		return
	}
	t.link(id, client, remote)
}

// link wires client and remote together: once the outbound
// leg is connected, each side's dataReceived writes to the other and
// marks Handling true; each side's dataSent confirms the peer's read so
// reads resume; either side closing closes the other without blacklisting.
func (t *Tunnel) link(id string, client, remote *connection.Connection) {
	p := &pair{id: id, client: client, remote: remote}
	t.pairs[client] = p
	t.pairs[remote] = p

	wireDataFlow := func() {
		client.DataReceived().Register(p, func(receiver, sender any, args *connection.DataReceivedArgs) {
			pp := receiver.(*pair)
			args.Handling = true
			if err := pp.remote.Write(args.Buf, struct{}{}); err != nil {
				t.log.Fmt(level.WarnLevel, "tunnel[%s]: write to remote failed: %v", pp.id, err)
			}
		}, 0)
		remote.DataReceived().Register(p, func(receiver, sender any, args *connection.DataReceivedArgs) {
			pp := receiver.(*pair)
			args.Handling = true
			if err := pp.client.Write(args.Buf, struct{}{}); err != nil {
				t.log.Fmt(level.WarnLevel, "tunnel[%s]: write to client failed: %v", pp.id, err)
			}
		}, 0)
		client.DataSent().Register(p, func(receiver, sender any, _ any) {
			_ = p.remote.ConfirmDataReceived()
		}, 0)
		remote.DataSent().Register(p, func(receiver, sender any, _ any) {
			_ = p.client.ConfirmDataReceived()
		}, 0)
	}

	// Either leg may still be mid connect(2) or TLS handshake: wire data
	// flow only once both report Ready, deferring to whichever Connected
	// event(s) remain outstanding so no bytes are queued against a leg
	// before its fd (or TLS pump) actually exists.
	wired := false
	tryWire := func() {
		if wired || !client.Ready() || !remote.Ready() {
			return
		}
		wired = true
		wireDataFlow()
	}
	client.Connected().Register(p, func(receiver, sender any, _ struct{}) { tryWire() }, 0)
	remote.Connected().Register(p, func(receiver, sender any, _ struct{}) { tryWire() }, 0)
	tryWire()

	client.Closed().Register(p, func(receiver, sender any, _ *connection.Connection) {
		pp := receiver.(*pair)
		t.log.Fmt(level.DebugLevel, "tunnel[%s]: client side closed %s", pp.id, pp)
		t.unlink(pp)
		pp.remote.Close(false)
	}, 0)
	remote.Closed().Register(p, func(receiver, sender any, _ *connection.Connection) {
		pp := receiver.(*pair)
		t.log.Fmt(level.DebugLevel, "tunnel[%s]: remote side closed %s", pp.id, pp)
		t.unlink(pp)
		pp.client.Close(false)
	}, 0)
}

func (t *Tunnel) unlink(p *pair) {
	if _, ok := t.pairs[p.client]; !ok {
		return // already unlinked by the other side's Closed firing first
	}
	delete(t.pairs, p.client)
	delete(t.pairs, p.remote)
	p.client.DataReceived().UnregisterReceiver(p)
	p.client.DataSent().UnregisterReceiver(p)
	p.client.Closed().UnregisterReceiver(p)
	p.remote.DataReceived().UnregisterReceiver(p)
	p.remote.DataSent().UnregisterReceiver(p)
	p.remote.Closed().UnregisterReceiver(p)
	p.client.Connected().UnregisterReceiver(p)
	p.remote.Connected().UnregisterReceiver(p)
}

// String renders a pair for log lines.
func (p *pair) String() string {
	return fmt.Sprintf("%s<->%s", p.client.RemoteAddr(), p.remote.RemoteAddr())
}

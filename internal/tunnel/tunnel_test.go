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

package tunnel

import (
	"bytes"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nabbar/relayd/internal/blacklist"
	"github.com/nabbar/relayd/internal/connection"
	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/reactor"
	"github.com/nabbar/relayd/internal/rlog"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock: %v", err)
		}
	}
	return fds[0], fds[1]
}

func pollUntil(t *testing.T, r *reactor.Reactor, timeout time.Duration, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.PollOnce(20 * time.Millisecond)
		if done() {
			return
		}
	}
	t.Fatalf("condition never became true within %s", timeout)
}

// newTestPair builds a Tunnel with no live Listener/Factory (both legs are
// handed to link directly, the way onClientConnected would after a real
// accept+dial) and links clientConn to remoteConn, returning the fds the
// test drives from the outside.
func newTestPair(t *testing.T) (r *reactor.Reactor, clientPeer, remotePeer int) {
	t.Helper()
	log := rlog.NewStderr(&bytes.Buffer{}, level.DebugLevel)
	var err error
	r, err = reactor.New(log)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	bl := blacklist.New(3)

	clientFD, clientPeer := socketpair(t)
	remoteFD, remotePeer := socketpair(t)

	clientConn, err := connection.New(r, nil, bl, log, clientFD, connection.Options{Mode: connection.ModeNormal})
	if err != nil {
		t.Fatalf("connection.New(client): %v", err)
	}
	remoteConn, err := connection.New(r, nil, bl, log, remoteFD, connection.Options{Mode: connection.ModeNormal})
	if err != nil {
		t.Fatalf("connection.New(remote): %v", err)
	}

	tn := &Tunnel{log: log, pairs: make(map[*connection.Connection]*pair)}
	tn.link("test-pair", clientConn, remoteConn)

	return r, clientPeer, remotePeer
}

func TestLinkForwardsDataBothWays(t *testing.T) {
	r, clientPeer, remotePeer := newTestPair(t)
	defer unix.Close(clientPeer)
	defer unix.Close(remotePeer)

	if _, err := unix.Write(clientPeer, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 16)
	var n int
	pollUntil(t, r, time.Second, func() bool {
		var rerr error
		n, rerr = unix.Read(remotePeer, buf)
		return rerr == nil && n > 0
	})
	if string(buf[:n]) != "ping" {
		t.Fatalf("remote got %q, want %q", buf[:n], "ping")
	}

	if _, err := unix.Write(remotePeer, []byte("pong")); err != nil {
		t.Fatalf("write: %v", err)
	}
	pollUntil(t, r, time.Second, func() bool {
		var rerr error
		n, rerr = unix.Read(clientPeer, buf)
		return rerr == nil && n > 0
	})
	if string(buf[:n]) != "pong" {
		t.Fatalf("client got %q, want %q", buf[:n], "pong")
	}
}

func TestLinkClosesPeerWhenOneSideCloses(t *testing.T) {
	r, clientPeer, remotePeer := newTestPair(t)
	defer unix.Close(remotePeer)

	unix.Close(clientPeer)

	buf := make([]byte, 4)
	pollUntil(t, r, time.Second, func() bool {
		n, err := unix.Read(remotePeer, buf)
		return n == 0 && err == nil
	})
}

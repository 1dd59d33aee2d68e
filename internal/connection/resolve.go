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
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/nabbar/relayd/internal/workerpool"
)

// SetRemoteAddr records addr as the connection's peer and, unless
// numericOnly asks to skip it, kicks off an asynchronous reverse lookup
// through the shared worker pool so a blocking getnameinfo(3)-equivalent
// call never runs on the reactor goroutine. NameResolved fires exactly
// once per call, whether or not the lookup produces a name.
func (c *Connection) SetRemoteAddr(addr net.Addr, numericOnly bool) {
	c.remoteAddr = addr
	c.remoteAddrStr = addr.String()

	host, portStr, err := net.SplitHostPort(c.remoteAddrStr)
	if err != nil {
		c.nameResolvedEvt.Raise(0, struct{}{})
		return
	}
	if port, err := strconv.Atoi(portStr); err == nil {
		c.remotePort = port
	}

	if numericOnly {
		c.nameResolvedEvt.Raise(0, struct{}{})
		return
	}

	// A worker pool that isn't running (e.g. a tunnel configured with no
	// background resolver) can't take the job at all; the original's
	// behavior in that case is to report resolution as immediately done
	// with no hostname rather than block the reactor on getnameinfo.
	if c.wp == nil || !c.wp.Active() {
		c.nameResolvedEvt.Raise(0, struct{}{})
		return
	}

	job := workerpool.NewJob(func(ctx context.Context) (any, error) {
		names, err := net.DefaultResolver.LookupAddr(ctx, host)
		if err != nil || len(names) == 0 {
			return "", err
		}
		return strings.TrimSuffix(names[0], "."), nil
	}, resolveTicks)

	job.Finished().Register(c, func(receiver, sender any, j *workerpool.Job) {
		conn := receiver.(*Connection)
		conn.resolveJob = nil
		if j.HasCompleted() {
			if name, ok := j.Result().(string); ok && name != "" {
				conn.remoteHost = name
			}
		}
		conn.nameResolvedEvt.Raise(0, struct{}{})
	}, 0)

	c.resolveJob = job
	if err := c.wp.Enqueue(job); err != nil {
		c.resolveJob = nil
		c.nameResolvedEvt.Raise(0, struct{}{})
	}
}

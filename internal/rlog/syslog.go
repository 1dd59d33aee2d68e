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

//go:build linux || darwin

package rlog

import (
	"log/syslog"

	loglvl "github.com/nabbar/relayd/internal/level"
)

// NewSyslog builds a Logger writing to the local syslog daemon at the
// given facility, the sink tlsc.c's daemonized() callback switches to
// once the process backgrounds itself (LOG_DAEMON by default — see
// NewSyslogDaemon). The teacher's hooksyslog package reaches for this
// same standard-library syslog engine under its logrus hook; there is no
// third-party syslog client in the retrieval pack to prefer over it.
func NewSyslog(facility syslog.Priority, tag string, lvl loglvl.Level) (Logger, error) {
	w, err := syslog.New(facility|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	return NewWriter(w, lvl), nil
}

// NewSyslogDaemon builds a Logger at the LOG_DAEMON facility, the default
// SPEC_FULL.md calls for once the process has daemonized.
func NewSyslogDaemon(tag string, lvl loglvl.Level) (Logger, error) {
	return NewSyslog(syslog.LOG_DAEMON, tag, lvl)
}

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

// Package rlog is the level-filtered line logger: Msg(level, text) and
// Fmt(level, format, args...) over FATAL/ERROR/WARN/INFO/DEBUG, with
// file, syslog and custom writer sinks selectable at startup. It wraps
// a single logrus engine underneath each sink, kept deliberately small —
// no web framework, ORM or distributed-tracing integration this project
// has no use for.
package rlog

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	loglvl "github.com/nabbar/relayd/internal/level"
)

// Logger is the collaborator interface consumed by every other package in
// this module. Async may be toggled off by the reactor's panic rescue
// ("panic(msg) ... disables async logging").
type Logger interface {
	Msg(lvl loglvl.Level, text string)
	Fmt(lvl loglvl.Level, format string, args ...interface{})
	SetLevel(lvl loglvl.Level)
	SetAsync(async bool)
	Close() error
}

type logger struct {
	mu     sync.Mutex
	log    *logrus.Logger
	level  atomic.Uint32
	async  atomic.Bool
	closer io.Closer
}

// NewStderr builds a Logger writing to stderr, the "foreground" sink used
// when the process is not daemonized (tlsc.c's Log_setFileLogger(stderr)).
func NewStderr(out io.Writer, lvl loglvl.Level) Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return newLogger(l, lvl, nil)
}

// NewWriter builds a Logger around an arbitrary io.WriteCloser sink, the
// "custom" sink NewFile builds on.
func NewWriter(w io.WriteCloser, lvl loglvl.Level) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	return newLogger(l, lvl, w)
}

func newLogger(l *logrus.Logger, lvl loglvl.Level, closer io.Closer) Logger {
	// Filtering happens against g.level; logrus's own threshold (Info by
	// default) must not drop DEBUG lines on top of it.
	l.SetLevel(logrus.DebugLevel)
	g := &logger{log: l, closer: closer}
	g.level.Store(uint32(lvl))
	g.async.Store(true)
	return g
}

func (g *logger) SetLevel(lvl loglvl.Level) { g.level.Store(uint32(lvl)) }

// SetAsync records the async flag the reactor's panic handler clears
// before writing the fatal line. Msg and Fmt always write synchronously
// under g.mu; the flag does not change how or when a line is delivered.
func (g *logger) SetAsync(async bool) { g.async.Store(async) }

func (g *logger) Msg(lvl loglvl.Level, text string) {
	if uint32(lvl) > g.level.Load() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.Log(lvl.Logrus(), text)
}

func (g *logger) Fmt(lvl loglvl.Level, format string, args ...interface{}) {
	if uint32(lvl) > g.level.Load() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log.Logf(lvl.Logrus(), format, args...)
}

func (g *logger) Close() error {
	if g.closer != nil {
		return g.closer.Close()
	}
	return nil
}

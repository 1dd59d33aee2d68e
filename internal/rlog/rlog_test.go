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

package rlog

import (
	"bytes"
	"strings"
	"testing"

	loglvl "github.com/nabbar/relayd/internal/level"
)

func TestMsgFiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewStderr(&buf, loglvl.WarnLevel)

	l.Msg(loglvl.DebugLevel, "should not appear")
	if buf.Len() != 0 {
		t.Fatalf("debug line leaked through a Warn-level logger: %q", buf.String())
	}

	l.Msg(loglvl.ErrorLevel, "should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("error line missing from output: %q", buf.String())
	}
}

func TestFmtInterpolatesArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewStderr(&buf, loglvl.InfoLevel)

	l.Fmt(loglvl.InfoLevel, "tunnel %s:%d up", "db", 5432)
	if !strings.Contains(buf.String(), "tunnel db:5432 up") {
		t.Fatalf("formatted message missing from output: %q", buf.String())
	}
}

func TestSetLevelWidensAndNarrowsAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l := NewStderr(&buf, loglvl.ErrorLevel)

	l.Msg(loglvl.InfoLevel, "still quiet")
	if buf.Len() != 0 {
		t.Fatalf("info line leaked through an Error-level logger: %q", buf.String())
	}

	l.SetLevel(loglvl.DebugLevel)
	l.Msg(loglvl.DebugLevel, "now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("debug line missing after widening the level: %q", buf.String())
	}
}

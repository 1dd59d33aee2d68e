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

package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestWritePidfileContainsOwnPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.pid")
	if err := WritePidfile(path, -1, -1); err != nil {
		t.Fatalf("WritePidfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, err := strconv.Atoi(string(data[:len(data)-1]))
	if err != nil {
		t.Fatalf("pidfile contents %q not a bare integer: %v", data, err)
	}
	if got != os.Getpid() {
		t.Fatalf("pidfile pid = %d, want %d", got, os.Getpid())
	}
}

func TestWritePidfileEmptyPathIsNoop(t *testing.T) {
	if err := WritePidfile("", -1, -1); err != nil {
		t.Fatalf("WritePidfile(\"\"): %v", err)
	}
}

func TestRemovePidfileMissingIsNotAnError(t *testing.T) {
	if err := RemovePidfile(filepath.Join(t.TempDir(), "never-written.pid")); err != nil {
		t.Fatalf("RemovePidfile on a missing file should not error: %v", err)
	}
}

func TestRemovePidfileRemovesWrittenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.pid")
	if err := WritePidfile(path, -1, -1); err != nil {
		t.Fatalf("WritePidfile: %v", err)
	}
	if err := RemovePidfile(path); err != nil {
		t.Fatalf("RemovePidfile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pidfile still present after RemovePidfile")
	}
}

func TestResolveUserNumeric(t *testing.T) {
	uid, err := ResolveUser(strconv.Itoa(os.Getuid()))
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if uid != os.Getuid() {
		t.Fatalf("got uid %d, want %d", uid, os.Getuid())
	}
}

func TestResolveUserEmptyMeansUnchanged(t *testing.T) {
	uid, err := ResolveUser("")
	if err != nil {
		t.Fatalf("ResolveUser(\"\"): %v", err)
	}
	if uid != -1 {
		t.Fatalf("got %d, want -1 (unchanged)", uid)
	}
}

func TestResolveGroupUnknownNameErrors(t *testing.T) {
	if _, err := ResolveGroup("definitely-not-a-real-group-name-xyz"); err == nil {
		t.Fatalf("expected an error resolving a nonexistent group name")
	}
}

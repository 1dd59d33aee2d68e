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

// Package daemon is the pidfile/privilege-drop/daemonize collaborator
// the Go reading of the original C service's
// DaemonOpts{started, pidfile, uid, gid, daemonize} (daemonopts.h) and
// daemon_run (daemon.h): Go's runtime forbids a raw fork(2) once
// goroutines exist, so daemonizing here re-execs the binary once with
// stdio redirected and a new session, the idiom net/http and most Go
// service daemons use in place of fork+setsid.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// reexecEnvVar marks a process as the already-daemonized child so a
// second call to Daemonize is a no-op.
const reexecEnvVar = "RELAYD_DAEMONIZED"

// Options mirrors the original DaemonOpts: the pidfile path and the
// uid/gid to drop to after binding, plus whether to daemonize at all.
type Options struct {
	Pidfile   string
	UID       int
	GID       int
	Daemonize bool
}

// Daemonize re-executes the current process detached from its
// controlling terminal when opts.Daemonize is set and this process
// hasn't already been re-exec'd. It never returns in the parent; the
// caller only continues running past this call as the daemonized child
// (or immediately, in the foreground case).
func Daemonize(opts Options) error {
	if !opts.Daemonize || os.Getenv(reexecEnvVar) == "1" {
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: resolving executable path: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemon: opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon: re-exec failed: %w", err)
	}

	os.Exit(0)
	return nil // unreachable
}

// WritePidfile writes the calling process's pid to path and chowns it to
// uid:gid, matching daemonized()'s pidfile handling in the original
// service (written only once the listen bind that follows succeeds).
// uid/gid of -1 leave the corresponding id unchanged, chown(2)'s own
// convention for "don't change this".
func WritePidfile(path string, uid, gid int) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("daemon: writing pidfile %s: %w", path, err)
	}
	if uid >= 0 || gid >= 0 {
		if err := unix.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("daemon: chown pidfile %s to %d:%d: %w", path, uid, gid, err)
		}
	}
	return nil
}

// RemovePidfile removes the pidfile written by WritePidfile. Called on
// shutdown; a missing file is not an error.
func RemovePidfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: removing pidfile %s: %w", path, err)
	}
	return nil
}

// DropPrivileges calls setgid then setuid, the fixed order needed since
// setuid(2) to a non-root uid drops the capability setgid would
// otherwise require. uid/gid of -1 skip the corresponding call.
func DropPrivileges(uid, gid int) error {
	if gid >= 0 {
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("daemon: setgid(%d): %w", gid, err)
		}
	}
	if uid >= 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("daemon: setuid(%d): %w", uid, err)
		}
	}
	return nil
}

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

package config

import "testing"

func TestNewCommandParsesFlagsAndTunnels(t *testing.T) {
	var got Result
	ranOnce := false

	cmd := NewCommand("test", func(r Result) error {
		got = r
		ranOnce = true
		return nil
	})
	cmd.SetArgs([]string{
		"-f", "-n", "-v",
		"-u", "nobody", "-g", "nogroup", "-p", "/run/relayd.pid",
		"127.0.0.1:8080:backend.internal:9000:s",
	})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ranOnce {
		t.Fatalf("run callback never invoked")
	}
	if !got.Global.Foreground || !got.Global.NumericHosts || !got.Global.Verbose {
		t.Fatalf("boolean flags not applied: %+v", got.Global)
	}
	if got.Global.User != "nobody" || got.Global.Group != "nogroup" || got.Global.Pidfile != "/run/relayd.pid" {
		t.Fatalf("string flags not applied: %+v", got.Global)
	}
	if len(got.Tunnels) != 1 || got.Tunnels[0].RemoteHost != "backend.internal" || !got.Tunnels[0].ServerMode {
		t.Fatalf("tunnel spec not parsed correctly: %+v", got.Tunnels)
	}
}

func TestNewCommandRejectsNoTunnels(t *testing.T) {
	cmd := NewCommand("test", func(r Result) error { return nil })
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected Execute to fail with zero positional tunnel specs")
	}
}

func TestNewCommandRejectsInvalidTunnelSpec(t *testing.T) {
	cmd := NewCommand("test", func(r Result) error { return nil })
	cmd.SetArgs([]string{"not-a-valid-spec"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected Execute to fail on an unparsable tunnel spec")
	}
}

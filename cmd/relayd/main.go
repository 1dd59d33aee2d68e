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

// Command relayd is a multi-tunnel TCP forwarder with optional TLS
// termination/origination, wiring one listener/dialer/tunnel triple per
// configured tunnel spec onto a single shared reactor and worker pool.
package main

import (
	"fmt"
	"os"

	"github.com/nabbar/relayd/internal/blacklist"
	"github.com/nabbar/relayd/internal/config"
	"github.com/nabbar/relayd/internal/daemon"
	"github.com/nabbar/relayd/internal/dialer"
	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/listener"
	"github.com/nabbar/relayd/internal/reactor"
	"github.com/nabbar/relayd/internal/rlog"
	"github.com/nabbar/relayd/internal/tlsctx"
	"github.com/nabbar/relayd/internal/tunnel"
	"github.com/nabbar/relayd/internal/workerpool"
)

// version is stamped at build time via -ldflags; "dev" is the
// unreleased-build default.
var version = "dev"

func main() {
	cmd := config.NewCommand(version, run)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(res config.Result) error {
	uid, err := daemon.ResolveUser(res.Global.User)
	if err != nil {
		return err
	}
	gid, err := daemon.ResolveGroup(res.Global.Group)
	if err != nil {
		return err
	}

	if err := daemon.Daemonize(daemon.Options{
		Pidfile:   res.Global.Pidfile,
		UID:       uid,
		GID:       gid,
		Daemonize: !res.Global.Foreground,
	}); err != nil {
		return err
	}

	lvl := level.InfoLevel
	if res.Global.Verbose {
		lvl = level.DebugLevel
	}

	var log rlog.Logger
	if res.Global.Foreground {
		log = rlog.NewStderr(os.Stderr, lvl)
	} else {
		log, err = rlog.NewSyslogDaemon("relayd", lvl)
		if err != nil {
			return fmt.Errorf("relayd: opening syslog sink: %w", err)
		}
	}
	defer log.Close()

	r, err := reactor.New(log)
	if err != nil {
		return fmt.Errorf("relayd: starting reactor: %w", err)
	}

	wp, err := workerpool.New(r, log, workerpool.DefaultOptions())
	if err != nil {
		return fmt.Errorf("relayd: starting worker pool: %w", err)
	}

	// tunnels and listeners are kept only so they aren't garbage collected
	// out from under the reactor's event subscriptions; the work happens
	// entirely through those subscriptions once Run starts.
	tunnels := make([]*tunnel.Tunnel, 0, len(res.Tunnels))
	listeners := make([]*listener.Listener, 0, len(res.Tunnels))
	for _, tc := range res.Tunnels {
		tn, lst, err := buildTunnel(r, wp, log, tc)
		if err != nil {
			return err
		}
		tunnels = append(tunnels, tn)
		listeners = append(listeners, lst)
	}
	defer func() {
		for _, lst := range listeners {
			lst.Close()
		}
	}()

	pidWritten := false
	r.Startup().Register(nil, func(_, _ any, args *reactor.StartupArgs) {
		if err := daemon.WritePidfile(res.Global.Pidfile, uid, gid); err != nil {
			args.Err = err
			return
		}
		pidWritten = true
		if err := daemon.DropPrivileges(uid, gid); err != nil {
			args.Err = err
		}
	}, 0)

	rc, err := r.Run()
	if pidWritten {
		_ = daemon.RemovePidfile(res.Global.Pidfile)
	}
	if err != nil {
		return err
	}
	if rc != 0 {
		os.Exit(rc)
	}
	return nil
}

// buildTunnel wires one tunnel spec's blacklist, TLS context, listener,
// dialer and glue onto the shared reactor/pool. Exactly one leg carries
// TLS: the listener when the tunnel declares server mode, the dialer
// otherwise (see SPEC_FULL.md's "Server-mode TLS" supplement).
func buildTunnel(r *reactor.Reactor, wp *workerpool.Pool, log rlog.Logger, tc *config.TunnelConfig) (*tunnel.Tunnel, *listener.Listener, error) {
	bl := blacklist.New(tc.BlacklistHits)

	cfg := &tlsctx.Config{
		CertFile:           tc.CertFile,
		KeyFile:            tc.KeyFile,
		ServerName:         tc.RemoteHost,
		InsecureSkipVerify: tc.NoVerify,
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("relayd: tunnel %s:%d TLS settings: %w", tc.BindHost, tc.BindPort, err)
	}
	tctx := tlsctx.New(tlsRoleFor(tc), log, cfg)

	var listenerTLS, dialTLS *tlsctx.Context
	var listenerRole, dialRole tlsctx.Role
	if tc.ServerMode {
		listenerTLS, listenerRole = tctx, tlsctx.RoleServer
	} else {
		dialTLS, dialRole = tctx, tlsctx.RoleClient
	}

	lst, err := listener.New(r, wp, bl, log, listener.Options{
		Host:    tc.BindHost,
		Port:    tc.BindPort,
		Family:  listener.AddrFamily(tc.EffectiveServerFamily()),
		TLS:     listenerTLS,
		TLSRole: listenerRole,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("relayd: binding tunnel %s:%d: %w", tc.BindHost, tc.BindPort, err)
	}

	f := dialer.New(r, wp, bl, log)

	tn := tunnel.New(lst, f, log, tunnel.Options{
		RemoteHost: tc.RemoteHost,
		RemotePort: tc.RemotePort,
		Async:      true,
		Dial: dialer.Options{
			Host:    tc.RemoteHost,
			Port:    tc.RemotePort,
			Family:  dialer.AddrFamily(tc.EffectiveClientFamily()),
			TLS:     dialTLS,
			TLSRole: dialRole,
		},
	})

	return tn, lst, nil
}

func tlsRoleFor(tc *config.TunnelConfig) tlsctx.Role {
	if tc.ServerMode {
		return tlsctx.RoleServer
	}
	return tlsctx.RoleClient
}

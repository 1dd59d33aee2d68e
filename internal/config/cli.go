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

import (
	"fmt"

	spfcbr "github.com/spf13/cobra"
)

// Result is everything a successful CLI parse produces: the global flags
// plus one TunnelConfig per positional argument, per the tunnel grammar.
type Result struct {
	Global  GlobalConfig
	Tunnels []*TunnelConfig
}

// NewCommand builds the root Cobra command: a positional list of tunnel
// specs plus -f/-g/-n/-p/-u/-v. run is invoked once flags and
// positionals have been parsed and validated.
func NewCommand(version string, run func(Result) error) *spfcbr.Command {
	g := GlobalConfig{}

	cmd := &spfcbr.Command{
		Use:     "relayd [flags] host:port:remotehost[:remoteport][:k=v[:...]] ...",
		Short:   "multi-tunnel TCP forwarder with optional TLS termination/origination",
		Version: version,
		Args:    spfcbr.MinimumNArgs(1),
		RunE: func(cmd *spfcbr.Command, args []string) error {
			tunnels := make([]*TunnelConfig, 0, len(args))
			for _, a := range args {
				tc, err := ParseTunnelSpec(a)
				if err != nil {
					return err
				}
				if err := tc.Validate(); err != nil {
					return fmt.Errorf("tunnel spec %q: %w", a, err)
				}
				tunnels = append(tunnels, tc)
			}
			return run(Result{Global: g, Tunnels: tunnels})
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&g.Foreground, "foreground", "f", false, "stay in the foreground instead of daemonizing")
	flags.StringVarP(&g.Group, "group", "g", "", "group to drop privileges to after binding")
	flags.BoolVarP(&g.NumericHosts, "numeric", "n", false, "skip reverse DNS, log numeric peer addresses only")
	flags.StringVarP(&g.Pidfile, "pidfile", "p", "", "pidfile path, written once daemonized and bound")
	flags.StringVarP(&g.User, "user", "u", "", "user to drop privileges to after binding")
	flags.BoolVarP(&g.Verbose, "verbose", "v", false, "enable debug-level logging")

	return cmd
}

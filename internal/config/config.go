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

// Package config is the CLI-facing collaborator: the tunnel spec grammar
// parser and the process-wide/per-tunnel settings it produces, validated
// with github.com/go-playground/validator/v10 struct tags.
package config

import (
	"fmt"
	"strconv"
	"strings"

	libval "github.com/go-playground/validator/v10"
)

// AddrFamily mirrors listener/dialer.AddrFamily; config only needs to
// parse the `p=`/`pc=`/`ps=` literal, not act on it.
type AddrFamily int

const (
	AddrFamilyAny AddrFamily = iota
	AddrFamilyIPv4
	AddrFamilyIPv6
)

func parseAddrFamily(v string) (AddrFamily, error) {
	switch v {
	case "4":
		return AddrFamilyIPv4, nil
	case "6":
		return AddrFamilyIPv6, nil
	default:
		return AddrFamilyAny, fmt.Errorf("config: invalid address family %q, want 4 or 6", v)
	}
}

// TunnelConfig is one positional tunnel spec from the CLI's grammar:
//
//	host:port:remotehost[:remoteport][:k=v[:...]]
//
// bracketed IPv6 literals are accepted for host and remotehost.
type TunnelConfig struct {
	BindHost   string `validate:"required"`
	BindPort   int    `validate:"required,min=1,max=65535"`
	RemoteHost string `validate:"required"`
	RemotePort int    `validate:"required,min=1,max=65535"`

	BlacklistHits int `validate:"min=0"`
	CertFile      string
	KeyFile       string `validate:"required_with=CertFile"`
	Family        AddrFamily
	ClientFamily  AddrFamily
	ServerFamily  AddrFamily
	ServerMode    bool
	NoVerify      bool
}

// Validate applies struct tags via go-playground/validator, matching the
// convention internal/tlsctx.Config.Validate already establishes.
func (t *TunnelConfig) Validate() error {
	if err := libval.New().Struct(t); err != nil {
		if _, ok := err.(*libval.InvalidValidationError); ok {
			return err
		}
		for _, fe := range err.(libval.ValidationErrors) {
			return fmt.Errorf("tunnel config field %q fails constraint %q", fe.StructNamespace(), fe.ActualTag())
		}
	}
	return nil
}

// GlobalConfig is the process-wide configuration the Configuration
// collaborator names, populated from the CLI's -f/-g/-n/-p/-u/-v flags.
type GlobalConfig struct {
	Foreground   bool
	Group        string
	User         string
	NumericHosts bool
	Pidfile      string
	Verbose      bool
}

// splitFields tokenizes a tunnel spec on ':', treating a bracketed
// segment ("[2001:db8::1]") as one atomic field so IPv6 literals survive
// the split intact.
func splitFields(spec string) ([]string, error) {
	var fields []string
	for len(spec) > 0 {
		if spec[0] == '[' {
			end := strings.IndexByte(spec, ']')
			if end < 0 {
				return nil, fmt.Errorf("config: unterminated IPv6 literal in %q", spec)
			}
			fields = append(fields, spec[1:end])
			spec = spec[end+1:]
			spec = strings.TrimPrefix(spec, ":")
			continue
		}
		idx := strings.IndexByte(spec, ':')
		if idx < 0 {
			fields = append(fields, spec)
			break
		}
		fields = append(fields, spec[:idx])
		spec = spec[idx+1:]
	}
	return fields, nil
}

// ParseTunnelSpec parses one positional argument against the CLI's
// grammar: host:port:remotehost[:remoteport][:k=v[:...]], where host and
// remotehost may be bracketed IPv6 literals.
func ParseTunnelSpec(spec string) (*TunnelConfig, error) {
	fields, err := splitFields(spec)
	if err != nil {
		return nil, err
	}
	if len(fields) < 3 {
		return nil, fmt.Errorf("config: tunnel spec %q needs at least host:port:remotehost", spec)
	}
	if fields[0] == "" {
		return nil, fmt.Errorf("config: empty bind host in tunnel spec %q", spec)
	}
	if fields[2] == "" {
		return nil, fmt.Errorf("config: empty remote host in tunnel spec %q", spec)
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("config: invalid bind port %q in %q: %w", fields[1], spec, err)
	}

	tc := &TunnelConfig{
		BindHost:      fields[0],
		BindPort:      port,
		RemoteHost:    fields[2],
		RemotePort:    port,
		BlacklistHits: 1,
	}

	opts := fields[3:]
	if len(opts) > 0 {
		if n, err := strconv.Atoi(opts[0]); err == nil {
			tc.RemotePort = n
			opts = opts[1:]
		}
	}

	for _, opt := range opts {
		if opt == "" {
			continue
		}
		if err := applyOption(tc, opt); err != nil {
			return nil, fmt.Errorf("config: tunnel spec %q: %w", spec, err)
		}
	}

	return tc, nil
}

func applyOption(tc *TunnelConfig, opt string) error {
	key, value, hasValue := strings.Cut(opt, "=")
	switch key {
	case "b":
		if !hasValue {
			return fmt.Errorf("option %q requires a value", opt)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid blacklist hit count %q", value)
		}
		tc.BlacklistHits = n
	case "c":
		if !hasValue {
			return fmt.Errorf("option %q requires a value", opt)
		}
		tc.CertFile = value
	case "k":
		if !hasValue {
			return fmt.Errorf("option %q requires a value", opt)
		}
		tc.KeyFile = value
	case "p":
		f, err := parseAddrFamily(value)
		if err != nil {
			return err
		}
		tc.Family = f
	case "pc":
		f, err := parseAddrFamily(value)
		if err != nil {
			return err
		}
		tc.ClientFamily = f
	case "ps":
		f, err := parseAddrFamily(value)
		if err != nil {
			return err
		}
		tc.ServerFamily = f
	case "s":
		tc.ServerMode = true
	case "nv":
		tc.NoVerify = true
	default:
		return fmt.Errorf("unknown tunnel option %q", key)
	}
	return nil
}

// EffectiveClientFamily resolves `pc=` over `p=`, matching the override
// pair the original source establishes (see SUPPLEMENTED FEATURES).
func (t *TunnelConfig) EffectiveClientFamily() AddrFamily {
	if t.ClientFamily != AddrFamilyAny {
		return t.ClientFamily
	}
	return t.Family
}

// EffectiveServerFamily resolves `ps=` over `p=`.
func (t *TunnelConfig) EffectiveServerFamily() AddrFamily {
	if t.ServerFamily != AddrFamilyAny {
		return t.ServerFamily
	}
	return t.Family
}

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

// Package tlsctx builds and shares the process-wide TLS contexts the CLI's
// calls for: one leg of each tunnel terminates or originates TLS 1.2+
// using system trust anchors, SNI set to the configured remote host
// literal, with the tunnel's `s`/`nv`/`c=`/`k=` options selecting role,
// verification and the key pair. A Context is created lazily on first
// Acquire and reference-counted by the number of live TLS connections
// using it. Validation is struct tags via go-playground/validator/v10;
// the handshake itself runs on crypto/tls — the one concern this project
// builds on the standard library directly, since no pure-Go alternative
// TLS engine is in play here.
package tlsctx

import (
	"crypto/tls"
	"fmt"
	"sync"

	libval "github.com/go-playground/validator/v10"

	"github.com/nabbar/relayd/internal/level"
	"github.com/nabbar/relayd/internal/rlog"
)

// Role selects which side of the handshake a Context performs.
type Role int

const (
	// RoleClient originates TLS toward the remote leg (the tunnel's
	// default, without the `s` option).
	RoleClient Role = iota
	// RoleServer terminates TLS on the listening leg (the tunnel's `s`
	// option).
	RoleServer
)

// Config is the validated, per-tunnel TLS configuration the `c=`, `k=`
// and `nv` tunnel options populate (the `s` option selects the Role
// instead).
type Config struct {
	CertFile           string `validate:"omitempty,file"`
	KeyFile            string `validate:"omitempty,file"`
	ServerName         string `validate:"required_without=InsecureSkipVerify"`
	InsecureSkipVerify bool
}

// Validate applies struct tags via go-playground/validator, the same
// convention every other config struct in this project validates with.
func (c *Config) Validate() error {
	if err := libval.New().Struct(c); err != nil {
		if _, ok := err.(*libval.InvalidValidationError); ok {
			return err
		}
		for _, fe := range err.(libval.ValidationErrors) {
			return fmt.Errorf("tls config field %q fails constraint %q", fe.StructNamespace(), fe.ActualTag())
		}
	}
	return nil
}

// Context is a lazily-built, reference-counted *tls.Config factory shared
// by every Connection that dials or accepts under the same tunnel's TLS
// settings.
type Context struct {
	mu   sync.Mutex
	role Role
	log  rlog.Logger
	cfg  *Config
	base *tls.Config
	refs int
}

// New builds a Context; the underlying tls.Config is not constructed
// until the first Acquire.
func New(role Role, log rlog.Logger, cfg *Config) *Context {
	return &Context{role: role, log: log, cfg: cfg}
}

// Acquire returns the shared tls.Config, building it on the first call,
// and increments the reference count. Pair with Release.
func (c *Context) Acquire() (*tls.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base == nil {
		built, err := build(c.role, c.log, c.cfg)
		if err != nil {
			return nil, err
		}
		c.base = built
	}
	c.refs++
	return c.base.Clone(), nil
}

// Release decrements the reference count; once it reaches zero the
// underlying tls.Config is dropped and rebuilt fresh on the next Acquire.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs > 0 {
		c.refs--
	}
	if c.refs == 0 {
		c.base = nil
	}
}

// RefCount reports the number of live Connections currently sharing this
// Context's tls.Config.
func (c *Context) RefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

func build(role Role, log rlog.Logger, cfg *Config) (*tls.Config, error) {
	t := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsctx: loading key pair: %w", err)
		}
		t.Certificates = []tls.Certificate{pair}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		// a lone c= or k= is logged and ignored rather than failing the
		// whole tunnel: the handshake proceeds without a client/server
		// certificate pair instead of aborting startup.
		if log != nil {
			log.Fmt(level.WarnLevel, "tlsctx: c=%q k=%q is not a matched pair, ignoring", cfg.CertFile, cfg.KeyFile)
		}
	}

	if role == RoleServer && len(t.Certificates) == 0 {
		return nil, fmt.Errorf("tlsctx: server role requires c= and k=")
	}

	return t, nil
}

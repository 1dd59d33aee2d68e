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

// Package errors classifies failures by kind: configuration,
// peer, resource, worker-panic and timeout kinds, each carrying a numeric
// Code and an optional parent chain, composable with the standard
// library's errors.Is/errors.As. This is a scaled-down reading of the
// teacher's errors package (github.com/nabbar/golib/errors): that package
// models arbitrary HTTP-like codes and a generic parent hierarchy; this
// one keeps the "code + parent chain" shape but only the codes this
// domain actually raises.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies a Error by the kind of failure it represents.
type Code uint8

const (
	// Unknown is the zero value, used only for errors constructed without
	// a specific classification.
	Unknown Code = iota
	// Config marks a configuration error (bad port, missing cert): fatal
	// at startup.
	Config
	// Peer marks a peer failure (EOF, reset, TLS error): closes the
	// connection, logged as a warning.
	Peer
	// Resource marks resource exhaustion (allocation failure): escalates
	// to a Reactor panic.
	Resource
	// WorkerPanic marks a panic recovered on a worker goroutine and
	// surfaced to the reactor.
	WorkerPanic
	// Timeout marks a tick-counted timeout, treated like Peer plus a
	// blacklist hit.
	Timeout
)

func (c Code) String() string {
	switch c {
	case Config:
		return "config"
	case Peer:
		return "peer"
	case Resource:
		return "resource"
	case WorkerPanic:
		return "worker-panic"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a code-classified error with an optional parent, mirroring the
// teacher's Error interface's Code()/GetParent()/Unwrap() trio but trimmed
// to what this codebase needs.
type Error struct {
	code    Code
	message string
	parent  error
}

// New builds a classified Error with no parent.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap classifies an existing error, keeping it as the parent so
// errors.Is/errors.As still see through to it.
func Wrap(code Code, message string, parent error) *Error {
	return &Error{code: code, message: message, parent: parent}
}

func (e *Error) Error() string {
	if e.parent != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.parent)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// Code returns the failure classification.
func (e *Error) Code() Code { return e.code }

// Unwrap exposes the parent for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.parent }

// HasCode reports whether this error or any parent in its chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if errors.As(err, &e) && e.code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}

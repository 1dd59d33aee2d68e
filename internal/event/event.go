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

// Package event implements the named synchronous broadcast channel used
// throughout relayd to decouple the reactor, the worker pool and the
// connection state machine from one another.
//
// It is a typed re-expression of the (receiver, sender, args) callback
// bus from the original C service: a Bus[T] carries one argument type T,
// subscriptions are filtered by an integer id (0 matches any, commonly a
// file descriptor or "don't care"), and Raise dispatches synchronously on
// the calling goroutine. The bus never raises across goroutines itself;
// cross-goroutine completions (worker pool jobs) are expected to funnel
// back onto the reactor goroutine before Raise is called.
package event

// Handler receives the subscription's receiver, the bus's sender and the
// event argument. receiver and sender are opaque to the bus; it never
// dereferences them.
type Handler[T any] func(receiver any, sender any, args T)

// Subscription is the token returned by Register and consumed by
// Unregister. It stands in for the original (receiver, handler, id)
// triple used for identity in the source, since function values are not
// comparable in Go.
type Subscription[T any] struct {
	receiver any
	handler  Handler[T]
	id       int
	removed  bool
}

// Bus is a single named event with an ordered list of subscribers. The
// zero value is not usable; construct with New.
type Bus[T any] struct {
	sender any
	subs   []*Subscription[T]
}

// New creates a Bus owned by sender. sender is passed verbatim to every
// handler invoked through Raise.
func New[T any](sender any) *Bus[T] {
	return &Bus[T]{sender: sender}
}

// Register adds a subscription and returns its token. Registering during
// an in-progress Raise is safe: the new subscription is appended to the
// backing slice but is not part of the snapshot Raise is iterating over,
// so it first fires on the next Raise.
func (b *Bus[T]) Register(receiver any, handler Handler[T], id int) *Subscription[T] {
	sub := &Subscription[T]{receiver: receiver, handler: handler, id: id}
	b.subs = append(b.subs, sub)
	return sub
}

// Unregister removes a subscription. The subscription is marked removed,
// so a Raise already in progress skips it for the remainder of that Raise,
// and the bus's list is replaced by a fresh copy without it, leaving the
// snapshot that Raise iterates over untouched.
func (b *Bus[T]) Unregister(sub *Subscription[T]) {
	if sub == nil {
		return
	}
	sub.removed = true
	for i, s := range b.subs {
		if s == sub {
			subs := make([]*Subscription[T], 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// UnregisterReceiver removes every subscription owned by receiver. Used by
// destructors that want to drop all of an object's subscriptions to a
// shared bus (e.g. a Connection unregistering from the reactor's tick)
// without holding on to each individual token.
func (b *Bus[T]) UnregisterReceiver(receiver any) {
	kept := make([]*Subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		if s.receiver == receiver {
			s.removed = true
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
}

// Raise invokes every subscription whose id matches (id == 0 means "any",
// and a subscription registered with id == 0 matches every raised id).
// The set of subscribers considered is fixed at the start of the call
// (a length snapshot): registrations performed by a handler take effect
// on the next Raise, and unregistrations performed by a handler are
// honored immediately by skipping the tombstoned entry.
func (b *Bus[T]) Raise(id int, args T) {
	snapshot := b.subs
	n := len(snapshot)
	for i := 0; i < n; i++ {
		sub := snapshot[i]
		if sub.removed {
			continue
		}
		if sub.id != 0 && id != 0 && sub.id != id {
			continue
		}
		sub.handler(sub.receiver, b.sender, args)
	}
}

// Len reports the number of live (non-tombstoned) subscriptions, mostly
// useful for tests asserting exactly-once delivery.
func (b *Bus[T]) Len() int {
	n := 0
	for _, s := range b.subs {
		if !s.removed {
			n++
		}
	}
	return n
}

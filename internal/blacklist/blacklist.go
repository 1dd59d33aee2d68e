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

// Package blacklist is the fixed-size destination blacklist this project
// describes: a dial target that just failed is remembered for a handful
// of subsequent connection attempts, then forgotten. It is a countdown
// table, not an LRU cache — deliberately: once Size entries are in use,
// further failures are simply not recorded until a slot frees up.
package blacklist

import (
	"net"
	"sync"
)

// Size is the fixed number of entries the table holds.
const Size = 32

// DefaultHits is how many times Allowed must see an address before the
// entry is forgotten when New is given a hit count <= 0. The CLI's tunnel
// parser always passes a positive count (1 unless "b=hits" is given).
const DefaultHits = 3

type entry struct {
	key  string
	hits int
	used bool
}

// List is a fixed Size-slot blacklist. The zero value is not usable; use
// New.
type List struct {
	mu          sync.Mutex
	defaultHits int
	entries     [Size]entry
}

// New builds a List. hits <= 0 falls back to DefaultHits.
func New(hits int) *List {
	if hits <= 0 {
		hits = DefaultHits
	}
	return &List{defaultHits: hits}
}

// Add records addr as a freshly failed destination. If the table is
// already full the address is silently not recorded — the same
// fixed-capacity drop the original's first-empty-slot scan implements.
func (l *List) Add(addr net.Addr) {
	key := addr.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].used {
			continue
		}
		l.entries[i] = entry{key: key, hits: l.defaultHits, used: true}
		return
	}
}

// Allowed reports whether addr may be dialed right now. A match consumes
// one hit and, once hits reach zero, frees the slot — so the same address
// is blocked for exactly the configured number of subsequent checks, then
// eligible again.
func (l *List) Allowed(addr net.Addr) bool {
	key := addr.String()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if !l.entries[i].used || l.entries[i].key != key {
			continue
		}
		l.entries[i].hits--
		if l.entries[i].hits <= 0 {
			l.entries[i] = entry{}
		}
		return false
	}
	return true
}

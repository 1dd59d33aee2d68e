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

package blacklist

import (
	"net"
	"strconv"
	"testing"
)

func addr(s string) net.Addr {
	a, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestUnlistedAddressIsAllowed(t *testing.T) {
	l := New(3)
	if !l.Allowed(addr("10.0.0.1:443")) {
		t.Fatalf("an address never Add'ed should be Allowed")
	}
}

func TestAddedAddressIsBlockedForConfiguredHitsThenForgotten(t *testing.T) {
	l := New(2)
	a := addr("10.0.0.1:443")
	l.Add(a)

	if l.Allowed(a) {
		t.Fatalf("first check after Add should be blocked")
	}
	if l.Allowed(a) {
		t.Fatalf("second check should still be blocked (hits==2)")
	}
	if !l.Allowed(a) {
		t.Fatalf("third check should be allowed again (entry forgotten)")
	}
}

func TestTableDoesNotGrowPastSize(t *testing.T) {
	l := New(5)
	for i := 0; i < Size+4; i++ {
		l.Add(addr(net.JoinHostPort("10.0.0.1", strconv.Itoa(i+1))))
	}
	used := 0
	for _, e := range l.entries {
		if e.used {
			used++
		}
	}
	if used != Size {
		t.Fatalf("got %d used slots, want exactly %d (fixed capacity, overflow dropped)", used, Size)
	}
}

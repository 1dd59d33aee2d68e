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

package event

import "testing"

func TestRaiseDispatchesInRegistrationOrder(t *testing.T) {
	b := New[int](nil)
	var order []int
	b.Register("a", func(receiver, sender any, args int) { order = append(order, 1) }, 0)
	b.Register("b", func(receiver, sender any, args int) { order = append(order, 2) }, 0)
	b.Register("c", func(receiver, sender any, args int) { order = append(order, 3) }, 0)

	b.Raise(0, 42)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestRaiseFiltersById(t *testing.T) {
	b := New[struct{}](nil)
	var fired []int
	b.Register("fd5", func(receiver, sender any, args struct{}) { fired = append(fired, 5) }, 5)
	b.Register("fd7", func(receiver, sender any, args struct{}) { fired = append(fired, 7) }, 7)
	b.Register("any", func(receiver, sender any, args struct{}) { fired = append(fired, 0) }, 0)

	b.Raise(5, struct{}{})

	if len(fired) != 2 || fired[0] != 5 || fired[1] != 0 {
		t.Fatalf("got %v, want handlers for id 5 and the wildcard to fire", fired)
	}
}

func TestUnregisterDuringRaiseSkipsForRestOfThisRaise(t *testing.T) {
	b := New[struct{}](nil)
	var secondSub *Subscription[struct{}]
	var fired []string

	b.Register("first", func(receiver, sender any, args struct{}) {
		fired = append(fired, "first")
		b.Unregister(secondSub)
	}, 0)
	secondSub = b.Register("second", func(receiver, sender any, args struct{}) {
		fired = append(fired, "second")
	}, 0)
	b.Register("third", func(receiver, sender any, args struct{}) {
		fired = append(fired, "third")
	}, 0)

	b.Raise(0, struct{}{})

	if len(fired) != 2 || fired[0] != "first" || fired[1] != "third" {
		t.Fatalf("got %v, want [first third] (second unregistered mid-raise)", fired)
	}

	fired = nil
	b.Raise(0, struct{}{})
	if len(fired) != 2 {
		t.Fatalf("got %v, want exactly 2 handlers on the next raise", fired)
	}
}

func TestRegisterDuringRaiseTakesEffectNextRaise(t *testing.T) {
	b := New[struct{}](nil)
	var fired []string

	b.Register("first", func(receiver, sender any, args struct{}) {
		fired = append(fired, "first")
		b.Register("lateComer", func(receiver, sender any, args struct{}) {
			fired = append(fired, "late")
		}, 0)
	}, 0)

	b.Raise(0, struct{}{})
	if len(fired) != 1 {
		t.Fatalf("got %v, want only the handler registered before this raise", fired)
	}

	fired = nil
	b.Raise(0, struct{}{})
	if len(fired) != 2 {
		t.Fatalf("got %v, want the late registration to fire on the next raise", fired)
	}
}

func TestUnregisterReceiverRemovesAllOfThatReceiversSubscriptions(t *testing.T) {
	b := New[struct{}](nil)
	count := 0
	b.Register("owner", func(receiver, sender any, args struct{}) { count++ }, 0)
	b.Register("owner", func(receiver, sender any, args struct{}) { count++ }, 1)
	b.Register("other", func(receiver, sender any, args struct{}) { count++ }, 0)

	b.UnregisterReceiver("owner")
	b.Raise(0, struct{}{})

	if count != 1 {
		t.Fatalf("got %d handler invocations, want 1 (only \"other\" left)", count)
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	if got, want := clock.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfterFuncFiresAtDeadline(t *testing.T) {
	clock := Fake(epoch)
	fired := 0
	clock.AfterFunc(3*time.Second, func() { fired++ })

	clock.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("callback fired before deadline")
	}
	clock.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	clock.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot callback fired again: %d", fired)
	}
}

func TestFakeClockStopPreventsFire(t *testing.T) {
	clock := Fake(epoch)
	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if n := clock.PendingCount(); n != 0 {
		t.Fatalf("PendingCount = %d, want 0", n)
	}
}

func TestFakeClockDeadlineOrder(t *testing.T) {
	clock := Fake(epoch)
	var order []int
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	clock.Advance(10 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFakeClockCallbackSchedulesDueTimer(t *testing.T) {
	clock := Fake(epoch)
	second := false
	clock.AfterFunc(time.Second, func() {
		clock.AfterFunc(time.Second, func() { second = true })
	})

	clock.Advance(time.Second)
	if second {
		t.Fatal("chained timer fired early")
	}
	clock.Advance(time.Second)
	if !second {
		t.Fatal("chained timer did not fire")
	}
}

package clock

import (
	"context"
	"testing"
	"time"
)

func TestSystem_Now(t *testing.T) {
	before := time.Now()
	got := System().Now()
	if got.Before(before.Add(-time.Second)) {
		t.Fatalf("system clock is off: %v", got)
	}
}

func TestFake_AdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before deadline")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(10 * time.Second)) {
			t.Fatalf("unexpected fire time: %v", at)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not fire")
	}
}

func TestFake_AfterNonPositiveFiresImmediately(t *testing.T) {
	f := NewFake(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	select {
	case <-f.After(0):
	default:
		t.Fatal("zero-delay After must fire immediately")
	}
}

func TestFake_SleepCancellable(t *testing.T) {
	f := NewFake(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.Sleep(ctx, time.Minute) }()
	cancel()

	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFake_Set(t *testing.T) {
	start := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)
	ch := f.After(time.Hour)
	f.Set(start.Add(2 * time.Hour))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Set past deadline must fire waiters")
	}
	if !f.Now().Equal(start.Add(2 * time.Hour)) {
		t.Fatalf("unexpected now: %v", f.Now())
	}
}

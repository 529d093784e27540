package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireCeiling(t *testing.T) {
	// Window long enough that refill is negligible during the test
	l := New(5, time.Hour)

	for i := 0; i < 5; i++ {
		if !l.Acquire(ClassRead, 1) {
			t.Fatalf("Acquire %d should succeed within capacity", i+1)
		}
	}

	if l.Acquire(ClassRead, 1) {
		t.Error("Acquire beyond capacity should fail")
	}

	// Classes are independent buckets
	if !l.Acquire(ClassMutation, 1) {
		t.Error("Mutation class should not be drained by read class")
	}
}

func TestAcquireCost(t *testing.T) {
	l := New(10, time.Hour)

	if !l.Acquire(ClassRead, 7) {
		t.Fatal("Acquire with cost 7 should succeed")
	}
	if l.Acquire(ClassRead, 4) {
		t.Error("Acquire with cost 4 should fail with 3 tokens left")
	}
	if !l.Acquire(ClassRead, 3) {
		t.Error("Acquire with cost 3 should succeed")
	}
}

func TestRefill(t *testing.T) {
	l := New(10, 10*time.Second) // 1 token/sec

	now := time.Now()
	l.now = func() time.Time { return now }
	l.AddClass(ClassRead, 10, 10*time.Second)

	for i := 0; i < 10; i++ {
		if !l.Acquire(ClassRead, 1) {
			t.Fatalf("Acquire %d should succeed", i+1)
		}
	}
	if l.Acquire(ClassRead, 1) {
		t.Fatal("Bucket should be empty")
	}

	// 3 seconds later: ~3 tokens back
	now = now.Add(3 * time.Second)
	if !l.Acquire(ClassRead, 3) {
		t.Error("3 tokens should have refilled after 3s")
	}
	if l.Acquire(ClassRead, 1) {
		t.Error("No more than elapsed*rate tokens should refill")
	}

	// Refill never exceeds capacity
	now = now.Add(time.Hour)
	remaining, _ := l.Status(ClassRead)
	if remaining != 10 {
		t.Errorf("Expected refill capped at capacity 10, got %d", remaining)
	}
}

func TestWaitTimeout(t *testing.T) {
	l := New(1, time.Hour)

	if !l.Acquire(ClassRead, 1) {
		t.Fatal("First acquire should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Wait(ctx, ClassRead, 1)
	if err == nil {
		t.Fatal("Wait should time out with an empty bucket and hour-long window")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Wait should block until the context deadline")
	}
}

func TestWaitRefills(t *testing.T) {
	// 100ms window: an empty bucket fully refills almost immediately
	l := New(10, 100*time.Millisecond)

	for i := 0; i < 10; i++ {
		l.Acquire(ClassMutation, 1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.Wait(ctx, ClassMutation, 2); err != nil {
		t.Fatalf("Wait should succeed once tokens refill: %v", err)
	}
}

func TestWaitCostExceedsCapacity(t *testing.T) {
	l := New(5, time.Second)

	err := l.Wait(context.Background(), ClassRead, 6)
	if err == nil {
		t.Fatal("Wait with cost above capacity can never succeed and must error")
	}
}

func TestStatus(t *testing.T) {
	l := New(10, 10*time.Second)

	now := time.Now()
	l.now = func() time.Time { return now }
	l.AddClass(ClassRead, 10, 10*time.Second)

	remaining, resetAt := l.Status(ClassRead)
	if remaining != 10 {
		t.Errorf("Expected full bucket, got %d", remaining)
	}
	if resetAt.After(now) {
		t.Error("Full bucket should report resetAt = now")
	}

	l.Acquire(ClassRead, 4)
	remaining, resetAt = l.Status(ClassRead)
	if remaining != 6 {
		t.Errorf("Expected 6 remaining, got %d", remaining)
	}
	// 4 tokens at 1 token/sec = full again in 4s
	expected := now.Add(4 * time.Second)
	if resetAt.Before(expected.Add(-time.Second)) || resetAt.After(expected.Add(time.Second)) {
		t.Errorf("Expected resetAt near %v, got %v", expected, resetAt)
	}
}

func TestReconcile(t *testing.T) {
	l := New(100, time.Hour)

	now := time.Now()
	l.now = func() time.Time { return now }
	l.AddClass(ClassRead, 100, time.Hour)

	// Remote says fewer tokens remain than we thought
	reset := now.Add(30 * time.Minute)
	l.Reconcile(ClassRead, 20, reset)

	remaining, resetAt := l.Status(ClassRead)
	if remaining != 20 {
		t.Errorf("Reconcile should clamp down to 20, got %d", remaining)
	}
	if !resetAt.Equal(reset) && resetAt.Before(reset) {
		t.Errorf("Status should report the authoritative reset %v, got %v", reset, resetAt)
	}

	// Reconcile never raises the local estimate
	l.Reconcile(ClassRead, 500, reset)
	remaining, _ = l.Status(ClassRead)
	if remaining != 20 {
		t.Errorf("Reconcile must not raise the local estimate, got %d", remaining)
	}
}

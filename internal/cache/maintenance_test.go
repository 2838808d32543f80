package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMaintenance_StartStop(t *testing.T) {
	m := NewManager(10)
	maint := NewMaintenanceWithInterval(m, 10*time.Millisecond)

	if maint.IsRunning() {
		t.Fatal("maintenance should not run before Start")
	}

	if err := maint.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !maint.IsRunning() {
		t.Error("maintenance should be running after Start")
	}

	// Starting twice is a no-op.
	if err := maint.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	maint.Stop()
	if maint.IsRunning() {
		t.Error("maintenance should stop after Stop")
	}

	// Stopping twice is safe.
	maint.Stop()
}

func TestMaintenance_SweepsExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	m := NewManagerWithClock(10, clock.Now)

	m.Set("stale", 1, Options{TTL: time.Second})
	m.Set("fresh", 2, Options{TTL: time.Hour})
	clock.Advance(5 * time.Second)

	maint := NewMaintenanceWithInterval(m, 5*time.Millisecond)
	if err := maint.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer maint.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().Size == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("expired entry was not swept; size = %d", m.Stats().Size)
}

func TestMaintenance_PressureTriggersAggressiveCleanup(t *testing.T) {
	clock := newFakeClock()
	m := NewManagerWithClock(10, clock.Now)

	// Fill to 90% with unexpired entries: above the pressure threshold.
	for i := 0; i < 9; i++ {
		m.Set(fmt.Sprintf("key-%d", i), i, Options{TTL: time.Hour})
		clock.Advance(time.Second)
	}

	maint := NewMaintenanceWithInterval(m, 5*time.Millisecond)
	if err := maint.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer maint.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().Size <= 6 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("pressure cleanup did not run; size = %d", m.Stats().Size)
}

func TestMaintenance_StopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(10)
	maint := NewMaintenanceWithInterval(m, 5*time.Millisecond)
	if err := maint.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !maint.IsRunning() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("maintenance should stop when the parent context is canceled")
}

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestUpdateGuard_TryAcquireRelease(t *testing.T) {
	g := NewUpdateGuard()

	if g.Active() {
		t.Error("new guard is active")
	}
	if !g.TryAcquire() {
		t.Fatal("first TryAcquire = false, want true")
	}
	if !g.Active() {
		t.Error("Active() = false after acquire")
	}
	if g.Since().IsZero() {
		t.Error("Since() is zero while held")
	}
	if g.TryAcquire() {
		t.Fatal("second TryAcquire = true, want false")
	}

	g.Release()

	if g.Active() {
		t.Error("Active() = true after release")
	}
	if !g.TryAcquire() {
		t.Error("TryAcquire after release = false, want true")
	}
	g.Release()
}

func TestUpdateGuard_OnlyOneWinner(t *testing.T) {
	g := NewUpdateGuard()

	const callers = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.TryAcquire() {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d, want 1", got)
	}
}

func TestUpdateGuard_WaitForDrain(t *testing.T) {
	g := NewUpdateGuard()
	g.TryAcquire()

	go func() {
		time.Sleep(50 * time.Millisecond)
		g.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.WaitForDrain(ctx); err != nil {
		t.Errorf("WaitForDrain() error = %v", err)
	}
}

func TestUpdateGuard_WaitForDrainTimeout(t *testing.T) {
	g := NewUpdateGuard()
	g.TryAcquire()
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.WaitForDrain(ctx); err == nil {
		t.Error("WaitForDrain() returned nil while held")
	}
}

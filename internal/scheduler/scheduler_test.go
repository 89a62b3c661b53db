package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobRunsOnInterval(t *testing.T) {
	var runs atomic.Int32

	s := New().Add("counter", 20*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop(context.Background())

	if got := runs.Load(); got < 3 {
		t.Errorf("expected at least 3 runs, got %d", got)
	}
}

func TestSlowJobDoesNotOverlap(t *testing.T) {
	var concurrent atomic.Int32
	var maxSeen atomic.Int32

	s := New().Add("slow", 10*time.Millisecond, func(ctx context.Context) error {
		now := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			prev := maxSeen.Load()
			if now <= prev || maxSeen.CompareAndSwap(prev, now) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	cancel()
	s.Stop(context.Background())

	if maxSeen.Load() > 1 {
		t.Errorf("job overlapped: max concurrency %d", maxSeen.Load())
	}
}

func TestLeaderOnlyJobGated(t *testing.T) {
	var leaderRuns, normalRuns atomic.Int32
	var isLeader atomic.Bool

	s := New().
		WithLeaderGate(func() bool { return isLeader.Load() }).
		Add("normal", 20*time.Millisecond, func(ctx context.Context) error {
			normalRuns.Add(1)
			return nil
		}).
		AddLeaderOnly("gated", 20*time.Millisecond, func(ctx context.Context) error {
			leaderRuns.Add(1)
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	time.Sleep(100 * time.Millisecond)
	if leaderRuns.Load() != 0 {
		t.Errorf("gated job ran %d times without leadership", leaderRuns.Load())
	}
	if normalRuns.Load() == 0 {
		t.Error("ungated job should run regardless of leadership")
	}

	isLeader.Store(true)
	time.Sleep(100 * time.Millisecond)
	cancel()
	s.Stop(context.Background())

	if leaderRuns.Load() == 0 {
		t.Error("gated job should run once leadership is held")
	}
}

func TestStopWaitsForInflightCycle(t *testing.T) {
	started := make(chan struct{}, 10)
	var finished atomic.Int32

	s := New().Add("long", 10*time.Millisecond, func(ctx context.Context) error {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		finished.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	<-started
	cancel()
	s.Stop(context.Background())

	if finished.Load() == 0 {
		t.Error("Stop returned before the in-flight cycle finished")
	}
}

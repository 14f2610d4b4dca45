package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(4)
	defer p.Stop()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Execute(func() {
			atomic.AddInt64(&count, 1)
			wg.Done()
		})
	}
	wg.Wait()

	if got := atomic.LoadInt64(&count); got != 100 {
		t.Errorf("expected 100 jobs run, got %d", got)
	}
}

func TestPoolBoundedConcurrency(t *testing.T) {
	p := New(2)
	defer p.Stop()

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Execute(func() {
			defer wg.Done()
			n := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		})
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("expected at most 2 concurrent jobs, saw %d", got)
	}
}

func TestPoolFIFOOrderSingleWorker(t *testing.T) {
	p := New(1)
	defer p.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		p.Execute(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("job order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestPoolStopAbandonsQueued(t *testing.T) {
	p := New(1)

	release := make(chan struct{})
	started := make(chan struct{})
	p.Execute(func() {
		close(started)
		<-release
	})
	<-started

	var ran int64
	for i := 0; i < 5; i++ {
		p.Execute(func() { atomic.AddInt64(&ran, 1) })
	}

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after current job finished")
	}

	if got := atomic.LoadInt64(&ran); got != 0 {
		t.Errorf("expected queued jobs abandoned, %d ran", got)
	}

	// jobs submitted after Stop are dropped, not queued
	p.Execute(func() { atomic.AddInt64(&ran, 1) })
	time.Sleep(10 * time.Millisecond)
	if got := atomic.LoadInt64(&ran); got != 0 {
		t.Errorf("job submitted after Stop ran anyway (%d)", got)
	}
}

package loop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New()
	defer l.Stop()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Start()
	l.Do(func() {})

	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order: %v", i, got)
		}
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(got))
	}
}

func TestOnReadyRunsBeforeQueuedTasks(t *testing.T) {
	l := New()
	defer l.Stop()

	var order []string
	l.Post(func() { order = append(order, "posted") })
	l.OnReady(func() { order = append(order, "ready") })
	if l.Ready() {
		t.Fatalf("loop should not be ready before Start")
	}
	l.Start()
	l.Do(func() {})

	if len(order) != 2 || order[0] != "ready" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestTimerStopSuppressesFire(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	var fired atomic.Int32
	tm := l.AfterFunc(20*time.Millisecond, func() { fired.Add(1) })
	tm.Stop()
	time.Sleep(60 * time.Millisecond)
	l.Do(func() {})
	if fired.Load() != 0 {
		t.Fatalf("stopped timer fired")
	}
}

func TestEveryRepeatsUntilStopped(t *testing.T) {
	l := New()
	l.Start()
	defer l.Stop()

	var n atomic.Int32
	tm := l.Every(5*time.Millisecond, func() { n.Add(1) })
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	tm.Stop()
	l.Do(func() {})
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	l.Do(func() {})
	if after < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", after)
	}
	if n.Load() != after {
		t.Fatalf("ticker kept firing after Stop: %d -> %d", after, n.Load())
	}
}

func TestPostAfterStop(t *testing.T) {
	l := New()
	l.Start()
	l.Stop()
	<-l.Done()
	if l.Post(func() {}) {
		t.Fatalf("Post should fail after Stop")
	}
}

package importer

import (
	"context"
	"testing"
	"time"
)

func TestCleaner_RunOnce(t *testing.T) {
	tr := NewTracker()
	done, _ := tr.Start("g1", testPlan())
	pending, _ := tr.Start("g1", testPlan())

	op, _ := tr.Operation(done)
	op.finish(StatusCompleted, time.Now().Add(-time.Hour))

	c := NewCleaner(tr, CleanerConfig{MaxAge: time.Minute, Interval: time.Hour}, testLogger())
	if n := c.RunOnce(); n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}
	if _, ok := tr.Get(pending); !ok {
		t.Error("pending operation removed")
	}
}

func TestCleaner_Loop(t *testing.T) {
	tr := NewTracker()
	id, _ := tr.Start("g1", testPlan())
	op, _ := tr.Operation(id)
	op.finish(StatusCompleted, time.Now().Add(-time.Hour))

	c := NewCleaner(tr, CleanerConfig{MaxAge: time.Minute, Interval: 10 * time.Millisecond}, testLogger())
	c.Start(context.Background())
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tr.Get(id); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("operation was not swept by the loop")
}

func TestCleaner_Disabled(t *testing.T) {
	c := NewCleaner(NewTracker(), CleanerConfig{}, testLogger())
	c.Start(context.Background())
	c.Stop()
}

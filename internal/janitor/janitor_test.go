package janitor

import (
	"context"
	"testing"
	"time"
)

type fakeSweeper struct {
	removed int
	calls   int
}

func (f *fakeSweeper) Cleanup(context.Context) int {
	f.calls++
	return f.removed
}

func TestSweep_VisitsAllSweepers(t *testing.T) {
	a := &fakeSweeper{removed: 3}
	b := &fakeSweeper{removed: 1}
	j := New(nil, time.Minute, a, b)

	j.sweep()

	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls a=%d b=%d", a.calls, b.calls)
	}
}

func TestStart_NoSweepers(t *testing.T) {
	j := New(nil, time.Minute)
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}

func TestStartStop(t *testing.T) {
	j := New(nil, time.Minute, &fakeSweeper{})
	if err := j.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	j.Stop()
}

package tick

import (
	"context"
	"testing"
	"time"
)

func TestLoopMarksContext(t *testing.T) {
	l := New(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	if OnLoop(ctx) {
		t.Fatalf("plain context must not be on loop")
	}
	var onLoop bool
	if err := l.Call(ctx, func(c context.Context) { onLoop = OnLoop(c) }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !onLoop {
		t.Fatalf("expected task context to be marked as on loop")
	}
}

func TestLoopSurvivesPanic(t *testing.T) {
	l := New(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	if !l.Post(func(context.Context) { panic("boom") }) {
		t.Fatalf("expected post to be accepted")
	}
	ran := false
	if err := l.Call(ctx, func(context.Context) { ran = true }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran {
		t.Fatalf("expected loop to keep running after a panic")
	}
}

func TestLoopStop(t *testing.T) {
	l := New(1, nil)
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	l.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}
	if l.Post(func(context.Context) {}) {
		t.Fatalf("post after stop must fail")
	}
}

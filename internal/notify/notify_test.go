package notify

import "testing"

func TestMultiIsolatesPanics(t *testing.T) {
	rec := &Recorder{}
	m := NewMulti(nil, ObserverFunc(func(Event) { panic("bad observer") }), rec)
	m.Notify(Event{Kind: KindAtRisk, ClaimID: 7})
	m.Notify(Event{Kind: KindGraceEntered, ClaimID: 7})

	if got := len(rec.Events()); got != 2 {
		t.Fatalf("expected 2 events after a panicking observer, got %d", got)
	}
	if rec.Count(KindAtRisk) != 1 {
		t.Fatalf("expected one AT_RISK event")
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(Nop); !ok {
		t.Fatalf("expected Nop for nil observer")
	}
}

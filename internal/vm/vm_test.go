package vm

import (
	"testing"
)

func buildAndRun(t *testing.T, cb *ClipBuilder) ([]Event, *VM) {
	t.Helper()
	cells, err := cb.Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	v, err := New(cells, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	consumer := v.Events()
	var events []Event
	for {
		state := v.RunToEnd()
		for {
			e, ok := consumer.Poll()
			if !ok {
				break
			}
			events = append(events, e)
		}
		if state == StateDone {
			return events, v
		}
	}
}

func TestSequentialNotesAdvanceTick(t *testing.T) {
	events, v := buildAndRun(t, NewClipBuilder(16).
		Note(60, 100, 24).
		Note(64, 100, 24).
		Rest(48).
		Note(67, 100, 12))

	want := []struct{ tick, pitch uint32 }{
		{0, 60}, {24, 64}, {96, 67},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i, w := range want {
		if events[i].Tick != w.tick || uint32(events[i].Data1) != w.pitch {
			t.Errorf("event[%d] = %+v, want tick %d pitch %d", i, events[i], w.tick, w.pitch)
		}
	}
	if v.GetTick() != 108 {
		t.Errorf("final tick = %d, want 108", v.GetTick())
	}
	if v.GetState() != StateDone {
		t.Errorf("state = %v, want DONE", v.GetState())
	}
}

func TestStackBranchesShareStartTick(t *testing.T) {
	events, v := buildAndRun(t, NewClipBuilder(16).
		StackStart().
		Note(60, 100, 96).
		Note(64, 100, 48).
		Note(67, 100, 72).
		StackEnd().
		Note(72, 100, 24))

	if len(events) != 4 {
		t.Fatalf("got %d events: %v", len(events), events)
	}
	for i := 0; i < 3; i++ {
		if events[i].Tick != 0 {
			t.Errorf("stack child %d starts at %d, want 0", i, events[i].Tick)
		}
	}
	// After the stack, the tick advanced by the longest branch.
	if events[3].Tick != 96 {
		t.Errorf("post-stack note at %d, want 96", events[3].Tick)
	}
	if v.GetTick() != 120 {
		t.Errorf("final tick = %d, want 120", v.GetTick())
	}
}

func TestNestedStackInsideStack(t *testing.T) {
	// Inner stack is one child of the outer: its span is its longest branch.
	events, v := buildAndRun(t, NewClipBuilder(16).
		StackStart().
		Note(60, 100, 10).
		StackStart().
		Note(64, 100, 30).
		Note(67, 100, 20).
		StackEnd().
		StackEnd())

	for i, e := range events {
		if e.Tick != 0 {
			t.Errorf("event %d at tick %d, want 0", i, e.Tick)
		}
	}
	if v.GetTick() != 30 {
		t.Errorf("final tick = %d, want 30 (longest branch)", v.GetTick())
	}
}

func TestLoopRepeatsBody(t *testing.T) {
	events, _ := buildAndRun(t, NewClipBuilder(16).
		LoopStart(3).
		Note(60, 100, 10).
		LoopEnd())

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.Tick != uint32(i)*10 {
			t.Errorf("iteration %d at tick %d, want %d", i, e.Tick, i*10)
		}
	}
}

func TestLoopCountZeroSkipsBody(t *testing.T) {
	events, _ := buildAndRun(t, NewClipBuilder(16).
		LoopStart(0).
		Note(60, 100, 10).
		LoopStart(2).
		Note(62, 100, 10).
		LoopEnd().
		LoopEnd().
		Note(64, 100, 10))

	if len(events) != 1 {
		t.Fatalf("zero-count loop body leaked events: %v", events)
	}
	if events[0].Data1 != 64 || events[0].Tick != 0 {
		t.Errorf("event = %+v, want pitch 64 at tick 0", events[0])
	}
}

func TestTempoWritesTableWithoutAdvancing(t *testing.T) {
	events, v := buildAndRun(t, NewClipBuilder(16).
		Tempo(120).
		Note(60, 100, 96).
		Tempo(90).
		Note(62, 100, 96))

	if len(events) != 2 {
		t.Fatalf("got %d events: %v", len(events), events)
	}
	if events[1].Tick != 96 {
		t.Errorf("TEMPO must not advance the tick: second note at %d", events[1].Tick)
	}

	if bpm := v.TempoAt(0, 60); bpm != 120 {
		t.Errorf("TempoAt(0) = %d, want 120", bpm)
	}
	if bpm := v.TempoAt(100, 60); bpm != 90 {
		t.Errorf("TempoAt(100) = %d, want 90", bpm)
	}
}

func TestTransposeIsAdditiveAndSymmetric(t *testing.T) {
	events, _ := buildAndRun(t, NewClipBuilder(16).
		Transpose(12).
		Transpose(7).
		Note(60, 100, 10).
		Transpose(-7).
		Note(60, 100, 10).
		Transpose(-12).
		Note(60, 100, 10))

	want := []uint8{79, 72, 60}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	for i, w := range want {
		if events[i].Data1 != w {
			t.Errorf("event[%d] pitch = %d, want %d", i, events[i].Data1, w)
		}
	}
}

func TestCCEmitsWithoutAdvancing(t *testing.T) {
	events, _ := buildAndRun(t, NewClipBuilder(16).
		CC(7, 90).
		Note(60, 100, 10))

	if len(events) != 2 {
		t.Fatalf("got %d events: %v", len(events), events)
	}
	if events[0].Kind != EventCC || events[0].Data1 != 7 || events[0].Data2 != 90 {
		t.Errorf("CC event = %+v", events[0])
	}
	if events[1].Tick != 0 {
		t.Errorf("CC must not advance the tick: note at %d", events[1].Tick)
	}
}

// Scenario: 1000 events through a 100-slot ring. Total events polled must be
// exactly 1000 with no drops and no duplicates.
func TestRingBackpressure(t *testing.T) {
	cb := NewClipBuilder(100)
	cb.LoopStart(250)
	for i := 0; i < 4; i++ {
		cb.Note(uint8(60+i), 100, 1)
	}
	cb.LoopEnd()

	cells, err := cb.Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	v, err := New(cells, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	consumer := v.Events()
	var events []Event
	sawBackpressure := false
	for rounds := 0; ; rounds++ {
		if rounds > 10000 {
			t.Fatal("VM did not finish")
		}
		state := v.RunToEnd()
		if state == StatePaused {
			if !v.IsBackpressured() {
				t.Fatal("paused without backpressure flag")
			}
			sawBackpressure = true
		}
		for {
			e, ok := consumer.Poll()
			if !ok {
				break
			}
			events = append(events, e)
		}
		if state == StateDone {
			break
		}
	}
	// Drain anything left after DONE.
	for {
		e, ok := consumer.Poll()
		if !ok {
			break
		}
		events = append(events, e)
	}

	if len(events) != 1000 {
		t.Fatalf("polled %d events, want 1000", len(events))
	}
	if !sawBackpressure {
		t.Error("a 100-slot ring carrying 1000 events must backpressure")
	}
	for i, e := range events {
		wantTick := uint32(i)
		wantPitch := uint8(60 + i%4)
		if e.Tick != wantTick || e.Data1 != wantPitch {
			t.Fatalf("event %d = %+v, want tick %d pitch %d (duplicate or drop)",
				i, e, wantTick, wantPitch)
		}
	}
}

func TestResetReplaysIdentically(t *testing.T) {
	cells, err := NewClipBuilder(32).
		Note(60, 100, 24).
		StackStart().Note(64, 90, 48).Note(67, 80, 24).StackEnd().
		Note(72, 100, 12).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	v, err := New(cells, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	run := func() []Event {
		consumer := v.Events()
		var out []Event
		for {
			state := v.RunToEnd()
			for {
				e, ok := consumer.Poll()
				if !ok {
					break
				}
				out = append(out, e)
			}
			if state == StateDone {
				return out
			}
		}
	}

	first := run()
	v.Reset()
	second := run()

	if len(first) != len(second) {
		t.Fatalf("replay length %d != %d", len(second), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("replay diverged at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestUnbalancedBuildersFail(t *testing.T) {
	if _, err := NewClipBuilder(8).LoopStart(2).Note(60, 100, 1).Build(); err == nil {
		t.Error("unterminated loop should fail to build")
	}
	if _, err := NewClipBuilder(8).StackStart().Build(); err == nil {
		t.Error("unterminated stack should fail to build")
	}
}

func TestClipMarshalRoundTrip(t *testing.T) {
	cells, err := NewClipBuilder(8).Note(60, 100, 24).Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	loaded, err := UnmarshalClip(MarshalClip(cells))
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(loaded) != len(cells) {
		t.Fatalf("cell count %d != %d", len(loaded), len(cells))
	}

	v, err := New(loaded, nil)
	if err != nil {
		t.Fatalf("New on loaded clip failed: %v", err)
	}
	v.RunToEnd()
	if e, ok := v.Events().Poll(); !ok || e.Data1 != 60 {
		t.Errorf("loaded clip did not play: %+v ok=%v", e, ok)
	}
}

func TestBadClipRejected(t *testing.T) {
	if _, err := New([]uint32{1, 2, 3}, nil); err == nil {
		t.Error("short clip should be rejected")
	}
	cells, _ := NewClipBuilder(8).Note(60, 100, 1).Build()
	cells[clipMagicCell] = 0xBAD
	if _, err := New(cells, nil); err == nil {
		t.Error("bad magic should be rejected")
	}
}

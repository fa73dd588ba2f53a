package shm

import (
	"testing"
)

func TestComputeLayoutRegionsDoNotOverlap(t *testing.T) {
	l := ComputeLayout(4096, 1024)

	if l.HeapStartCell != HeaderCells {
		t.Errorf("heap should start right after the header: got %d", l.HeapStartCell)
	}

	boundaries := []struct {
		name  string
		start uint32
		end   uint32
	}{
		{"heap", l.HeapStartCell, l.HeapStartCell + l.NodeCapacity*NodeCells},
		{"symbol", l.SymbolStartCell, l.SymbolStartCell + l.SymbolCapacity*SymbolCells},
		{"ring", l.RingStartCell, l.RingStartCell + l.RingCapacity*CommandCells},
		{"synapse", l.SynapseStartCell, l.SynapseStartCell + SynapseSlots*SynapseCells},
		{"reverse", l.ReverseStartCell, l.ReverseStartCell + ReverseBuckets},
		{"groove", l.GrooveStartCell, l.GrooveStartCell + GrooveCells},
	}

	for i := 1; i < len(boundaries); i++ {
		prev, cur := boundaries[i-1], boundaries[i]
		if cur.start != prev.end {
			t.Errorf("%s should start at %d (end of %s), got %d",
				cur.name, prev.end, prev.name, cur.start)
		}
	}

	if l.TotalCells != boundaries[len(boundaries)-1].end {
		t.Errorf("total cells %d != end of last region %d",
			l.TotalCells, boundaries[len(boundaries)-1].end)
	}
}

func TestNewBufferHeader(t *testing.T) {
	l := ComputeLayout(64, 16)
	b, err := NewBuffer(l, 96, 120, 4)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}

	if b.Load(OffMagic) != Magic {
		t.Errorf("magic mismatch: 0x%08X", b.Load(OffMagic))
	}
	if b.Load(OffVersion) != Version {
		t.Errorf("version mismatch: %d", b.Load(OffVersion))
	}
	if b.Load(OffPPQ) != 96 || b.Load(OffBPM) != 120 {
		t.Errorf("tempo registers wrong: ppq=%d bpm=%d", b.Load(OffPPQ), b.Load(OffBPM))
	}
	if b.Load(OffSafeZoneTicks) != 4 {
		t.Errorf("safe zone wrong: %d", b.Load(OffSafeZoneTicks))
	}
	if b.Load(OffHeapStart) != l.HeapStartCell*4 {
		t.Errorf("HEAP_START wrong: %d", b.Load(OffHeapStart))
	}
	if b.Load(OffGrooveStart) != l.GrooveStartCell*4 {
		t.Errorf("GROOVE_START wrong: %d", b.Load(OffGrooveStart))
	}
	if b.Load(RegVelocityMult) != 1000 {
		t.Errorf("velocity multiplier should default to identity, got %d", b.Load(RegVelocityMult))
	}
	if b.Load(OffFreeCount) != 64 {
		t.Errorf("free count should equal capacity at init, got %d", b.Load(OffFreeCount))
	}
}

func TestNewBufferRejectsBadRingCapacity(t *testing.T) {
	for _, cap := range []uint32{0, 3, 100, 1000} {
		l := ComputeLayout(64, cap)
		if _, err := NewBuffer(l, 96, 120, 0); err == nil {
			t.Errorf("ring capacity %d should be rejected", cap)
		}
	}
}

func TestRegisterWriteLastWins(t *testing.T) {
	l := ComputeLayout(64, 16)
	b, _ := NewBuffer(l, 96, 120, 0)

	b.Store(RegTranspose, uint32(7))
	b.Store(RegTranspose, uint32(0xFFFFFFFB)) // -5 two's complement
	if got := int32(b.Load(RegTranspose)); got != -5 {
		t.Errorf("last write should win: got %d", got)
	}
}

func TestValidNodePtr(t *testing.T) {
	l := ComputeLayout(4, 16)
	b, _ := NewBuffer(l, 96, 120, 0)
	heapStart := l.HeapStartCell * 4

	tests := []struct {
		name string
		ptr  uint32
		want bool
	}{
		{"null", NullPtr, false},
		{"header", 8, false},
		{"first slot", heapStart, true},
		{"last slot", heapStart + 3*NodeBytes, true},
		{"misaligned", heapStart + 4, false},
		{"past end", heapStart + 4*NodeBytes, false},
	}
	for _, tt := range tests {
		if got := b.ValidNodePtr(tt.ptr); got != tt.want {
			t.Errorf("%s: ValidNodePtr(%d) = %v, want %v", tt.name, tt.ptr, got, tt.want)
		}
	}
}

func TestLatchPanicFirstCodeWins(t *testing.T) {
	l := ComputeLayout(4, 16)
	b, _ := NewBuffer(l, 96, 120, 0)

	b.LatchPanic(ErrKernelPanic)
	b.LatchPanic(ErrChainLoop)

	if b.ErrorFlag() != uint32(-int32(ErrKernelPanic)) {
		t.Errorf("first latched code should survive, got %d", b.ErrorFlag())
	}
}

func TestErrnoStrings(t *testing.T) {
	codes := []Errno{ErrInvalidPtr, ErrTableFull, ErrChainLoop,
		ErrHeapExhausted, ErrQueueFull, ErrKernelPanic}
	for _, c := range codes {
		if c.Error() == "unknown kernel error" {
			t.Errorf("code %d has no message", c)
		}
	}
}

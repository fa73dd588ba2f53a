package playhead

import (
	"testing"
)

func TestHumanizeIsDeterministic(t *testing.T) {
	for sourceID := uint32(1); sourceID < 100; sourceID++ {
		a := TimingOffset(sourceID, 42, 96, 100)
		b := TimingOffset(sourceID, 42, 96, 100)
		if a != b {
			t.Fatalf("timing offset for source %d not reproducible: %d vs %d", sourceID, a, b)
		}
		va := VelocityOffset(sourceID, 42, 100)
		vb := VelocityOffset(sourceID, 42, 100)
		if va != vb {
			t.Fatalf("velocity offset for source %d not reproducible: %d vs %d", sourceID, va, vb)
		}
	}
}

func TestHumanizeBounds(t *testing.T) {
	const ppq, timingPpt, velPpt = 96, 250, 200
	timingBound := int32(ppq * timingPpt / 1000)
	velBound := int32(127 * velPpt / 1000)

	for sourceID := uint32(1); sourceID < 2000; sourceID++ {
		for _, seed := range []uint32{0, 1, 0xFFFFFFFF} {
			off := TimingOffset(sourceID, seed, ppq, timingPpt)
			if off < -timingBound || off > timingBound {
				t.Fatalf("timing offset %d out of [-%d, %d]", off, timingBound, timingBound)
			}
			vel := VelocityOffset(sourceID, seed, velPpt)
			if vel < -velBound || vel > velBound {
				t.Fatalf("velocity offset %d out of [-%d, %d]", vel, velBound, velBound)
			}
		}
	}
}

func TestHumanizeZeroDepthIsZero(t *testing.T) {
	for sourceID := uint32(1); sourceID < 50; sourceID++ {
		if TimingOffset(sourceID, 7, 96, 0) != 0 {
			t.Fatal("zero timing depth must give zero offset")
		}
		if VelocityOffset(sourceID, 7, 0) != 0 {
			t.Fatal("zero velocity depth must give zero offset")
		}
	}
}

func TestHumanizeSeedChangesOutput(t *testing.T) {
	// Not a strict requirement per id, but across many ids the draws for
	// two seeds must differ somewhere or the hash is ignoring the seed.
	same := true
	for sourceID := uint32(1); sourceID < 200 && same; sourceID++ {
		if TimingOffset(sourceID, 1, 96, 500) != TimingOffset(sourceID, 2, 96, 500) {
			same = false
		}
	}
	if same {
		t.Error("seed does not influence humanization")
	}
}

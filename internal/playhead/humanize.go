package playhead

// Humanization is deterministic: a node's timing and velocity offsets are a
// pure function of (SOURCE_ID, PRNG_SEED), so repeated playback of the same
// arrangement is bit-identical and equal seeds reproduce across runs.

// mix is a 64-bit finalizer (splitmix64 constants) over the id/seed pair.
func mix(sourceID, seed uint32) uint64 {
	h := uint64(sourceID)<<32 | uint64(seed)
	h ^= h >> 30
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 27
	h *= 0x94D049BB133111EB
	h ^= h >> 31
	return h
}

// bounded maps a hash word onto [-bound, +bound].
func bounded(h uint64, bound int32) int32 {
	if bound <= 0 {
		return 0
	}
	span := uint64(2*bound + 1)
	return int32(h%span) - bound
}

// TimingOffset returns the tick offset for a node, bounded by timingPpt
// parts-per-thousand of PPQ.
func TimingOffset(sourceID, seed, ppq, timingPpt uint32) int32 {
	if timingPpt == 0 {
		return 0
	}
	bound := int32(ppq * timingPpt / 1000)
	return bounded(mix(sourceID, seed), bound)
}

// VelocityOffset returns the velocity delta for a node, bounded by velPpt
// parts-per-thousand of the full MIDI range.
func VelocityOffset(sourceID, seed, velPpt uint32) int32 {
	if velPpt == 0 {
		return 0
	}
	bound := int32(127 * velPpt / 1000)
	// Use the upper hash word so timing and velocity draws are independent.
	return bounded(mix(sourceID, seed)>>32, bound)
}

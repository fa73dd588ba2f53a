package main

import (
	"encoding/binary"
	"math"
)

// A minimal polyphonic square-wave synth for auditioning trigger events.
// Waveform generation uses fixed-point phase accumulators: a 32-bit phase
// wraps at 2^32 (one full cycle), and the increment per sample is
// (frequency * 2^32) / sampleRate.

const maxVoices = 16

type voice struct {
	active     bool
	phaseFixed uint32
	phaseInc   uint32
	amp        float32
	delay      uint32 // samples until the voice starts inside the quantum
	remaining  uint32 // samples left once started
}

type synth struct {
	voices [maxVoices]voice
	buf    []byte
}

func newSynth() *synth {
	return &synth{buf: make([]byte, quantumSamples*4)}
}

// midiFreq converts a MIDI pitch to Hz (A4 = 69 = 440 Hz).
func midiFreq(pitch uint32) float64 {
	return 440.0 * math.Pow(2, (float64(pitch)-69.0)/12.0)
}

// trigger starts a voice at the given sample offset into the next quantum.
func (s *synth) trigger(pitch, velocity, offset uint32) {
	for i := range s.voices {
		if s.voices[i].active {
			continue
		}
		inc := uint32(midiFreq(pitch) * 0x100000000 / sampleRate)
		s.voices[i] = voice{
			active:    true,
			phaseInc:  inc,
			amp:       float32(velocity) / 127.0 * 0.2,
			delay:     offset,
			remaining: sampleRate / 5,
		}
		return
	}
	// All voices busy: steal nothing, drop the note.
}

func (s *synth) active() bool {
	for i := range s.voices {
		if s.voices[i].active {
			return true
		}
	}
	return false
}

// render produces one quantum of float32 samples as bytes for the audio
// queue.
func (s *synth) render() []byte {
	for n := 0; n < quantumSamples; n++ {
		var sample float32
		for i := range s.voices {
			v := &s.voices[i]
			if !v.active {
				continue
			}
			if v.delay > 0 {
				v.delay--
				continue
			}
			if v.phaseFixed < 0x80000000 {
				sample += v.amp
			} else {
				sample -= v.amp
			}
			v.phaseFixed += v.phaseInc

			// Exponential release over the last tenth of the note
			v.remaining--
			if v.remaining < sampleRate/50 {
				v.amp *= 0.98
			}
			if v.remaining == 0 {
				v.active = false
			}
		}
		binary.LittleEndian.PutUint32(s.buf[n*4:], math.Float32bits(sample))
	}
	return s.buf
}

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/veandco/go-sdl2/sdl"

	"symphonyscript/internal/debug"
	"symphonyscript/internal/heap"
	"symphonyscript/internal/kernel"
	"symphonyscript/internal/vm"
)

const (
	sampleRate     = 44100
	quantumSamples = 1024
)

func main() {
	clipPath := flag.String("clip", "", "Path to a compiled clip (.ssc); omit for the built-in demo arrangement")
	bpm := flag.Uint("bpm", 120, "Tempo in beats per minute")
	seconds := flag.Uint("seconds", 8, "How long to play")
	enableLogging := flag.Bool("log", false, "Enable logging (disabled by default)")
	flag.Parse()

	var logger *debug.Logger
	if *enableLogging {
		logger = debug.NewLogger(10000)
		logger.EnableAll()
		defer logger.Shutdown()
	}

	if err := sdl.Init(sdl.INIT_AUDIO); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing SDL audio: %v\n", err)
		os.Exit(1)
	}
	defer sdl.Quit()

	audioSpec := sdl.AudioSpec{
		Freq:     sampleRate,
		Format:   sdl.AUDIO_F32,
		Channels: 1,
		Samples:  quantumSamples,
	}
	audioDev, err := sdl.OpenAudioDevice("", false, &audioSpec, nil, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audio device: %v\n", err)
		os.Exit(1)
	}
	defer sdl.CloseAudioDevice(audioDev)
	sdl.PauseAudioDevice(audioDev, false) // Start playback

	if *clipPath != "" {
		err = playClip(audioDev, *clipPath, uint32(*bpm), logger)
	} else {
		err = playDemo(audioDev, uint32(*bpm), uint32(*seconds), logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Let the queued tail drain before tearing the device down.
	for sdl.GetQueuedAudioSize(audioDev) > 0 {
		time.Sleep(20 * time.Millisecond)
	}
}

// playDemo builds a small arrangement in the kernel and plays it: composer
// enqueues, worker drains, and this loop stands in for the audio-deadline
// thread, advancing the playhead one quantum per audio buffer.
func playDemo(audioDev sdl.AudioDeviceID, bpm, seconds uint32, logger *debug.Logger) error {
	cfg := kernel.DefaultConfig()
	cfg.BPM = bpm
	cfg.Logger = logger
	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}

	fmt.Println("SymphonyScript Player")
	fmt.Println("=====================")
	fmt.Printf("Demo arrangement at %d BPM for %ds\n", bpm, seconds)

	// A I-vi-IV-V loop over four bars with a swung groove.
	ppq := cfg.PPQ
	chords := [][]uint32{
		{60, 64, 67}, {57, 60, 64}, {53, 57, 60}, {55, 59, 62},
	}
	id := uint32(0)
	for bar, chord := range chords {
		for beat := uint32(0); beat < 4; beat++ {
			tick := (uint32(bar)*4 + beat) * ppq
			for v, pitch := range chord {
				id++
				velocity := uint32(96 - v*12)
				if err := k.InsertAsync(heap.OpNote, pitch, velocity, ppq/2,
					tick, false, id, 0); err != 0 {
					return fmt.Errorf("insert failed: %w", err)
				}
			}
		}
	}
	k.SetHumanize(30, 80)
	k.SetSeed(uint32(time.Now().UnixNano()))
	k.InstallGroove(0, []int32{0, int32(ppq / 16), 0, int32(ppq / 16)})
	k.ProcessCommands()

	synth := newSynth()
	ticksPerSample := float64(bpm) * float64(ppq) / 60.0 / float64(sampleRate)
	tickCarry := 0.0
	totalQuanta := seconds * sampleRate / quantumSamples
	loopTicks := 16 * ppq

	for q := uint32(0); q < totalQuanta; q++ {
		tickCarry += ticksPerSample * quantumSamples
		ticks := uint32(tickCarry)
		tickCarry -= float64(ticks)

		playhead := k.Buffer().PlayheadTick()
		k.Advance(ticks, func(tick, pitch, velocity, sourceID uint32) {
			offset := uint32(float64(tick-playhead) / ticksPerSample)
			synth.trigger(pitch, velocity, offset)
		})

		// Loop the arrangement by rewinding once the playhead passes it.
		if k.Buffer().PlayheadTick() >= loopTicks {
			k.ResetPlayhead()
		}

		if err := queueQuantum(audioDev, synth); err != nil {
			return err
		}
	}
	return nil
}

// playClip runs a compiled clip through the bytecode VM, polling its event
// ring into the synth and honoring backpressure.
func playClip(audioDev sdl.AudioDeviceID, path string, bpm uint32, logger *debug.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading clip: %w", err)
	}
	cells, err := vm.UnmarshalClip(data)
	if err != nil {
		return fmt.Errorf("loading clip: %w", err)
	}
	machine, err := vm.New(cells, logger)
	if err != nil {
		return err
	}

	fmt.Println("SymphonyScript Player")
	fmt.Println("=====================")
	fmt.Printf("Clip: %s\n", path)

	const ppq = 96
	consumer := machine.Events()
	synth := newSynth()
	ticksPerSample := float64(bpm) * float64(ppq) / 60.0 / float64(sampleRate)
	tickCarry := 0.0
	playTick := uint32(0)

	for {
		tickCarry += ticksPerSample * quantumSamples
		ticks := uint32(tickCarry)
		tickCarry -= float64(ticks)

		state := machine.Tick(playTick + ticks)
		for {
			e, ok := consumer.Poll()
			if !ok {
				break
			}
			if e.Kind != vm.EventNote {
				continue
			}
			offset := uint32(0)
			if e.Tick > playTick {
				offset = uint32(float64(e.Tick-playTick) / ticksPerSample)
			}
			synth.trigger(uint32(e.Data1), uint32(e.Data2), offset)
		}
		playTick += ticks

		if err := queueQuantum(audioDev, synth); err != nil {
			return err
		}
		if state == vm.StateDone && !synth.active() {
			return nil
		}
	}
}

func queueQuantum(audioDev sdl.AudioDeviceID, s *synth) error {
	samples := s.render()

	// Keep at most a few quanta queued so playback stays close to the
	// playhead (same pacing trick as queued video frames).
	maxQueued := uint32(4 * quantumSamples * 4)
	for sdl.GetQueuedAudioSize(audioDev) > maxQueued {
		time.Sleep(time.Millisecond)
	}
	return sdl.QueueAudio(audioDev, samples)
}

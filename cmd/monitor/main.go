// The monitor is a live inspector over a running kernel: header registers,
// heap bookkeeping, commit handshake state and the most recent log entries,
// refreshed on a ticker. It drives a built-in demo arrangement so every
// panel has something to show.
package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"

	"symphonyscript/internal/debug"
	"symphonyscript/internal/heap"
	"symphonyscript/internal/kernel"
)

const uiTickHz = 10

func main() {
	bpm := flag.Uint("bpm", 0, "Tempo in beats per minute (overrides saved settings)")
	flag.Parse()

	settingsPath := monitorSettingsPath()
	settings, err := loadMonitorSettings(settingsPath)
	if err != nil {
		fmt.Printf("Warning: could not load settings: %v\n", err)
	}
	if *bpm != 0 {
		settings.BPM = uint32(*bpm)
	}

	logger := debug.NewLogger(10000)
	if settings.EnableAllLogs {
		logger.EnableAll()
	}
	defer logger.Shutdown()

	cfg := kernel.DefaultConfig()
	cfg.BPM = settings.BPM
	cfg.Logger = logger
	k, err := kernel.New(cfg)
	if err != nil {
		fmt.Printf("Error creating kernel: %v\n", err)
		return
	}

	stop := make(chan struct{})
	go runDemo(k, cfg, stop)

	a := app.New()
	win := a.NewWindow("SymphonyScript Monitor")

	headerPanel := widget.NewLabel("")
	headerPanel.TextStyle = fyne.TextStyle{Monospace: true}
	registerPanel := widget.NewLabel("")
	registerPanel.TextStyle = fyne.TextStyle{Monospace: true}
	logPanel := widget.NewLabel("")
	logPanel.TextStyle = fyne.TextStyle{Monospace: true}

	content := container.NewVBox(
		widget.NewCard("Header", "", headerPanel),
		widget.NewCard("Registers", "", registerPanel),
		widget.NewCard("Recent Log", "", logPanel),
	)
	win.SetContent(container.NewVScroll(content))
	win.Resize(fyne.NewSize(settings.WindowWidth, settings.WindowHeight))

	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(settings.RefreshHz))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				snap := k.TakeSnapshot()
				entries := logger.GetRecentEntries(settings.LogLines)
				fyne.Do(func() {
					headerPanel.SetText(formatHeader(snap))
					registerPanel.SetText(formatRegisters(snap))
					logPanel.SetText(formatLog(entries))
				})
			}
		}
	}()

	win.SetOnClosed(func() {
		close(stop)
		size := win.Canvas().Size()
		settings.WindowWidth = size.Width
		settings.WindowHeight = size.Height
		if err := saveMonitorSettings(settingsPath, settings); err != nil {
			fmt.Printf("Warning: could not save settings: %v\n", err)
		}
	})
	win.ShowAndRun()
}

func formatHeader(s kernel.Snapshot) string {
	commit := [...]string{"IDLE", "PENDING", "ACK"}
	commitStr := "?"
	if s.CommitFlag < 3 {
		commitStr = commit[s.CommitFlag]
	}
	return fmt.Sprintf(
		"PPQ            %6d\nBPM            %6d\nPLAYHEAD_TICK  %6d\nCOMMIT_FLAG    %6s\nERROR_FLAG     %6d\nNODE_COUNT     %6d\nFREE_COUNT     %6d\nCAPACITY       %6d\nRING_DEPTH     %6d",
		s.PPQ, s.BPM, s.PlayheadTick, commitStr, s.ErrorFlag,
		s.NodeCount, s.FreeCount, s.NodeCapacity, s.RingDepth)
}

func formatRegisters(s kernel.Snapshot) string {
	return fmt.Sprintf(
		"TRANSPOSE      %6d\nVELOCITY_MULT  %6d\nHEAP SHA256    %s",
		s.Transpose, s.VelocityMult, s.HeapHash[:16])
}

func formatLog(entries []debug.LogEntry) string {
	if len(entries) == 0 {
		return "(no entries)"
	}
	lines := make([]string, 0, len(entries))
	for i := range entries {
		lines = append(lines, entries[i].Format())
	}
	return strings.Join(lines, "\n")
}

// runDemo plays worker and audio for a looping arrangement so the monitor
// has live state to display.
func runDemo(k *kernel.Kernel, cfg kernel.Config, stop chan struct{}) {
	ppq := cfg.PPQ
	id := uint32(0)
	for beat := uint32(0); beat < 16; beat++ {
		id++
		pitch := uint32(60 + (beat*5)%12)
		if err := k.InsertAsync(heap.OpNote, pitch, 100, ppq/2, beat*ppq, false, id, 0); err != 0 {
			return
		}
	}
	k.SetHumanize(25, 50)
	k.SetSeed(uint32(time.Now().UnixNano()))

	// One quantum every 25ms at the configured tempo.
	ticksPerQuantum := cfg.BPM * ppq / 60 / 40
	if ticksPerQuantum == 0 {
		ticksPerQuantum = 1
	}
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			k.ProcessCommands()
			k.Advance(ticksPerQuantum, func(tick, pitch, velocity, sourceID uint32) {})
			if k.Buffer().PlayheadTick() >= 16*ppq {
				k.ResetPlayhead()
			}
		}
	}
}

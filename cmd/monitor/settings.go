package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

type monitorSettings struct {
	BPM            uint32  `json:"bpm"`
	RefreshHz      uint32  `json:"refresh_hz"`
	WindowWidth    float32 `json:"window_width"`
	WindowHeight   float32 `json:"window_height"`
	LogLines       int     `json:"log_lines"`
	EnableAllLogs  bool    `json:"enable_all_logs"`
}

func defaultMonitorSettings() monitorSettings {
	return monitorSettings{
		BPM:           120,
		RefreshHz:     uiTickHz,
		WindowWidth:   560,
		WindowHeight:  640,
		LogLines:      12,
		EnableAllLogs: true,
	}
}

func monitorSettingsPath() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil || cfgDir == "" {
		return ""
	}
	return filepath.Join(cfgDir, "symphonyscript", "monitor_settings.json")
}

func loadMonitorSettings(path string) (monitorSettings, error) {
	settings := defaultMonitorSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, err
	}
	if len(data) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return defaultMonitorSettings(), err
	}
	if settings.RefreshHz == 0 {
		settings.RefreshHz = uiTickHz
	}
	if settings.LogLines <= 0 {
		settings.LogLines = 12
	}
	return settings, nil
}

func saveMonitorSettings(path string, settings monitorSettings) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

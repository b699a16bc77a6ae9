// Package config — settings.go
//
// Dashboard-tunable analysis settings, persisted as a single JSON document.
// The dashboard reads and writes the whole document through
// GET/POST /api/settings, so the on-disk form is JSON, not YAML.

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Settings is the runtime-tunable analysis document.
type Settings struct {
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	AlertMode           string   `json:"alert_mode"`
	AnalysisIntervalMS  int      `json:"analysis_interval_ms"`
	HazardClasses       []string `json:"hazard_classes"`
}

// DefaultSettings returns the shipped analysis settings, including the fixed
// eight-class hazard vocabulary the classifier was trained on.
func DefaultSettings() Settings {
	return Settings{
		ConfidenceThreshold: 0.4,
		AlertMode:           "Visual",
		AnalysisIntervalMS:  1000,
		HazardClasses: []string{
			"Fire", "Smoke", "Flood", "Falling Debris",
			"Landslide", "Explosion", "Collapsed Structure", "Industrial Accident",
		},
	}
}

// SettingsStore serializes access to the settings document and its file.
type SettingsStore struct {
	mu       sync.Mutex
	path     string
	settings Settings
}

// LoadSettings reads the document at path, falling back to defaults when the
// file is missing or unreadable (the document is operator convenience, not
// safety state).
func LoadSettings(path string) *SettingsStore {
	s := &SettingsStore{path: path, settings: DefaultSettings()}
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var loaded Settings
	if err := json.Unmarshal(data, &loaded); err != nil {
		return s
	}
	s.settings = loaded
	return s
}

// Get returns the current settings document.
func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Update replaces the document and writes it to disk.
func (s *SettingsStore) Update(next Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = next

	data, err := json.MarshalIndent(next, "", "    ")
	if err != nil {
		return fmt.Errorf("settings marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("settings write %q: %w", s.path, err)
	}
	return nil
}

package config

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// BootStrategy declares a strategy the engine launches at startup.
type BootStrategy struct {
	Variant string         `yaml:"variant" json:"variant"`
	Config  map[string]any `yaml:"config" json:"config"`
}

func (s *BootStrategy) normalize() {
	s.Variant = strings.ToLower(strings.TrimSpace(s.Variant))
	if s.Config == nil {
		s.Config = make(map[string]any)
	}
}

func (s BootStrategy) validate() error {
	if s.Variant == "" {
		return fmt.Errorf("variant required")
	}
	if _, err := s.ConfigJSON(); err != nil {
		return err
	}
	return nil
}

// ConfigJSON renders the strategy config as the JSON document variant
// factories decode.
func (s BootStrategy) ConfigJSON() ([]byte, error) {
	cfg := s.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", s.Variant, err)
	}
	return raw, nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// VisionConfig describes a fixture vision service for visionctl.
type VisionConfig struct {
	Name        string            `toml:"name"`
	Addr        string            `toml:"addr"`
	IdleTimeout string            `toml:"idle_timeout"`
	Operations  []OperationConfig `toml:"operations"`
}

// OperationConfig is one canned operation. Response is raw JSON text.
type OperationConfig struct {
	Name     string `toml:"name"`
	Response string `toml:"response"`
	Delay    string `toml:"delay"`
	Error    string `toml:"error"`
}

func LoadVisionConfig(path string) (VisionConfig, error) {
	var cfg VisionConfig
	if err := loadToml(path, &cfg); err != nil {
		return VisionConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "visionctl"
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7300"
	}
	if err := ValidateVisionConfig(cfg); err != nil {
		return VisionConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateVisionConfig(cfg VisionConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("vision config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("vision config missing addr")
	}
	if _, err := parseOptionalDuration(cfg.IdleTimeout); err != nil {
		return fmt.Errorf("vision config idle_timeout: %w", err)
	}
	if len(cfg.Operations) == 0 {
		return fmt.Errorf("vision config has no operations")
	}
	seen := make(map[string]struct{}, len(cfg.Operations))
	for i, op := range cfg.Operations {
		if err := ValidateOperationEntry(op); err != nil {
			return fmt.Errorf("operations[%d] invalid: %w", i, err)
		}
		name := strings.TrimSpace(op.Name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("operations[%d] duplicates %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func ValidateOperationEntry(op OperationConfig) error {
	if strings.TrimSpace(op.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if resp := strings.TrimSpace(op.Response); resp != "" && !json.Valid([]byte(resp)) {
		return fmt.Errorf("response is not valid json")
	}
	if _, err := parseOptionalDuration(op.Delay); err != nil {
		return fmt.Errorf("delay: %w", err)
	}
	return nil
}

func parseOptionalDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}

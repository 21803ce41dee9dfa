package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/puzzlectl/internal/gateway"
	"github.com/danmuck/puzzlectl/internal/planner"
)

type fileConfig struct {
	Name                string        `toml:"name"`
	HTTPListenAddr      string        `toml:"http_listen_addr"`
	CorsOrigins         []string      `toml:"cors_origins"`
	HeartbeatInterval   string        `toml:"heartbeat_interval"`
	HeartbeatIntervalMS int64         `toml:"heartbeat_interval_ms"`
	ShutdownTimeout     string        `toml:"shutdown_timeout"`
	WarmUp              string        `toml:"warm_up"`
	WarmUpMS            int64         `toml:"warm_up_ms"`
	DrainPolicy         string        `toml:"drain_policy"`
	DrainTimeout        string        `toml:"drain_timeout"`
	MaxInFlight         int           `toml:"max_in_flight"`
	HistoryLimit        int           `toml:"history_limit"`
	DefaultEndpoint     string        `toml:"default_endpoint"`
	JournalPath         string        `toml:"journal_path"`
	AutoActivate        bool          `toml:"auto_activate"`
	Transport           fileTransport `toml:"transport"`
	Steps               []fileStep    `toml:"steps"`
}

type fileTransport struct {
	DialTimeout  string `toml:"dial_timeout"`
	WriteTimeout string `toml:"write_timeout"`
	ProbeInitial string `toml:"probe_initial"`
	ProbeMax     string `toml:"probe_max"`
}

type fileStep struct {
	Operation           string `toml:"operation"`
	Endpoint            string `toml:"endpoint"`
	AvailabilityTimeout string `toml:"availability_timeout"`
	ResponseTimeout     string `toml:"response_timeout"`
}

func loadServiceConfig(path string) (planner.ServiceConfig, error) {
	cfg := planner.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return planner.ServiceConfig{}, fmt.Errorf("load planner config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Node.Name = name
		}
	}

	if meta.IsDefined("http_listen_addr") {
		cfg.HTTPListenAddr = strings.TrimSpace(raw.HTTPListenAddr)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"warm_up", raw.WarmUp, &cfg.Node.WarmUp},
		{"drain_timeout", raw.DrainTimeout, &cfg.Node.DrainTimeout},
		{"transport.dial_timeout", raw.Transport.DialTimeout, &cfg.Transport.DialTimeout},
		{"transport.write_timeout", raw.Transport.WriteTimeout, &cfg.Transport.WriteTimeout},
		{"transport.probe_initial", raw.Transport.ProbeInitial, &cfg.Transport.Probe.InitialDelay},
		{"transport.probe_max", raw.Transport.ProbeMax, &cfg.Transport.Probe.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return planner.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}

	if meta.IsDefined("warm_up_ms") {
		cfg.Node.WarmUp = time.Duration(raw.WarmUpMS) * time.Millisecond
	}

	if meta.IsDefined("drain_policy") {
		policy, err := planner.ParseDrainPolicy(raw.DrainPolicy)
		if err != nil {
			return planner.ServiceConfig{}, err
		}
		cfg.Node.DrainPolicy = policy
	}

	if meta.IsDefined("max_in_flight") {
		cfg.Node.MaxInFlight = raw.MaxInFlight
	}

	if meta.IsDefined("history_limit") {
		cfg.Node.HistoryLimit = raw.HistoryLimit
	}

	if meta.IsDefined("default_endpoint") {
		cfg.DefaultEndpoint = strings.TrimSpace(raw.DefaultEndpoint)
	}

	if meta.IsDefined("journal_path") {
		cfg.JournalPath = strings.TrimSpace(raw.JournalPath)
	}

	if meta.IsDefined("auto_activate") {
		cfg.AutoActivate = raw.AutoActivate
	}

	if meta.IsDefined("steps") {
		steps, endpoints, err := parseSteps(raw.Steps)
		if err != nil {
			return planner.ServiceConfig{}, err
		}
		cfg.Node.Steps = steps
		cfg.Endpoints = endpoints
	}

	return cfg, nil
}

func parseSteps(in []fileStep) ([]gateway.Descriptor, map[string]string, error) {
	steps := make([]gateway.Descriptor, 0, len(in))
	endpoints := make(map[string]string)
	for i, raw := range in {
		desc := gateway.NewDescriptor(raw.Operation)
		if desc.Operation == "" {
			return nil, nil, fmt.Errorf("steps[%d]: operation is required", i)
		}
		if v := strings.TrimSpace(raw.AvailabilityTimeout); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, nil, fmt.Errorf("steps[%d] availability_timeout: %w", i, err)
			}
			desc.AvailabilityTimeout = d
		}
		if v := strings.TrimSpace(raw.ResponseTimeout); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, nil, fmt.Errorf("steps[%d] response_timeout: %w", i, err)
			}
			desc.ResponseTimeout = d
		}
		if addr := strings.TrimSpace(raw.Endpoint); addr != "" {
			endpoints[desc.Operation] = addr
		}
		steps = append(steps, desc)
	}
	return steps, endpoints, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

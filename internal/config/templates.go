package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "planner":
		return plannerTemplate, nil
	case "vision":
		return visionTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const plannerTemplate = `name = "planner"
http_listen_addr = "127.0.0.1:8088"
cors_origins = ["http://localhost:3000"]
heartbeat_interval = "10s"
warm_up = "2s"
drain_policy = "cancel"
drain_timeout = "15s"
max_in_flight = 1
history_limit = 64
default_endpoint = "127.0.0.1:7300"
journal_path = "local/planner.db"
auto_activate = true

[[steps]]
operation = "vision/identify_piece"
availability_timeout = "1s"
response_timeout = "10s"

[[steps]]
operation = "vision/locate_pieces"
availability_timeout = "1s"
response_timeout = "10s"
`

const visionTemplate = `name = "visionctl"
addr = "127.0.0.1:7300"
idle_timeout = "30s"

[[operations]]
name = "vision/identify_piece"
response = '{"piece":{"piece_id":3,"piece_orientation":90}}'
delay = "150ms"

[[operations]]
name = "vision/locate_pieces"
response = '{"positions":[{"x":120,"y":64,"score":0.92}]}'
delay = "250ms"
`

package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/puzzlectl/internal/logging"
	"github.com/danmuck/puzzlectl/internal/planner"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "cmd/plannerctl/config.toml", "planner config path")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "plannerctl: %v\n", err)
		os.Exit(1)
	}
	logging.ConfigureRuntime()

	cfg := planner.DefaultServiceConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "plannerctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc := planner.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "plannerctl: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"flag"
	"log"

	"github.com/danmuck/puzzlectl/internal/config"
)

func main() {
	kind := flag.String("kind", "planner", "config kind: planner|vision")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing vision config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/visionctl/config.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "vision" {
			log.Fatalf("validation is only supported for kind vision; plannerctl validates on load")
		}
		path := *input
		if path == "" {
			path = "cmd/visionctl/config.toml"
		}
		if _, err := config.LoadVisionConfig(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "planner":
			target = "cmd/plannerctl/config.toml"
		case "vision":
			target = "cmd/visionctl/config.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

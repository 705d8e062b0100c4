package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"axion-alerts/internal/app"
	"axion-alerts/internal/clock"
	"axion-alerts/internal/config"
	"axion-alerts/internal/templates"
)

// main starts the alert service using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, or --list-templates).
// Returns: process exit code by startup/run result.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
		listOnly   = flag.Bool("list-templates", false, "print built-in alert templates and exit")
	)
	flag.Parse()

	if *listOnly {
		for _, name := range templates.Names() {
			tmpl, _ := templates.Lookup(name)
			fmt.Printf("%-20s %-9s %s\n", name, tmpl.Priority, tmpl.Description)
		}
		return
	}

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}

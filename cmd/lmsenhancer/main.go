// Package main provides the lmsenhancer operator CLI. It inspects and edits
// the settings store shared by page sessions, switches the authoritative
// backend, and simulates a page load to show which enhancements would run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigFile  string
	LogLevel    string
	ShowVersion bool
}

func main() {
	config, args := parseFlags()

	if config.ShowVersion {
		fmt.Printf("lmsenhancer v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, config, args, os.Stdout); err != nil {
		cancel()
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
	cancel()
}

// parseFlags parses the global flags and returns the remaining arguments
func parseFlags() (*CLIConfig, []string) {
	config := &CLIConfig{}

	flag.StringVar(&config.ConfigFile, "config", os.Getenv("LMSENHANCER_CONFIG"), "Path to configuration file (YAML)")
	flag.StringVar(&config.LogLevel, "log-level", "", "Log level override: debug, info, warn, error")
	flag.BoolVar(&config.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lmsenhancer - settings and lifecycle tool for LMS page enhancements\n\n")
		fmt.Fprintf(os.Stderr, "Usage: lmsenhancer [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  get [-area sync|local] [key...]     Print settings (all when no keys)\n")
		fmt.Fprintf(os.Stderr, "  set [-area sync|local] key=value... Write settings; values are JSON or plain strings\n")
		fmt.Fprintf(os.Stderr, "  remove key...                       Delete settings\n")
		fmt.Fprintf(os.Stderr, "  clear                               Delete every setting\n")
		fmt.Fprintf(os.Stderr, "  reset                               Replace settings with the defaults\n")
		fmt.Fprintf(os.Stderr, "  usage [key...]                      Print bytes in use on the active backend\n")
		fmt.Fprintf(os.Stderr, "  sync [-migrate=true] on|off         Switch the authoritative backend\n")
		fmt.Fprintf(os.Stderr, "  features                            List registered features and their state\n")
		fmt.Fprintf(os.Stderr, "  load                                Simulate a page load and print the active set\n")
		fmt.Fprintf(os.Stderr, "  broadcast [-pages N] feature arg    Send on|off|query|<value> to N page sessions\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lmsenhancer set copyIds=false iconSizeValue=20\n")
		fmt.Fprintf(os.Stderr, "  lmsenhancer sync off\n")
	}

	flag.Parse()
	return config, flag.Args()
}

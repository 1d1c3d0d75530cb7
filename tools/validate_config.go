//go:build tools
// +build tools

// Package main provides a configuration validation tool for swarmnode.
// It validates agent configuration files for correctness.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"swarmnode/config"
)

func main() {
	agentConfig := flag.String("agent", "", "Path to agent config file (default: search paths)")
	flag.Parse()

	if !validateAgentConfig(*agentConfig) {
		os.Exit(1)
	}
}

func validateAgentConfig(configPath string) bool {
	fmt.Println("Agent Configuration")
	fmt.Println("-------------------")

	if configPath == "" {
		configPath = findConfigFile("agent-config.yaml")
		if configPath == "" {
			fmt.Println("Status: ⚠️  No config file found (will use defaults)")
			fmt.Println("Search paths:")
			fmt.Println("  - ./agent-config.yaml")
			fmt.Println("  - ~/.swarmnode/agent-config.yaml")
			fmt.Println("  - /etc/swarmnode/agent-config.yaml")
			return true // Not an error - defaults are valid
		}
	}

	fmt.Printf("File: %s\n", configPath)

	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		fmt.Printf("Status: ❌ INVALID\n")
		fmt.Printf("Error: %v\n", err)
		return false
	}

	fmt.Println("Status: ✅ VALID")
	fmt.Println()
	fmt.Println("Loaded Configuration:")
	fmt.Printf("  Backend Base URL:     %s\n", cfg.Backend.BaseURL)
	fmt.Printf("  Events URL:           %s\n", cfg.Backend.EventsURL)
	fmt.Printf("  Retry Interval:       %v\n", cfg.Backend.RetryInterval)
	fmt.Printf("  Max Retry Time:       %v\n", cfg.Backend.MaxRetryTime)
	fmt.Printf("  Data Directory:       %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Plan:                 %s\n", cfg.Node.Plan)
	fmt.Printf("  Uptime Sync Interval: %v\n", cfg.Node.UptimeSyncInterval)
	fmt.Printf("  Warmup Delay:         %v\n", cfg.Node.WarmupDelay)
	fmt.Printf("  Toggle Cooldown:      %v\n", cfg.Node.ToggleCooldown)
	fmt.Printf("  Ownership Poll:       %v\n", cfg.Sessions.PollInterval)
	fmt.Printf("  Liveness Window:      %v\n", cfg.Sessions.LivenessWindow)
	fmt.Printf("  Logging Level:        %s\n", cfg.Logging.Level)
	fmt.Printf("  Logging Format:       %s\n", cfg.Logging.Format)

	return true
}

func findConfigFile(filename string) string {
	searchPaths := []string{
		filepath.Join(".", filename),
		filepath.Join(os.Getenv("HOME"), ".swarmnode", filename),
		filepath.Join("/etc/swarmnode", filename),
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// Package main implements the swarmnode compute agent.
//
// The agent registers this machine as a compute device with the rewards
// backend, then runs the local node pipeline: synthetic task generation and
// completion, reward accrual, the daily uptime countdown, and cross-context
// session ownership so the same device is never run twice.
//
// The agent supports:
//   - Registering a new device from the detected hardware profile
//   - Adopting devices already registered under the account
//   - Starting one or more devices immediately at launch
//   - Live subscription-plan changes via config file reload
//   - Server push notifications (session revocation) over websocket
//
// Configuration is done via agent-config.yaml, SWARM_NODE_* environment
// variables, and command-line flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"swarmnode/api"
	"swarmnode/config"
	"swarmnode/controller"
	"swarmnode/earnings"
	"swarmnode/logger"
	"swarmnode/node"
	"swarmnode/session"
	"swarmnode/store"
	"swarmnode/uptime"
)

var (
	configPath string
	register   bool
	deviceName string
	tierName   string
	startIDs   string
	listOnly   bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "Path to agent-config.yaml")
	flag.StringVar(&configPath, "c", "", "Path to agent-config.yaml (shorthand)")
	flag.BoolVar(&register, "register", false, "Register this machine as a new device")
	flag.StringVar(&deviceName, "name", "", "Device name to register (defaults to hostname)")
	flag.StringVar(&tierName, "tier", "cpu", "Hardware tier: webgpu, wasm, webgl, or cpu")
	flag.StringVar(&startIDs, "start", "", "Comma-separated device ids to start immediately")
	flag.BoolVar(&listOnly, "list", false, "List registered devices and exit")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromAgentConfig(cfg)
	logger.Set(log)

	if err := run(cfg); err != nil {
		log.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AgentConfig) error {
	log := logger.Get()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	client := api.NewClient(cfg.Backend, log)

	if listOnly {
		return listDevices(ctx, client)
	}

	ledger, err := earnings.NewLedger(st, log)
	if err != nil {
		return err
	}
	tracker, err := uptime.NewTracker(st, client, nil, log)
	if err != nil {
		return err
	}
	go tracker.RunSweeper(ctx)

	bus := session.NewPollingBus(st, nil, cfg.Sessions.PollInterval, log)
	go bus.Run(ctx)
	coord := session.NewCoordinator(st, bus, nil,
		cfg.Sessions.PollInterval, cfg.Sessions.LivenessWindow, log)

	ctrl := controller.New(controller.Deps{
		Config:   cfg,
		Backend:  client,
		Store:    st,
		Ledger:   ledger,
		Uptime:   tracker,
		Sessions: coord,
		Logger:   log,
	})
	go coord.Run(ctx)

	events := api.NewEventStream(cfg.Backend, log)
	go events.Run(ctx, ctrl.HandleServerEvent)

	err = config.WatchAgentConfig(ctx, configPath, func(next *config.AgentConfig) {
		ctrl.SetPlan(next.PlanName())
	}, log)
	if err != nil {
		log.Warn("config watcher unavailable", "error", err)
	}

	if register {
		id, err := registerDevice(ctx, ctrl)
		if err != nil {
			return err
		}
		log.Info("device registered", "device_id", id)
		if startIDs == "" {
			startIDs = id
		}
	} else if err := adoptDevices(ctx, client, ctrl); err != nil {
		return err
	}

	for _, id := range splitIDs(startIDs) {
		if err := ctrl.ToggleDevice(ctx, id); err != nil {
			log.Error("device start failed", "device_id", id, "error", err)
		}
	}

	// Block until interrupted, then stop every run cleanly so the final
	// session reconcile reaches the backend.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	cancel()
	ctrl.Shutdown(context.Background())
	return nil
}

func openStore(cfg *config.AgentConfig) (store.Store, error) {
	if cfg.Storage.DataDir == "" {
		return store.NewMemoryStore(), nil
	}
	return store.OpenLevelStore(cfg.Storage.DataDir)
}

// detectHardware builds this machine's hardware profile. The tier comes from
// the -tier flag; everything else is detected.
func detectHardware() (node.HardwareInfo, error) {
	tier := config.Tier(tierName)
	if !config.ValidTier(tier) {
		return node.HardwareInfo{}, fmt.Errorf("invalid tier %q (must be webgpu, wasm, webgl, or cpu)", tierName)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return node.HardwareInfo{
		CPUCores:    runtime.NumCPU(),
		DeviceGroup: hostname,
		DeviceType:  runtime.GOOS + "/" + runtime.GOARCH,
		RewardTier:  tier,
	}, nil
}

func registerDevice(ctx context.Context, ctrl *controller.Controller) (string, error) {
	hw, err := detectHardware()
	if err != nil {
		return "", err
	}
	name := deviceName
	if name == "" {
		name = hw.DeviceGroup
	}
	return ctrl.RegisterDevice(ctx, name, hw)
}

// adoptDevices makes every device already registered under the account
// startable in this process.
func adoptDevices(ctx context.Context, client *api.Client, ctrl *controller.Controller) error {
	devices, err := client.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		hw := node.HardwareInfo{
			CPUCores:   runtime.NumCPU(),
			DeviceType: d.DeviceType,
			RewardTier: d.RewardTier,
		}
		if err := ctrl.AdoptDevice(d.ID, hw); err != nil {
			return fmt.Errorf("adopt device %s: %w", d.ID, err)
		}
	}
	logger.Info("devices adopted", "count", len(devices))
	return nil
}

func listDevices(ctx context.Context, client *api.Client) error {
	devices, err := client.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s  %-10s %-8s %s\n", d.ID, d.Name, d.RewardTier, d.DeviceType)
	}
	return nil
}

func splitIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Package controller orchestrates device runs: it ties together plan
// limits, the remaining-allowance countdown, session ownership, and the
// task engine's lifecycle. It is the only component allowed to start or
// stop a device, and the one that guarantees two contexts never double-run
// one device and uptime never exceeds the plan allowance.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"swarmnode/api"
	"swarmnode/config"
	"swarmnode/earnings"
	"swarmnode/logger"
	"swarmnode/node"
	"swarmnode/session"
	"swarmnode/store"
	"swarmnode/tasks"
	"swarmnode/uptime"
)

// countdownInterval is how often a running device's remaining allowance is
// checked against zero.
const countdownInterval = time.Second

var (
	// ErrThrottled rejects a toggle inside the per-device cooldown,
	// defeating double-click races.
	ErrThrottled = errors.New("controller: toggled too quickly, try again in a moment")
	// ErrQuotaExhausted rejects a start with no remaining daily allowance.
	ErrQuotaExhausted = errors.New("controller: no uptime allowance remaining today")
	// ErrTakeoverRequired rejects a start while another context owns the
	// device. The user resolves it with ForceTakeover, never the code.
	ErrTakeoverRequired = errors.New("controller: device is active in another tab or window")
)

// Backend is the remote surface the controller drives. *api.Client
// satisfies it.
type Backend interface {
	RegisterDevice(ctx context.Context, req api.RegisterDeviceRequest) (*api.Device, error)
	StartSession(ctx context.Context, deviceID, tabID string, force bool) (string, error)
	StopSession(ctx context.Context, deviceID, token string) error
	GetUptime(ctx context.Context, deviceID string) (int64, error)
	SyncUptime(ctx context.Context, deviceID string, remaining int64) (int64, error)
	CompleteTask(ctx context.Context, taskID string, taskType config.TaskType, reward int64) error
	ClaimRewards(ctx context.Context) (*api.ClaimResult, error)
	DeleteDevice(ctx context.Context, deviceID string) error
}

// run is the live state of one running device.
type run struct {
	deviceID string
	token    string
	engine   *tasks.Engine
	cancel   context.CancelFunc
	done     chan struct{}
}

// Deps are the controller's injected collaborators.
type Deps struct {
	Config   *config.AgentConfig
	Backend  Backend
	Store    store.Store
	Ledger   *earnings.Ledger
	Uptime   *uptime.Tracker
	Sessions *session.Coordinator
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Controller owns every device run in this context. Starting device B never
// stops device A; each run is tracked independently.
type Controller struct {
	cfg      *config.AgentConfig
	backend  Backend
	store    store.Store
	ledger   *earnings.Ledger
	uptime   *uptime.Tracker
	sessions *session.Coordinator
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	plan     config.Plan
	nodes    map[string]*node.State
	runs     map[string]*run
	limiters map[string]*rate.Limiter
}

// New builds a controller and installs itself as the session coordinator's
// preemption target.
func New(d Deps) *Controller {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	c := &Controller{
		cfg:      d.Config,
		backend:  d.Backend,
		store:    d.Store,
		ledger:   d.Ledger,
		uptime:   d.Uptime,
		sessions: d.Sessions,
		clock:    d.Clock,
		logger:   d.Logger,
		plan:     d.Config.PlanName(),
		nodes:    make(map[string]*node.State),
		runs:     make(map[string]*run),
		limiters: make(map[string]*rate.Limiter),
	}
	c.sessions.SetPreemptFunc(c.preempt)
	return c
}

// nodeFor returns the device's node state machine, creating it on first use.
func (c *Controller) nodeFor(deviceID string) (*node.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeForLocked(deviceID)
}

func (c *Controller) nodeForLocked(deviceID string) (*node.State, error) {
	if n, ok := c.nodes[deviceID]; ok {
		return n, nil
	}
	n, err := node.New(c.store, deviceID, c.clock, c.logger)
	if err != nil {
		return nil, err
	}
	c.nodes[deviceID] = n
	return n, nil
}

// RegisterDevice registers this machine's hardware with the backend and
// adopts the assigned device id locally.
func (c *Controller) RegisterDevice(ctx context.Context, name string, hw node.HardwareInfo) (string, error) {
	dev, err := c.backend.RegisterDevice(ctx, api.RegisterDeviceRequest{
		Name:         name,
		CPUCores:     hw.CPUCores,
		DeviceMemory: hw.DeviceMemory,
		GPUInfo:      hw.GPUInfo,
		DeviceGroup:  hw.DeviceGroup,
		DeviceType:   hw.DeviceType,
		RewardTier:   hw.RewardTier,
	})
	if err != nil {
		return "", fmt.Errorf("register device: %w", err)
	}
	if err := c.AdoptDevice(dev.ID, hw); err != nil {
		return "", err
	}
	return dev.ID, nil
}

// AdoptDevice marks an already backend-registered device as usable locally.
func (c *Controller) AdoptDevice(deviceID string, hw node.HardwareInfo) error {
	n, err := c.nodeFor(deviceID)
	if err != nil {
		return err
	}
	return n.AdoptRegistration(deviceID, hw)
}

// ToggleDevice starts the device if it is idle and stops it if it is
// running, subject to the per-device cooldown.
func (c *Controller) ToggleDevice(ctx context.Context, deviceID string) error {
	if !c.limiter(deviceID).Allow() {
		return ErrThrottled
	}

	c.mu.Lock()
	_, running := c.runs[deviceID]
	c.mu.Unlock()

	if running {
		return c.StopDevice(ctx, deviceID)
	}
	return c.startDevice(ctx, deviceID, false)
}

// ForceTakeover seizes a device owned by another context: the backend
// invalidates the prior session token and every other holder hard-stops on
// notification.
func (c *Controller) ForceTakeover(ctx context.Context, deviceID string) error {
	return c.startDevice(ctx, deviceID, true)
}

func (c *Controller) limiter(deviceID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.cfg.Node.ToggleCooldown), 1)
		c.limiters[deviceID] = l
	}
	return l
}

// startDevice runs the full start path: ownership check, allowance clamp,
// stale-session sweep, fresh token, local ownership, node start, and the
// run goroutine (warmup, engine, sync ticker, countdown).
func (c *Controller) startDevice(ctx context.Context, deviceID string, force bool) error {
	n, err := c.nodeFor(deviceID)
	if err != nil {
		return err
	}
	if !n.IsRegistered() {
		return node.ErrNotRegistered
	}

	// Scope backend request logging to this device
	if c.logger != nil {
		ctx = logger.WithLogger(ctx, c.logger.With("device_id", deviceID))
	}

	if owner, conflict := c.sessions.Conflict(deviceID); conflict && !force {
		return fmt.Errorf("%w (owner tab %s)", ErrTakeoverRequired, owner.TabID)
	}

	remaining, err := c.backend.GetUptime(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("fetch allowance for %s: %w", deviceID, err)
	}

	planMax := config.GetPlanLimits(c.planName()).MaxUptime
	if remaining > planMax {
		// Server-side allowance drifted past the plan maximum. Clamp and
		// push the corrected value back instead of trusting the larger
		// number.
		if c.logger != nil {
			c.logger.Warn("server allowance exceeds plan maximum, clamping",
				"device_id", deviceID,
				"server", remaining,
				"plan_max", planMax)
		}
		if _, err := c.backend.SyncUptime(ctx, deviceID, planMax); err != nil && c.logger != nil {
			c.logger.Warn("corrective allowance sync failed", "device_id", deviceID, "error", err)
		}
		remaining = planMax
	}
	if remaining <= 0 {
		return ErrQuotaExhausted
	}

	// Clear any stale server-side session so the fresh start isn't
	// rejected as a conflict. Best effort.
	if err := c.backend.StopSession(ctx, deviceID, ""); err != nil && c.logger != nil {
		c.logger.Debug("stale session sweep failed", "device_id", deviceID, "error", err)
	}

	token, err := c.backend.StartSession(ctx, deviceID, c.sessions.TabID(), force)
	if err != nil {
		return err
	}

	if force {
		err = c.sessions.Takeover(deviceID, token)
	} else {
		err = c.sessions.Acquire(deviceID, token)
	}
	if err != nil {
		return err
	}

	if err := n.StartNode(); err != nil {
		c.sessions.Release(deviceID)
		return err
	}
	if err := c.uptime.StartDevice(deviceID, remaining); err != nil {
		return err
	}
	if err := c.ledger.ResetSession(); err != nil && c.logger != nil {
		c.logger.Warn("session earnings reset failed", "error", err)
	}

	engine, err := tasks.NewEngine(tasks.Deps{
		Store:    c.store,
		Sink:     c.ledger,
		Reporter: c.backend,
		Clock:    c.clock,
		Logger:   c.logger,
		Active:   n.IsActive,
	}, deviceID, n.NodeID(), n.Tier(), c.planName())
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		deviceID: deviceID,
		token:    token,
		engine:   engine,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	c.runs[deviceID] = r
	c.mu.Unlock()

	go c.runDevice(runCtx, r)

	if c.logger != nil {
		c.logger.Info("device started",
			"device_id", deviceID,
			"remaining_seconds", remaining,
			"forced", force)
	}
	return nil
}

// runDevice is the per-run goroutine: a short warmup lets state settle,
// then the engine runs alongside the periodic uptime sync and the countdown
// watcher.
func (c *Controller) runDevice(ctx context.Context, r *run) {
	defer close(r.done)

	select {
	case <-ctx.Done():
		return
	case <-c.clock.After(c.cfg.Node.WarmupDelay):
	}

	r.engine.Start(ctx)

	syncTicker := c.clock.Ticker(c.cfg.Node.UptimeSyncInterval)
	defer syncTicker.Stop()
	countdown := c.clock.Ticker(countdownInterval)
	defer countdown.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if err := c.uptime.SyncDevice(ctx, r.deviceID, false); err != nil && c.logger != nil {
				c.logger.Warn("periodic uptime sync failed", "device_id", r.deviceID, "error", err)
			}
		case <-countdown.C:
			c.tickNode(r.deviceID)
			if c.enforceAllowance(r.deviceID) {
				return
			}
		}
	}
}

// tickNode refreshes the node's liveness timestamp on each countdown tick,
// so the persisted record shows when the node was last seen running.
func (c *Controller) tickNode(deviceID string) {
	c.mu.Lock()
	n := c.nodes[deviceID]
	c.mu.Unlock()
	if n == nil {
		return
	}
	if err := n.UpdateUptime(); err != nil && !errors.Is(err, node.ErrNotActive) && c.logger != nil {
		c.logger.Warn("node liveness tick failed", "device_id", deviceID, "error", err)
	}
}

// enforceAllowance stops the device when its remaining allowance hits zero.
// This is the hard plan cutoff, not advisory; it reports whether the run
// was stopped.
func (c *Controller) enforceAllowance(deviceID string) bool {
	if c.uptime.CurrentRemaining(deviceID) > 0 {
		return false
	}
	if c.logger != nil {
		c.logger.Info("uptime allowance exhausted, stopping device", "device_id", deviceID)
	}
	if err := c.StopDevice(context.Background(), deviceID); err != nil && c.logger != nil {
		c.logger.Error("allowance cutoff stop failed", "device_id", deviceID, "error", err)
	}
	return true
}

// StopDevice runs the ordered shutdown: cancel the run goroutine, stop the
// engine (discarding its tasks), mark the node idle, then reconcile uptime
// and stop the remote session in parallel, best effort. The local ownership
// record is cleared last.
func (c *Controller) StopDevice(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	r, ok := c.runs[deviceID]
	if ok {
		delete(c.runs, deviceID)
	}
	n := c.nodes[deviceID]
	c.mu.Unlock()

	if !ok {
		return nil
	}

	r.cancel()
	r.engine.Stop()
	if n != nil {
		if err := n.StopNode(); err != nil && c.logger != nil {
			c.logger.Warn("node stop failed", "device_id", deviceID, "error", err)
		}
	}

	if c.logger != nil {
		ctx = logger.WithLogger(ctx, c.logger.With("device_id", deviceID))
	}

	counts := r.engine.CompletedCounts()
	var reconciled bool

	g := new(errgroup.Group)
	g.Go(func() error {
		if _, err := c.uptime.StopDevice(ctx, deviceID, counts); err != nil {
			if c.logger != nil {
				c.logger.Warn("final uptime reconcile failed", "device_id", deviceID, "error", err)
			}
			return nil
		}
		reconciled = true
		return nil
	})
	g.Go(func() error {
		if err := c.backend.StopSession(ctx, deviceID, r.token); err != nil && c.logger != nil {
			c.logger.Warn("remote session stop failed", "device_id", deviceID, "error", err)
		}
		return nil
	})
	_ = g.Wait()

	if reconciled {
		r.engine.ResetCompletedCounts()
	}

	if err := c.sessions.Release(deviceID); err != nil && c.logger != nil {
		c.logger.Warn("ownership release failed", "device_id", deviceID, "error", err)
	}

	if c.logger != nil {
		c.logger.Info("device stopped", "device_id", deviceID)
	}
	return nil
}

// preempt is the hard-preemption path invoked by the session coordinator
// when another context took the device over. Everything local stops
// synchronously; no remote calls are made because the new owner holds the
// server-side session now.
func (c *Controller) preempt(deviceID string) {
	c.mu.Lock()
	r, ok := c.runs[deviceID]
	if ok {
		delete(c.runs, deviceID)
	}
	n := c.nodes[deviceID]
	c.mu.Unlock()

	if !ok {
		return
	}

	r.cancel()
	r.engine.Stop()
	if n != nil {
		if err := n.StopNode(); err != nil && c.logger != nil {
			c.logger.Warn("node stop on preemption failed", "device_id", deviceID, "error", err)
		}
	}
	if err := c.uptime.StopLocal(deviceID); err != nil && c.logger != nil {
		c.logger.Warn("local uptime stop on preemption failed", "device_id", deviceID, "error", err)
	}

	if c.logger != nil {
		c.logger.Warn("device preempted by another context", "device_id", deviceID)
	}
}

// HandleServerEvent reacts to backend pushes: a session invalidation for a
// device we run is a takeover originating elsewhere.
func (c *Controller) HandleServerEvent(e api.ServerEvent) {
	if e.Type != api.EventSessionInvalidated || e.DeviceID == "" {
		return
	}
	c.preempt(e.DeviceID)
}

// ClaimRewards claims pending rewards: the backend call comes first, and
// only its success drains the local pending counter and adopts the new
// balance. A failed claim changes nothing locally.
func (c *Controller) ClaimRewards(ctx context.Context) (int64, error) {
	res, err := c.backend.ClaimRewards(ctx)
	if err != nil {
		return 0, fmt.Errorf("claim rewards: %w", err)
	}
	drained, err := c.ledger.SettleClaim()
	if err != nil {
		return 0, err
	}
	if err := c.ledger.SetTotalEarned(res.NewBalance); err != nil {
		return drained, err
	}
	return drained, nil
}

// RemoveDevice stops the device if it is running, deletes it from the
// backend, and wipes its local state.
func (c *Controller) RemoveDevice(ctx context.Context, deviceID string) error {
	if err := c.StopDevice(ctx, deviceID); err != nil {
		return err
	}
	if err := c.backend.DeleteDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	c.mu.Lock()
	n := c.nodes[deviceID]
	delete(c.nodes, deviceID)
	delete(c.limiters, deviceID)
	c.mu.Unlock()

	if n != nil {
		if err := n.Reset(); err != nil {
			return err
		}
	}
	return c.uptime.Remove(deviceID)
}

// SetPlan applies a subscription change to every running engine.
func (c *Controller) SetPlan(plan config.Plan) {
	c.mu.Lock()
	c.plan = plan
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		r.engine.SetPlan(plan)
	}
}

func (c *Controller) planName() config.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan
}

// RunningDevices lists devices with live runs in this context.
func (c *Controller) RunningDevices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.runs))
	for id := range c.runs {
		out = append(out, id)
	}
	return out
}

// IsRunning reports whether this context runs the device.
func (c *Controller) IsRunning(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[deviceID]
	return ok
}

// Shutdown stops every running device and clears owned session records.
func (c *Controller) Shutdown(ctx context.Context) {
	for _, deviceID := range c.RunningDevices() {
		if err := c.StopDevice(ctx, deviceID); err != nil && c.logger != nil {
			c.logger.Warn("shutdown stop failed", "device_id", deviceID, "error", err)
		}
	}
	c.sessions.ReleaseAll()
}

package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"swarmnode/api"
	"swarmnode/config"
	"swarmnode/earnings"
	"swarmnode/node"
	"swarmnode/session"
	"swarmnode/store"
	"swarmnode/uptime"
)

type sessionStart struct {
	deviceID string
	tabID    string
	force    bool
}

type fakeBackend struct {
	mu          sync.Mutex
	remaining   int64
	syncCalls   []int64
	starts      []sessionStart
	stops       []string // tokens, "" for stale-session sweeps
	reconciles  int
	lastCounts  map[config.TaskType]int64
	deletes     []string
	claimResult *api.ClaimResult
	claimErr    error
}

func (f *fakeBackend) RegisterDevice(ctx context.Context, req api.RegisterDeviceRequest) (*api.Device, error) {
	return &api.Device{ID: "dev-remote", RewardTier: req.RewardTier}, nil
}

func (f *fakeBackend) StartSession(ctx context.Context, deviceID, tabID string, force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, sessionStart{deviceID, tabID, force})
	return "token-" + deviceID, nil
}

func (f *fakeBackend) StopSession(ctx context.Context, deviceID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, token)
	return nil
}

func (f *fakeBackend) GetUptime(ctx context.Context, deviceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining, nil
}

func (f *fakeBackend) SyncUptime(ctx context.Context, deviceID string, remaining int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, remaining)
	f.remaining = remaining
	return remaining, nil
}

func (f *fakeBackend) ReconcileSession(ctx context.Context, deviceID string, sessionSeconds int64, completed map[config.TaskType]int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciles++
	f.lastCounts = completed
	f.remaining -= sessionSeconds
	if f.remaining < 0 {
		f.remaining = 0
	}
	return f.remaining, nil
}

func (f *fakeBackend) CompleteTask(ctx context.Context, taskID string, taskType config.TaskType, reward int64) error {
	return nil
}

func (f *fakeBackend) DeleteDevice(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deviceID)
	return nil
}

func (f *fakeBackend) ClaimRewards(ctx context.Context) (*api.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.claimResult, nil
}

func (f *fakeBackend) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeBackend) reconcileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconciles
}

type fixture struct {
	ctrl    *Controller
	backend *fakeBackend
	clock   *clock.Mock
	store   *store.MemoryStore
	bus     *session.MemoryBus
	ledger  *earnings.Ledger
	tracker *uptime.Tracker
	cfg     *config.AgentConfig
}

func testConfig() *config.AgentConfig {
	return &config.AgentConfig{
		Backend: config.BackendConfig{
			BaseURL:       "http://test",
			RetryInterval: time.Second,
			MaxRetryTime:  time.Minute,
		},
		Node: config.NodeConfig{
			Plan:               "free",
			UptimeSyncInterval: time.Minute,
			// A warmup longer than any test advance keeps the run goroutine
			// parked, so tests drive the countdown deterministically.
			WarmupDelay:    time.Hour,
			ToggleCooldown: 2 * time.Second,
		},
		Sessions: config.SessionsConfig{
			PollInterval:   10 * time.Second,
			LivenessWindow: 5 * time.Minute,
		},
	}
}

func newFixture(t *testing.T, remaining int64) *fixture {
	t.Helper()

	mem := store.NewMemoryStore()
	mock := clock.NewMock()
	backend := &fakeBackend{remaining: remaining}
	bus := session.NewMemoryBus()
	cfg := testConfig()

	ledger, err := earnings.NewLedger(mem, nil)
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	tracker, err := uptime.NewTracker(mem, backend, mock, nil)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	coord := session.NewCoordinator(mem, bus, mock, cfg.Sessions.PollInterval, cfg.Sessions.LivenessWindow, nil)

	ctrl := New(Deps{
		Config:   cfg,
		Backend:  backend,
		Store:    mem,
		Ledger:   ledger,
		Uptime:   tracker,
		Sessions: coord,
		Clock:    mock,
	})

	hw := node.HardwareInfo{CPUCores: 8, RewardTier: config.TierWebGPU, DeviceType: "test"}
	if err := ctrl.AdoptDevice("dev-1", hw); err != nil {
		t.Fatalf("AdoptDevice failed: %v", err)
	}

	return &fixture{
		ctrl:    ctrl,
		backend: backend,
		clock:   mock,
		store:   mem,
		bus:     bus,
		ledger:  ledger,
		tracker: tracker,
		cfg:     cfg,
	}
}

func TestStartClampsServerAllowance(t *testing.T) {
	f := newFixture(t, 99999)
	planMax := config.GetPlanLimits(config.PlanFree).MaxUptime

	if err := f.ctrl.ToggleDevice(context.Background(), "dev-1"); err != nil {
		t.Fatalf("ToggleDevice failed: %v", err)
	}

	// The drifted server value is clamped and the correction pushed back
	if len(f.backend.syncCalls) != 1 || f.backend.syncCalls[0] != planMax {
		t.Errorf("corrective syncs = %v, want [%d]", f.backend.syncCalls, planMax)
	}
	if got := f.tracker.CurrentRemaining("dev-1"); got != planMax {
		t.Errorf("effective allowance = %d, want %d", got, planMax)
	}
	if !f.ctrl.IsRunning("dev-1") {
		t.Error("device not running after start")
	}
}

func TestStartRefusedWhenExhausted(t *testing.T) {
	f := newFixture(t, 0)

	err := f.ctrl.ToggleDevice(context.Background(), "dev-1")
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("err = %v, want ErrQuotaExhausted", err)
	}
	if f.backend.startCount() != 0 {
		t.Error("session start attempted despite exhausted allowance")
	}
	if f.ctrl.IsRunning("dev-1") {
		t.Error("device running despite exhausted allowance")
	}
}

func TestStartRefusedWhenUnregistered(t *testing.T) {
	f := newFixture(t, 3600)

	err := f.ctrl.ToggleDevice(context.Background(), "dev-2")
	if !errors.Is(err, node.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestConflictSurfacesTakeoverPrompt(t *testing.T) {
	f := newFixture(t, 3600)

	// Another context already owns the device
	other := session.NewCoordinator(f.store, f.bus, f.clock,
		f.cfg.Sessions.PollInterval, f.cfg.Sessions.LivenessWindow, nil)
	if err := other.Acquire("dev-1", "their-token"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	err := f.ctrl.ToggleDevice(context.Background(), "dev-1")
	if !errors.Is(err, ErrTakeoverRequired) {
		t.Fatalf("err = %v, want ErrTakeoverRequired", err)
	}
	// No silent steal and no silent second pipeline
	if f.backend.startCount() != 0 {
		t.Error("session start attempted despite foreign owner")
	}
	if f.ctrl.IsRunning("dev-1") {
		t.Error("device running despite foreign owner")
	}
}

func TestForceTakeover(t *testing.T) {
	f := newFixture(t, 3600)

	other := session.NewCoordinator(f.store, f.bus, f.clock,
		f.cfg.Sessions.PollInterval, f.cfg.Sessions.LivenessWindow, nil)
	if err := other.Acquire("dev-1", "their-token"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := f.ctrl.ForceTakeover(context.Background(), "dev-1"); err != nil {
		t.Fatalf("ForceTakeover failed: %v", err)
	}

	f.backend.mu.Lock()
	last := f.backend.starts[len(f.backend.starts)-1]
	f.backend.mu.Unlock()
	if !last.force {
		t.Error("takeover start did not carry the force flag")
	}
	if !f.ctrl.IsRunning("dev-1") {
		t.Error("device not running after takeover")
	}
}

func TestToggleCooldown(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()

	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); !errors.Is(err, ErrThrottled) {
		t.Errorf("second immediate toggle = %v, want ErrThrottled", err)
	}
	// The device is still running; the double-click didn't stop it
	if !f.ctrl.IsRunning("dev-1") {
		t.Error("throttled toggle stopped the device")
	}
}

func TestStopDeviceOrderedShutdown(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()

	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	f.clock.Add(120 * time.Second)

	if err := f.ctrl.StopDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("StopDevice failed: %v", err)
	}

	if f.ctrl.IsRunning("dev-1") {
		t.Error("device still running after stop")
	}
	if f.tracker.IsRunning("dev-1") {
		t.Error("uptime still tracking after stop")
	}
	if f.backend.reconcileCount() != 1 {
		t.Errorf("reconciles = %d, want 1", f.backend.reconcileCount())
	}

	// The remote session stop carried the real token, after the "" sweep
	f.backend.mu.Lock()
	stops := append([]string(nil), f.backend.stops...)
	f.backend.mu.Unlock()
	if len(stops) != 2 || stops[0] != "" || stops[1] != "token-dev-1" {
		t.Errorf("stops = %v, want [\"\" token-dev-1]", stops)
	}

	// Ownership record cleared
	if o, _ := f.ctrl.sessions.Owner("dev-1"); o != nil {
		t.Errorf("ownership record survives stop: %+v", o)
	}
}

func TestPreemptStopsLocallyOnly(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()

	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	f.clock.Add(60 * time.Second)
	sweeps := len(f.backend.stops)

	f.ctrl.preempt("dev-1")

	if f.ctrl.IsRunning("dev-1") {
		t.Error("device still running after preemption")
	}
	if f.tracker.IsRunning("dev-1") {
		t.Error("uptime still tracking after preemption")
	}
	// No remote calls: the new owner holds the server-side session
	if f.backend.reconcileCount() != 0 {
		t.Errorf("reconciles = %d, want 0", f.backend.reconcileCount())
	}
	if len(f.backend.stops) != sweeps {
		t.Errorf("remote session stop issued on preemption")
	}
}

func TestServerInvalidationPreempts(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()

	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	f.ctrl.HandleServerEvent(api.ServerEvent{
		Type:     api.EventSessionInvalidated,
		DeviceID: "dev-1",
	})

	if f.ctrl.IsRunning("dev-1") {
		t.Error("device still running after server-side invalidation")
	}
}

func TestAllowanceCutoffAutoStops(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Not yet exhausted
	f.clock.Add(5 * time.Second)
	if f.ctrl.enforceAllowance("dev-1") {
		t.Fatal("cutoff fired with allowance remaining")
	}

	// The countdown reaches zero: hard stop, no manual toggle needed
	f.clock.Add(5 * time.Second)
	if !f.ctrl.enforceAllowance("dev-1") {
		t.Fatal("cutoff did not fire at zero allowance")
	}
	if f.ctrl.IsRunning("dev-1") {
		t.Error("device still running past its allowance")
	}
	if f.backend.reconcileCount() != 1 {
		t.Errorf("reconciles = %d, want 1", f.backend.reconcileCount())
	}
}

func TestCountdownRefreshesNodeLiveness(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()

	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Each countdown tick refreshes the persisted last-seen timestamp
	for i := 0; i < 3; i++ {
		f.clock.Add(40 * time.Second)
		f.ctrl.tickNode("dev-1")
	}

	var snap struct {
		LastActiveTime int64 `json:"last_active_time"`
	}
	ok, err := store.LoadJSON(f.store, "node-state:dev-1", 1, &snap, nil)
	if err != nil || !ok {
		t.Fatalf("load node record: ok=%v err=%v", ok, err)
	}
	if want := f.clock.Now().Unix(); snap.LastActiveTime != want {
		t.Errorf("last_active_time = %d, want %d", snap.LastActiveTime, want)
	}

	// Idle devices are left alone
	if err := f.ctrl.StopDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("StopDevice failed: %v", err)
	}
	f.clock.Add(40 * time.Second)
	f.ctrl.tickNode("dev-1")
	ok, err = store.LoadJSON(f.store, "node-state:dev-1", 1, &snap, nil)
	if err != nil || !ok {
		t.Fatalf("reload node record: ok=%v err=%v", ok, err)
	}
	if now := f.clock.Now().Unix(); snap.LastActiveTime == now {
		t.Error("liveness tick advanced the timestamp on an idle node")
	}
}

func TestClaimRewardsGatedOnBackend(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()

	if err := f.ledger.AddReward(earnings.Transaction{Amount: 50, Type: "task_completion"}); err != nil {
		t.Fatalf("AddReward failed: %v", err)
	}

	// Backend refuses: nothing changes locally
	f.backend.claimErr = errors.New("claim rejected")
	if _, err := f.ctrl.ClaimRewards(ctx); err == nil {
		t.Fatal("ClaimRewards succeeded despite backend failure")
	}
	if snap := f.ledger.Snapshot(); snap.PendingRewards != 50 {
		t.Errorf("PendingRewards = %d after failed claim, want 50", snap.PendingRewards)
	}

	// Backend accepts: pending drains and the server balance is adopted
	f.backend.claimErr = nil
	f.backend.claimResult = &api.ClaimResult{NewBalance: 150, Claimed: 50}
	drained, err := f.ctrl.ClaimRewards(ctx)
	if err != nil {
		t.Fatalf("ClaimRewards failed: %v", err)
	}
	if drained != 50 {
		t.Errorf("drained = %d, want 50", drained)
	}
	snap := f.ledger.Snapshot()
	if snap.PendingRewards != 0 {
		t.Errorf("PendingRewards = %d after claim, want 0", snap.PendingRewards)
	}
	if snap.TotalEarned != 150 {
		t.Errorf("TotalEarned = %d, want server balance 150", snap.TotalEarned)
	}
}

func TestRemoveDeviceWipesState(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()

	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := f.ctrl.RemoveDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("RemoveDevice failed: %v", err)
	}

	if f.ctrl.IsRunning("dev-1") {
		t.Error("device still running after removal")
	}
	f.backend.mu.Lock()
	deletes := append([]string(nil), f.backend.deletes...)
	f.backend.mu.Unlock()
	if len(deletes) != 1 || deletes[0] != "dev-1" {
		t.Errorf("backend deletes = %v, want [dev-1]", deletes)
	}
	if got := f.tracker.CurrentRemaining("dev-1"); got != 0 {
		t.Errorf("allowance cache survives removal: %d", got)
	}

	// A removed device must be registered again before it can start
	err := f.ctrl.ToggleDevice(ctx, "dev-1")
	if !errors.Is(err, node.ErrNotRegistered) {
		t.Errorf("toggle after removal = %v, want ErrNotRegistered", err)
	}
}

func TestSecondDeviceRunsConcurrently(t *testing.T) {
	f := newFixture(t, 3600)
	ctx := context.Background()

	hw := node.HardwareInfo{CPUCores: 4, RewardTier: config.TierCPU, DeviceType: "test"}
	if err := f.ctrl.AdoptDevice("dev-2", hw); err != nil {
		t.Fatalf("AdoptDevice failed: %v", err)
	}

	if err := f.ctrl.ToggleDevice(ctx, "dev-1"); err != nil {
		t.Fatalf("start dev-1 failed: %v", err)
	}
	if err := f.ctrl.ToggleDevice(ctx, "dev-2"); err != nil {
		t.Fatalf("start dev-2 failed: %v", err)
	}

	// Starting the second device did not stop the first
	if !f.ctrl.IsRunning("dev-1") || !f.ctrl.IsRunning("dev-2") {
		t.Errorf("running devices = %v, want both", f.ctrl.RunningDevices())
	}
}

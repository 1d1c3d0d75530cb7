package node

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"swarmnode/config"
	"swarmnode/store"
)

func testHardware() HardwareInfo {
	return HardwareInfo{
		CPUCores:     8,
		DeviceMemory: 16,
		GPUInfo:      "test-gpu",
		DeviceGroup:  "desktop",
		DeviceType:   "macos",
		RewardTier:   config.TierWebGPU,
	}
}

func newTestState(t *testing.T, s store.Store, clk clock.Clock) *State {
	t.Helper()
	st, err := New(s, "dev-1", clk, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return st
}

func TestStartRequiresRegistration(t *testing.T) {
	st := newTestState(t, store.NewMemoryStore(), clock.NewMock())

	if err := st.StartNode(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("StartNode on unregistered = %v, want ErrNotRegistered", err)
	}
}

func TestRegisterRejectsInvalidTier(t *testing.T) {
	st := newTestState(t, store.NewMemoryStore(), clock.NewMock())

	hw := testHardware()
	hw.RewardTier = "quantum"
	if _, err := st.RegisterDevice(hw); !errors.Is(err, ErrInvalidTier) {
		t.Errorf("RegisterDevice = %v, want ErrInvalidTier", err)
	}
}

func TestStartStopFoldsUptime(t *testing.T) {
	mock := clock.NewMock()
	st := newTestState(t, store.NewMemoryStore(), mock)

	if _, err := st.RegisterDevice(testHardware()); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := st.StartNode(); err != nil {
		t.Fatalf("StartNode failed: %v", err)
	}
	if !st.IsActive() {
		t.Fatal("node not active after StartNode")
	}

	mock.Add(90 * time.Second)
	if got := st.CurrentUptime(); got != 90 {
		t.Errorf("CurrentUptime while active = %d, want 90", got)
	}

	if err := st.StopNode(); err != nil {
		t.Fatalf("StopNode failed: %v", err)
	}
	if st.IsActive() {
		t.Error("node still active after StopNode")
	}
	if got := st.CurrentUptime(); got != 90 {
		t.Errorf("CurrentUptime after stop = %d, want 90", got)
	}

	// Second stop is a no-op
	if err := st.StopNode(); err != nil {
		t.Errorf("second StopNode = %v, want nil", err)
	}
	if got := st.CurrentUptime(); got != 90 {
		t.Errorf("CurrentUptime after double stop = %d, want 90", got)
	}
}

func TestDoubleStartIsNoop(t *testing.T) {
	mock := clock.NewMock()
	st := newTestState(t, store.NewMemoryStore(), mock)

	if _, err := st.RegisterDevice(testHardware()); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := st.StartNode(); err != nil {
		t.Fatalf("StartNode failed: %v", err)
	}
	mock.Add(30 * time.Second)

	// Restarting must not reset the open session window
	if err := st.StartNode(); err != nil {
		t.Fatalf("second StartNode = %v, want nil", err)
	}
	mock.Add(30 * time.Second)
	if got := st.CurrentUptime(); got != 60 {
		t.Errorf("CurrentUptime = %d, want 60", got)
	}
}

func TestUptimeMonotonicWhileActive(t *testing.T) {
	mock := clock.NewMock()
	st := newTestState(t, store.NewMemoryStore(), mock)

	if _, err := st.RegisterDevice(testHardware()); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := st.StartNode(); err != nil {
		t.Fatalf("StartNode failed: %v", err)
	}

	prev := st.CurrentUptime()
	for i := 0; i < 10; i++ {
		mock.Add(7 * time.Second)
		cur := st.CurrentUptime()
		if cur < prev {
			t.Fatalf("uptime decreased from %d to %d while active", prev, cur)
		}
		prev = cur
	}
}

func TestUpdateUptimeRequiresActive(t *testing.T) {
	st := newTestState(t, store.NewMemoryStore(), clock.NewMock())

	if err := st.UpdateUptime(); !errors.Is(err, ErrNotActive) {
		t.Errorf("UpdateUptime on idle = %v, want ErrNotActive", err)
	}
}

func TestRehydrateFoldsOpenSession(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	mem := store.NewMemoryStore()

	st := newTestState(t, mem, mock)
	if _, err := st.RegisterDevice(testHardware()); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := st.StartNode(); err != nil {
		t.Fatalf("StartNode failed: %v", err)
	}
	mock.Add(2 * time.Minute)
	if err := st.UpdateUptime(); err != nil {
		t.Fatalf("UpdateUptime failed: %v", err)
	}

	// Simulate a reload 30s later: a new State over the same store must fold
	// the open session into the total and open a fresh window at now.
	mock.Add(30 * time.Second)
	st2 := newTestState(t, mem, mock)

	if !st2.IsActive() {
		t.Fatal("rehydrated node should remain active")
	}
	if got := st2.CurrentUptime(); got != 150 {
		t.Errorf("CurrentUptime after rehydrate = %d, want 150", got)
	}

	// The new session window starts at rehydration time, not the old start
	mock.Add(10 * time.Second)
	if got := st2.CurrentUptime(); got != 160 {
		t.Errorf("CurrentUptime after rehydrate+10s = %d, want 160", got)
	}
}

func TestRehydrateIgnoresSessionWithoutStart(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(48 * time.Hour)
	mem := store.NewMemoryStore()

	// An active record with no session start (hand-edited or partially
	// written) must not fold now-minus-epoch into the total.
	hw := testHardware()
	snap := snapshot{
		NodeID:       "node-1",
		IsRegistered: true,
		IsActive:     true,
		Hardware:     &hw,
		TotalUptime:  300,
	}
	if err := store.SaveJSON(mem, stateKeyPrefix+"dev-1", stateVersion, snap); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}

	st := newTestState(t, mem, mock)
	if st.IsActive() {
		t.Error("inconsistent record rehydrated as active")
	}
	if got := st.CurrentUptime(); got != 300 {
		t.Errorf("CurrentUptime = %d, want 300 (no fold)", got)
	}
}

func TestResetClearsState(t *testing.T) {
	mem := store.NewMemoryStore()
	st := newTestState(t, mem, clock.NewMock())

	if _, err := st.RegisterDevice(testHardware()); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := st.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if st.IsRegistered() {
		t.Error("node still registered after Reset")
	}

	st2 := newTestState(t, mem, clock.NewMock())
	if st2.IsRegistered() {
		t.Error("persisted record survived Reset")
	}
}

// Package node implements the per-device node state machine: registration,
// start/stop transitions, and lifetime uptime accounting. The machine is the
// gate that allows task generation; the task engine refuses to run for an
// inactive node.
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"swarmnode/config"
	"swarmnode/store"
)

const (
	stateVersion   = 1
	stateKeyPrefix = "node-state:"
)

// Errors returned by state transitions. Callers log these and carry on;
// they never corrupt persisted state.
var (
	ErrNotRegistered = errors.New("node: device is not registered")
	ErrNotActive     = errors.New("node: node is not active")
	ErrMissingHW     = errors.New("node: hardware info is missing")
	ErrInvalidTier   = errors.New("node: invalid hardware tier")
)

// HardwareInfo describes the device as fingerprinted at registration. It is
// immutable until the device is re-registered.
type HardwareInfo struct {
	CPUCores     int         `json:"cpu_cores"`
	DeviceMemory int         `json:"device_memory"`
	GPUInfo      string      `json:"gpu_info"`
	DeviceGroup  string      `json:"device_group"`
	DeviceType   string      `json:"device_type"`
	RewardTier   config.Tier `json:"reward_tier"`
}

// snapshot is the persisted shape of the state machine.
type snapshot struct {
	NodeID              string        `json:"node_id"`
	IsRegistered        bool          `json:"is_registered"`
	IsActive            bool          `json:"is_active"`
	Hardware            *HardwareInfo `json:"hardware,omitempty"`
	TotalUptime         int64         `json:"total_uptime"`
	CurrentSessionStart int64         `json:"current_session_start,omitempty"` // unix seconds, 0 when idle
	StartTime           int64         `json:"start_time,omitempty"`
	LastActiveTime      int64         `json:"last_active_time,omitempty"`
}

// State is the node state machine for one device. All methods are safe for
// concurrent use. Every mutation is persisted before the method returns.
type State struct {
	mu     sync.Mutex
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger
	key    string

	nodeID              string
	isRegistered        bool
	isActive            bool
	hardware            *HardwareInfo
	totalUptime         int64 // seconds, lifetime
	currentSessionStart time.Time
	startTime           time.Time
	lastActiveTime      time.Time
}

// New creates the state machine for deviceKey, rehydrating any persisted
// state. If the persisted state says the node was still active (crash or
// reload mid-session), the elapsed time since the recorded session start is
// folded into the lifetime total and a fresh session window is opened at
// now, so uptime is neither lost nor counted twice.
func New(s store.Store, deviceKey string, clk clock.Clock, logger *slog.Logger) (*State, error) {
	if clk == nil {
		clk = clock.New()
	}
	st := &State{
		store:  s,
		clock:  clk,
		logger: logger,
		key:    stateKeyPrefix + deviceKey,
	}

	var snap snapshot
	ok, err := store.LoadJSON(s, st.key, stateVersion, &snap, nil)
	if err != nil {
		return nil, fmt.Errorf("load node state: %w", err)
	}
	if ok {
		st.nodeID = snap.NodeID
		st.isRegistered = snap.IsRegistered
		st.hardware = snap.Hardware
		st.totalUptime = snap.TotalUptime
		if snap.StartTime != 0 {
			st.startTime = time.Unix(snap.StartTime, 0)
		}
		if snap.LastActiveTime != 0 {
			st.lastActiveTime = time.Unix(snap.LastActiveTime, 0)
		}

		if snap.IsActive {
			if snap.CurrentSessionStart > 0 {
				now := clk.Now()
				elapsed := now.Unix() - snap.CurrentSessionStart
				if elapsed > 0 {
					st.totalUptime += elapsed
				}
				st.isActive = true
				st.currentSessionStart = now
				if logger != nil {
					logger.Info("rehydrated active node session",
						"node_id", st.nodeID,
						"folded_seconds", elapsed)
				}
			} else if logger != nil {
				// Active with no session start is inconsistent; folding from
				// an unknown start would inflate the total by decades
				logger.Warn("active record without session start, treating as idle",
					"node_id", st.nodeID)
			}
			if err := st.persistLocked(); err != nil {
				return nil, err
			}
		}
	}
	return st, nil
}

// RegisterDevice fingerprints the device and assigns a fresh node id.
// Re-registering an already registered device replaces its hardware info and
// id.
func (s *State) RegisterDevice(hw HardwareInfo) (string, error) {
	if !config.ValidTier(hw.RewardTier) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, hw.RewardTier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodeID = uuid.NewString()
	s.isRegistered = true
	s.hardware = &hw
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	if s.logger != nil {
		s.logger.Info("device registered",
			"node_id", s.nodeID,
			"tier", hw.RewardTier)
	}
	return s.nodeID, nil
}

// AdoptRegistration marks the device registered under an externally assigned
// node id, used when the backend registry is the id authority.
func (s *State) AdoptRegistration(nodeID string, hw HardwareInfo) error {
	if !config.ValidTier(hw.RewardTier) {
		return fmt.Errorf("%w: %q", ErrInvalidTier, hw.RewardTier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodeID = nodeID
	s.isRegistered = true
	s.hardware = &hw
	return s.persistLocked()
}

// StartNode transitions the node to active and opens a session window.
// Starting an already active node is a logged no-op.
func (s *State) StartNode() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRegistered {
		return ErrNotRegistered
	}
	if s.hardware == nil {
		return ErrMissingHW
	}
	if s.isActive {
		if s.logger != nil {
			s.logger.Warn("start ignored, node already active", "node_id", s.nodeID)
		}
		return nil
	}

	now := s.clock.Now()
	s.isActive = true
	s.currentSessionStart = now
	s.lastActiveTime = now
	if s.startTime.IsZero() {
		s.startTime = now
	}
	return s.persistLocked()
}

// StopNode folds the open session into the lifetime total and clears the
// session window. Stopping an inactive node is a no-op.
func (s *State) StopNode() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isActive {
		return nil
	}

	now := s.clock.Now()
	if !s.currentSessionStart.IsZero() {
		elapsed := int64(now.Sub(s.currentSessionStart).Seconds())
		if elapsed > 0 {
			s.totalUptime += elapsed
		}
	}
	s.isActive = false
	s.currentSessionStart = time.Time{}
	s.lastActiveTime = now
	return s.persistLocked()
}

// UpdateUptime is the lightweight per-second tick. It refreshes the last
// active timestamp only; the session delta is folded in at StopNode or
// computed on read by CurrentUptime.
func (s *State) UpdateUptime() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isActive {
		return ErrNotActive
	}
	s.lastActiveTime = s.clock.Now()
	return s.persistLocked()
}

// CurrentUptime returns lifetime uptime in seconds including the open
// session, if any.
func (s *State) CurrentUptime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalUptime
	if s.isActive && !s.currentSessionStart.IsZero() {
		delta := int64(s.clock.Now().Sub(s.currentSessionStart).Seconds())
		if delta > 0 {
			total += delta
		}
	}
	return total
}

// NodeID returns the assigned node id, empty until registered.
func (s *State) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// IsRegistered reports whether the device has been registered.
func (s *State) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRegistered
}

// IsActive reports whether the node is currently running.
func (s *State) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActive
}

// Hardware returns a copy of the registered hardware info, or nil.
func (s *State) Hardware() *HardwareInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hardware == nil {
		return nil
	}
	hw := *s.hardware
	return &hw
}

// Tier returns the registered reward tier, defaulting to cpu when
// unregistered.
func (s *State) Tier() config.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hardware == nil {
		return config.TierCPU
	}
	return s.hardware.RewardTier
}

// Reset clears all state and purges the persisted record, as on logout.
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodeID = ""
	s.isRegistered = false
	s.isActive = false
	s.hardware = nil
	s.totalUptime = 0
	s.currentSessionStart = time.Time{}
	s.startTime = time.Time{}
	s.lastActiveTime = time.Time{}
	return s.store.Delete(s.key)
}

func (s *State) persistLocked() error {
	snap := snapshot{
		NodeID:       s.nodeID,
		IsRegistered: s.isRegistered,
		IsActive:     s.isActive,
		Hardware:     s.hardware,
		TotalUptime:  s.totalUptime,
	}
	if !s.currentSessionStart.IsZero() {
		snap.CurrentSessionStart = s.currentSessionStart.Unix()
	}
	if !s.startTime.IsZero() {
		snap.StartTime = s.startTime.Unix()
	}
	if !s.lastActiveTime.IsZero() {
		snap.LastActiveTime = s.lastActiveTime.Unix()
	}
	if err := store.SaveJSON(s.store, s.key, stateVersion, snap); err != nil {
		return fmt.Errorf("persist node state: %w", err)
	}
	return nil
}

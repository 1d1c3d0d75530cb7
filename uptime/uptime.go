// Package uptime keeps a per-device cache of the remaining daily uptime
// allowance and reconciles it against the backend's authoritative counter.
// The server value always wins on a successful sync; the local cache exists
// so the countdown survives reloads and short offline windows without
// double counting.
package uptime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"swarmnode/config"
	"swarmnode/store"
)

const (
	cacheKey     = "uptime-cache"
	cacheVersion = 3
	// legacyVersion is the one shape we still migrate instead of dropping:
	// a bare device→remaining map without sync bookkeeping.
	legacyVersion = 2

	// stalenessHorizon bounds how old a cached record may be before it is
	// untrustworthy and dropped in favor of a fresh server sync.
	stalenessHorizon = 6 * time.Hour
	// syncThreshold is the minimum gap between unforced syncs per device.
	syncThreshold = 5 * time.Minute
	// sweepInterval drives the background re-sync of stale records.
	sweepInterval = 10 * time.Minute
	// sweepSpacing staggers per-device requests within one sweep.
	sweepSpacing = 500 * time.Millisecond
)

// SyncAPI is the backend surface the tracker reconciles against. All values
// are remaining allowance seconds.
type SyncAPI interface {
	GetUptime(ctx context.Context, deviceID string) (int64, error)
	ReconcileSession(ctx context.Context, deviceID string, sessionSeconds int64, completed map[config.TaskType]int64) (int64, error)
}

// deviceRecord is the cached allowance state for one device.
type deviceRecord struct {
	Remaining       int64 `json:"remaining"`
	ServerRemaining int64 `json:"server_remaining"`
	SessionStart    int64 `json:"session_start,omitempty"` // unix seconds
	IsRunning       bool  `json:"is_running"`
	LastSync        int64 `json:"last_sync"`
}

type cacheState struct {
	Devices map[string]*deviceRecord `json:"devices"`
}

// Tracker owns the uptime cache. All methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	store  store.Store
	api    SyncAPI
	clock  clock.Clock
	logger *slog.Logger

	devices  map[string]*deviceRecord
	inFlight map[string]bool
}

// NewTracker loads the cache, migrating the one supported legacy shape and
// dropping any record older than the staleness horizon.
func NewTracker(s store.Store, api SyncAPI, clk clock.Clock, logger *slog.Logger) (*Tracker, error) {
	if clk == nil {
		clk = clock.New()
	}
	t := &Tracker{
		store:    s,
		api:      api,
		clock:    clk,
		logger:   logger,
		devices:  make(map[string]*deviceRecord),
		inFlight: make(map[string]bool),
	}

	migrations := map[int]store.Migration{
		legacyVersion: migrateLegacy,
	}

	var state cacheState
	ok, err := store.LoadJSON(s, cacheKey, cacheVersion, &state, migrations)
	if err != nil {
		return nil, fmt.Errorf("load uptime cache: %w", err)
	}
	if ok && state.Devices != nil {
		now := clk.Now().Unix()
		for id, rec := range state.Devices {
			if now-rec.LastSync > int64(stalenessHorizon.Seconds()) {
				if logger != nil {
					logger.Info("dropping stale uptime record", "device_id", id)
				}
				continue
			}
			// A record persisted mid-run belongs to a dead session; the
			// next start rebases from the server anyway.
			rec.IsRunning = false
			rec.SessionStart = 0
			t.devices[id] = rec
		}
		if err := t.persistLocked(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// migrateLegacy lifts the old device→remaining map into the current shape.
// Migrated records carry no sync time, so they read as stale and trigger a
// fresh server sync immediately.
func migrateLegacy(old json.RawMessage) (json.RawMessage, error) {
	var legacy map[string]int64
	if err := json.Unmarshal(old, &legacy); err != nil {
		return nil, err
	}
	state := cacheState{Devices: make(map[string]*deviceRecord, len(legacy))}
	for id, remaining := range legacy {
		state.Devices[id] = &deviceRecord{
			Remaining:       remaining,
			ServerRemaining: remaining,
		}
	}
	return json.Marshal(state)
}

// StartDevice opens a session window for the device, rebasing the local
// allowance onto the server value the caller just fetched. A possibly stale
// local total is never trusted across a start.
func (t *Tracker) StartDevice(deviceID string, serverRemaining int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.devices[deviceID] = &deviceRecord{
		Remaining:       serverRemaining,
		ServerRemaining: serverRemaining,
		SessionStart:    now.Unix(),
		IsRunning:       true,
		LastSync:        now.Unix(),
	}
	return t.persistLocked()
}

// StopDevice closes the session window and reconciles the spent seconds plus
// the completed-task counts with the backend in one call. On success the
// server's returned allowance replaces the local value. On failure local
// tracking still stops, and the unreported spend is kept as a local estimate
// for a future sync rather than guessed away.
func (t *Tracker) StopDevice(ctx context.Context, deviceID string, completed map[config.TaskType]int64) (int64, error) {
	t.mu.Lock()
	rec, ok := t.devices[deviceID]
	if !ok || !rec.IsRunning {
		t.mu.Unlock()
		return t.remainingLocked(deviceID), nil
	}

	now := t.clock.Now()
	session := now.Unix() - rec.SessionStart
	if session < 0 {
		session = 0
	}
	rec.IsRunning = false
	rec.SessionStart = 0
	t.mu.Unlock()

	serverRemaining, err := t.api.ReconcileSession(ctx, deviceID, session, completed)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		rec.Remaining -= session
		if rec.Remaining < 0 {
			rec.Remaining = 0
		}
		if t.logger != nil {
			t.logger.Warn("uptime reconcile failed, keeping local estimate",
				"device_id", deviceID,
				"session_seconds", session,
				"error", err)
		}
		if perr := t.persistLocked(); perr != nil {
			return rec.Remaining, perr
		}
		return rec.Remaining, err
	}

	rec.Remaining = serverRemaining
	rec.ServerRemaining = serverRemaining
	rec.LastSync = now.Unix()
	return rec.Remaining, t.persistLocked()
}

// StopLocal closes the session window without contacting the backend, used
// when another context took the device over and now owns the server-side
// session. The spent seconds are folded into the local estimate for a
// future sync.
func (t *Tracker) StopLocal(deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.devices[deviceID]
	if !ok || !rec.IsRunning {
		return nil
	}
	session := t.clock.Now().Unix() - rec.SessionStart
	if session > 0 {
		rec.Remaining -= session
		if rec.Remaining < 0 {
			rec.Remaining = 0
		}
	}
	rec.IsRunning = false
	rec.SessionStart = 0
	return t.persistLocked()
}

// SyncDevice refreshes the device's allowance from the server. It is
// skipped when a sync is already in flight for the device, or when the last
// sync is recent and force is unset. For a running device only the server
// baseline is refreshed; the live countdown is left untouched so an
// in-progress session never visibly jumps.
func (t *Tracker) SyncDevice(ctx context.Context, deviceID string, force bool) error {
	t.mu.Lock()
	if t.inFlight[deviceID] {
		t.mu.Unlock()
		return nil
	}
	rec := t.devices[deviceID]
	now := t.clock.Now()
	if rec != nil && !force {
		age := now.Unix() - rec.LastSync
		if age < int64(syncThreshold.Seconds()) {
			t.mu.Unlock()
			return nil
		}
	}
	t.inFlight[deviceID] = true
	t.mu.Unlock()

	serverRemaining, err := t.api.GetUptime(ctx, deviceID)

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, deviceID)

	if err != nil {
		return fmt.Errorf("sync uptime for %s: %w", deviceID, err)
	}

	rec = t.devices[deviceID]
	if rec == nil {
		rec = &deviceRecord{}
		t.devices[deviceID] = rec
	}
	rec.ServerRemaining = serverRemaining
	if !rec.IsRunning {
		rec.Remaining = serverRemaining
	}
	rec.LastSync = t.clock.Now().Unix()
	return t.persistLocked()
}

// RunSweeper periodically re-syncs devices whose records have gone stale,
// spacing requests out so a cache full of stale devices doesn't burst.
func (t *Tracker) RunSweeper(ctx context.Context) {
	ticker := t.clock.Ticker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Tracker) sweep(ctx context.Context) {
	t.mu.Lock()
	now := t.clock.Now().Unix()
	var stale []string
	for id, rec := range t.devices {
		if now-rec.LastSync >= int64(syncThreshold.Seconds()) {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	for i, id := range stale {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-t.clock.After(sweepSpacing):
			}
		}
		if err := t.SyncDevice(ctx, id, false); err != nil && t.logger != nil {
			t.logger.Warn("background uptime sync failed", "device_id", id, "error", err)
		}
	}
}

// CurrentRemaining returns the device's live remaining allowance: the cached
// value minus the open session's elapsed seconds, floored at zero. Unknown
// devices report zero.
func (t *Tracker) CurrentRemaining(deviceID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked(deviceID)
}

func (t *Tracker) remainingLocked(deviceID string) int64 {
	rec, ok := t.devices[deviceID]
	if !ok {
		return 0
	}
	remaining := rec.Remaining
	if rec.IsRunning {
		remaining -= t.clock.Now().Unix() - rec.SessionStart
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsRunning reports whether the device has an open session window.
func (t *Tracker) IsRunning(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.devices[deviceID]
	return ok && rec.IsRunning
}

// Remove drops the device's cached record.
func (t *Tracker) Remove(deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, deviceID)
	return t.persistLocked()
}

func (t *Tracker) persistLocked() error {
	state := cacheState{Devices: t.devices}
	if err := store.SaveJSON(t.store, cacheKey, cacheVersion, state); err != nil {
		return fmt.Errorf("persist uptime cache: %w", err)
	}
	return nil
}

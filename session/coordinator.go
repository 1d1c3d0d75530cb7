package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"swarmnode/store"
)

const (
	ownershipVersion   = 1
	ownershipKeyPrefix = "session-ownership:"

	// navigationSuppression is the window after an in-app navigation
	// during which ownership events are ignored, so route-change noise
	// never reads as a takeover.
	navigationSuppression = 2 * time.Second
)

// Ownership is the shared record naming the context allowed to run a
// device. Exactly one unexpired record may exist per device.
type Ownership struct {
	DeviceID     string `json:"device_id"`
	TabID        string `json:"tab_id"`
	SessionToken string `json:"session_token"`
	Timestamp    int64  `json:"timestamp"` // unix seconds, renewed while running
}

// PreemptFunc is invoked when another context takes over a device this
// coordinator was running. It must synchronously stop the device's engine
// and uptime tracking.
type PreemptFunc func(deviceID string)

// Coordinator enforces single-owner semantics for devices across contexts
// sharing a store. Ownership records carry a liveness window; expiry is the
// safety net when an owner dies without cleaning up.
type Coordinator struct {
	store  store.Store
	bus    Bus
	clock  clock.Clock
	logger *slog.Logger

	tabID    string
	poll     time.Duration
	liveness time.Duration

	mu            sync.Mutex
	owned         map[string]string // deviceID → session token
	suppressUntil time.Time
	onPreempt     PreemptFunc
}

// NewCoordinator creates a coordinator with a fresh random tab identity.
func NewCoordinator(s store.Store, bus Bus, clk clock.Clock, poll, liveness time.Duration, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		store:    s,
		bus:      bus,
		clock:    clk,
		logger:   logger,
		tabID:    uuid.NewString(),
		poll:     poll,
		liveness: liveness,
		owned:    make(map[string]string),
	}
}

// TabID returns this coordinator's identity.
func (c *Coordinator) TabID() string {
	return c.tabID
}

// SetPreemptFunc installs the forced-shutdown callback. Must be set before
// Run.
func (c *Coordinator) SetPreemptFunc(fn PreemptFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPreempt = fn
}

// Owner returns the device's current unexpired ownership record, if any.
// Expired records are purged on read.
func (c *Coordinator) Owner(deviceID string) (*Ownership, error) {
	var o Ownership
	ok, err := store.LoadJSON(c.store, ownershipKeyPrefix+deviceID, ownershipVersion, &o, nil)
	if err != nil {
		return nil, fmt.Errorf("read ownership for %s: %w", deviceID, err)
	}
	if !ok {
		return nil, nil
	}
	if c.expired(&o) {
		_ = c.store.Delete(ownershipKeyPrefix + deviceID)
		return nil, nil
	}
	return &o, nil
}

// Conflict reports whether another context holds an unexpired ownership
// record for the device.
func (c *Coordinator) Conflict(deviceID string) (*Ownership, bool) {
	o, err := c.Owner(deviceID)
	if err != nil || o == nil {
		return nil, false
	}
	if o.TabID == c.tabID {
		return nil, false
	}
	return o, true
}

// Acquire records this context as the device's owner and announces it.
func (c *Coordinator) Acquire(deviceID, token string) error {
	return c.claim(deviceID, token, EventSessionStarted)
}

// Takeover overwrites any existing ownership record and broadcasts a
// takeover notification. The caller must already hold a force-issued
// session token; every other context running the device stops on receipt.
func (c *Coordinator) Takeover(deviceID, token string) error {
	return c.claim(deviceID, token, EventTakeover)
}

func (c *Coordinator) claim(deviceID, token string, event EventType) error {
	now := c.clock.Now()
	o := Ownership{
		DeviceID:     deviceID,
		TabID:        c.tabID,
		SessionToken: token,
		Timestamp:    now.Unix(),
	}
	if err := store.SaveJSON(c.store, ownershipKeyPrefix+deviceID, ownershipVersion, o); err != nil {
		return fmt.Errorf("write ownership for %s: %w", deviceID, err)
	}

	c.mu.Lock()
	c.owned[deviceID] = token
	c.mu.Unlock()

	if err := c.bus.Publish(Event{
		Type:         event,
		DeviceID:     deviceID,
		TabID:        c.tabID,
		SessionToken: token,
		Timestamp:    now.Unix(),
	}); err != nil && c.logger != nil {
		c.logger.Warn("ownership broadcast failed", "device_id", deviceID, "error", err)
	}
	return nil
}

// Release clears this context's ownership record and announces the stop.
// Best effort: if the record was already overwritten by a takeover it is
// left alone.
func (c *Coordinator) Release(deviceID string) error {
	c.mu.Lock()
	_, owned := c.owned[deviceID]
	delete(c.owned, deviceID)
	c.mu.Unlock()

	if !owned {
		return nil
	}

	var o Ownership
	ok, err := store.LoadJSON(c.store, ownershipKeyPrefix+deviceID, ownershipVersion, &o, nil)
	if err == nil && ok && o.TabID == c.tabID {
		_ = c.store.Delete(ownershipKeyPrefix + deviceID)
	}

	if err := c.bus.Publish(Event{
		Type:      EventSessionStopped,
		DeviceID:  deviceID,
		TabID:     c.tabID,
		Timestamp: c.clock.Now().Unix(),
	}); err != nil && c.logger != nil {
		c.logger.Warn("release broadcast failed", "device_id", deviceID, "error", err)
	}
	return nil
}

// ReleaseAll clears every owned record, used on shutdown. Liveness expiry
// covers the crash path where this never runs.
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	devices := make([]string, 0, len(c.owned))
	for id := range c.owned {
		devices = append(devices, id)
	}
	c.mu.Unlock()

	for _, id := range devices {
		if err := c.Release(id); err != nil && c.logger != nil {
			c.logger.Warn("ownership cleanup failed", "device_id", id, "error", err)
		}
	}
}

// MarkNavigation opens the suppression window during which ownership events
// are ignored.
func (c *Coordinator) MarkNavigation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressUntil = c.clock.Now().Add(navigationSuppression)
}

// Run watches for ownership changes until ctx is cancelled: bus events for
// the fast path and a periodic poll of the shared records as ground truth.
// The poll also renews the heartbeat on owned records.
func (c *Coordinator) Run(ctx context.Context) {
	events, unsubscribe := c.bus.Subscribe()
	defer unsubscribe()

	ticker := c.clock.Ticker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(e)
		case <-ticker.C:
			c.pollOwned()
		}
	}
}

// handleEvent reacts to a bus notification. Foreign start/takeover events
// for a device we run mean we lost it: preempt immediately.
func (c *Coordinator) handleEvent(e Event) {
	if e.TabID == c.tabID {
		return
	}
	if e.Type != EventSessionStarted && e.Type != EventTakeover {
		return
	}

	c.mu.Lock()
	if c.clock.Now().Before(c.suppressUntil) {
		c.mu.Unlock()
		return
	}
	_, running := c.owned[e.DeviceID]
	if running {
		delete(c.owned, e.DeviceID)
	}
	fn := c.onPreempt
	c.mu.Unlock()

	if !running {
		return
	}
	if c.logger != nil {
		c.logger.Warn("device taken over by another context",
			"device_id", e.DeviceID,
			"new_tab", e.TabID,
			"event", e.Type)
	}
	if fn != nil {
		fn(e.DeviceID)
	}
}

// pollOwned verifies the shared record for every device we believe we run.
// A record owned by someone else means we were superseded (view-only from
// here); our own records get their heartbeat renewed.
func (c *Coordinator) pollOwned() {
	c.mu.Lock()
	devices := make(map[string]string, len(c.owned))
	for id, token := range c.owned {
		devices[id] = token
	}
	suppressed := c.clock.Now().Before(c.suppressUntil)
	fn := c.onPreempt
	c.mu.Unlock()

	if suppressed {
		return
	}

	for deviceID, token := range devices {
		o, err := c.Owner(deviceID)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("ownership poll failed", "device_id", deviceID, "error", err)
			}
			continue
		}

		if o != nil && o.TabID != c.tabID {
			c.mu.Lock()
			delete(c.owned, deviceID)
			c.mu.Unlock()
			if c.logger != nil {
				c.logger.Warn("ownership record held elsewhere, stopping local run",
					"device_id", deviceID,
					"owner_tab", o.TabID)
			}
			if fn != nil {
				fn(deviceID)
			}
			continue
		}

		// Renew our heartbeat (also restores a record that expired or was
		// purged while we are demonstrably still alive)
		renewed := Ownership{
			DeviceID:     deviceID,
			TabID:        c.tabID,
			SessionToken: token,
			Timestamp:    c.clock.Now().Unix(),
		}
		if err := store.SaveJSON(c.store, ownershipKeyPrefix+deviceID, ownershipVersion, renewed); err != nil && c.logger != nil {
			c.logger.Warn("ownership renewal failed", "device_id", deviceID, "error", err)
		}
	}
}

func (c *Coordinator) expired(o *Ownership) bool {
	age := c.clock.Now().Unix() - o.Timestamp
	return age > int64(c.liveness.Seconds())
}

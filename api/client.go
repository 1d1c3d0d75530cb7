// Package api is the HTTP/JSON client for the rewards backend plus the
// websocket stream that pushes session invalidations. Remote failures are
// returned as typed errors so callers can tell a session conflict from a
// transient outage.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"swarmnode/config"
	"swarmnode/logger"
)

const requestTimeout = 15 * time.Second

// ErrSessionConflict marks a start rejected because the device already has
// an active session elsewhere. Resolution is a user takeover decision, never
// an automatic override.
var ErrSessionConflict = errors.New("api: session already active elsewhere")

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: backend returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying at the next natural cycle is sensible.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is worth retrying: network failures and
// 5xx responses. Conflicts and other 4xx responses are not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return err != nil && !errors.Is(err, ErrSessionConflict)
}

// Client talks to the rewards backend. Safe for concurrent use.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger

	// group collapses concurrent identical reads (device list, earnings)
	// into one request.
	group singleflight.Group
}

// NewClient builds a client from the backend configuration.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authToken:  cfg.AuthToken,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	// Callers attach a request-scoped logger (device id and the like) to
	// the context; fall back to the client's own.
	log := logger.FromContextOr(ctx, c.logger)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug("backend request failed",
			"method", method,
			"path", path,
			"error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Debug("backend request rejected",
			"method", method,
			"path", path,
			"status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// Device is a registered compute device as the backend sees it.
type Device struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	RewardTier config.Tier `json:"reward_tier"`
	DeviceType string      `json:"device_type"`
	CreatedAt  time.Time   `json:"created_at"`
}

// RegisterDeviceRequest carries the hardware fingerprint.
type RegisterDeviceRequest struct {
	Name         string      `json:"name"`
	CPUCores     int         `json:"cpu_cores"`
	DeviceMemory int         `json:"device_memory"`
	GPUInfo      string      `json:"gpu_info"`
	DeviceGroup  string      `json:"device_group"`
	DeviceType   string      `json:"device_type"`
	RewardTier   config.Tier `json:"reward_tier"`
}

// RegisterDevice registers this machine and returns the backend-assigned
// device.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*Device, error) {
	var d Device
	if err := c.do(ctx, http.MethodPost, "/devices", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns the account's registered devices. Concurrent calls
// share one request.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	v, err, _ := c.group.Do("devices", func() (any, error) {
		var out struct {
			Devices []Device `json:"devices"`
		}
		if err := c.do(ctx, http.MethodGet, "/devices", nil, &out); err != nil {
			return nil, err
		}
		return out.Devices, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Device), nil
}

// DeleteDevice removes a registered device.
func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/devices/"+deviceID, nil, nil)
}

// StartSession requests a session token for the device. With force set the
// backend invalidates any prior token first. A conflict maps to
// ErrSessionConflict.
func (c *Client) StartSession(ctx context.Context, deviceID, tabID string, force bool) (string, error) {
	req := struct {
		DeviceID string `json:"device_id"`
		TabID    string `json:"tab_id"`
		Force    bool   `json:"force,omitempty"`
	}{deviceID, tabID, force}

	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions/start", req, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return "", fmt.Errorf("%w: device %s", ErrSessionConflict, deviceID)
		}
		return "", err
	}
	return out.SessionToken, nil
}

// StopSession ends the device's session. An empty token asks the backend to
// clear whatever session it holds, used to sweep stale sessions before a
// fresh start.
func (c *Client) StopSession(ctx context.Context, deviceID, token string) error {
	req := struct {
		DeviceID     string `json:"device_id"`
		SessionToken string `json:"session_token,omitempty"`
	}{deviceID, token}
	return c.do(ctx, http.MethodPost, "/sessions/stop", req, nil)
}

// GetUptime returns the device's remaining allowance seconds.
func (c *Client) GetUptime(ctx context.Context, deviceID string) (int64, error) {
	var out struct {
		Uptime int64 `json:"uptime"`
	}
	if err := c.do(ctx, http.MethodGet, "/uptime/"+deviceID, nil, &out); err != nil {
		return 0, err
	}
	return out.Uptime, nil
}

// SyncUptime pushes a corrected allowance value and returns the value the
// backend settled on.
func (c *Client) SyncUptime(ctx context.Context, deviceID string, remaining int64) (int64, error) {
	req := struct {
		Uptime int64 `json:"uptime"`
	}{remaining}

	var out struct {
		Uptime int64 `json:"uptime"`
	}
	if err := c.do(ctx, http.MethodPost, "/uptime/"+deviceID+"/sync", req, &out); err != nil {
		return 0, err
	}
	return out.Uptime, nil
}

// ReconcileSession reports a finished session's spent seconds together with
// the completed-task counts in one call, returning the authoritative
// remaining allowance.
func (c *Client) ReconcileSession(ctx context.Context, deviceID string, sessionSeconds int64, completed map[config.TaskType]int64) (int64, error) {
	req := struct {
		SessionSeconds int64                     `json:"session_seconds"`
		CompletedTasks map[config.TaskType]int64 `json:"completed_tasks,omitempty"`
	}{sessionSeconds, completed}

	var out struct {
		Uptime int64 `json:"uptime"`
	}
	if err := c.do(ctx, http.MethodPost, "/uptime/"+deviceID+"/reconcile", req, &out); err != nil {
		return 0, err
	}
	return out.Uptime, nil
}

// CompleteTask records a finished task. Idempotent per task id from the
// client's perspective: a task id is never resubmitted after success.
func (c *Client) CompleteTask(ctx context.Context, taskID string, taskType config.TaskType, reward int64) error {
	req := struct {
		TaskID       string          `json:"task_id"`
		TaskType     config.TaskType `json:"task_type"`
		RewardAmount int64           `json:"reward_amount"`
	}{taskID, taskType, reward}
	return c.do(ctx, http.MethodPost, "/tasks/complete", req, nil)
}

// EarningsInfo is the backend's balance view.
type EarningsInfo struct {
	Balance   int64 `json:"balance"`
	Unclaimed int64 `json:"unclaimed"`
}

// GetEarnings fetches the account balance. Concurrent calls share one
// request.
func (c *Client) GetEarnings(ctx context.Context) (*EarningsInfo, error) {
	v, err, _ := c.group.Do("earnings", func() (any, error) {
		var out EarningsInfo
		if err := c.do(ctx, http.MethodGet, "/earnings", nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*EarningsInfo), nil
}

// ClaimResult is the backend's response to a claim.
type ClaimResult struct {
	NewBalance int64 `json:"new_balance"`
	Claimed    int64 `json:"claimed"`
}

// ClaimRewards asks the backend to move unclaimed rewards into the balance.
func (c *Client) ClaimRewards(ctx context.Context) (*ClaimResult, error) {
	var out ClaimResult
	if err := c.do(ctx, http.MethodPost, "/earnings/claim", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTaskStats returns the backend's per-type completed-task counters.
func (c *Client) GetTaskStats(ctx context.Context) (map[config.TaskType]int64, error) {
	var out struct {
		Completed map[config.TaskType]int64 `json:"completed"`
	}
	if err := c.do(ctx, http.MethodGet, "/earnings/task-stats", nil, &out); err != nil {
		return nil, err
	}
	return out.Completed, nil
}

// StreakData is the daily check-in streak state.
type StreakData struct {
	Current     int    `json:"current"`
	Longest     int    `json:"longest"`
	LastCheckIn string `json:"last_check_in"`
}

// GetStreak returns the account's check-in streak.
func (c *Client) GetStreak(ctx context.Context) (*StreakData, error) {
	var out StreakData
	if err := c.do(ctx, http.MethodGet, "/earnings/streak", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckInResult is the outcome of a daily check-in.
type CheckInResult struct {
	Streak int   `json:"streak"`
	Reward int64 `json:"reward"`
}

// DailyCheckIn performs the daily check-in, crediting its streak reward
// server-side.
func (c *Client) DailyCheckIn(ctx context.Context) (*CheckInResult, error) {
	var out CheckInResult
	if err := c.do(ctx, http.MethodPost, "/earnings/check-in", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"swarmnode/config"
	"swarmnode/logger"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(config.BackendConfig{
		BaseURL:   srv.URL,
		AuthToken: "test-token",
	}, nil)
	return c, srv
}

func TestStartSessionReturnsToken(t *testing.T) {
	var gotForce bool
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/start" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("auth header = %q", auth)
		}
		var req struct {
			DeviceID string `json:"device_id"`
			Force    bool   `json:"force"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotForce = req.Force
		json.NewEncoder(w).Encode(map[string]string{"session_token": "tok-123"})
	}))
	defer srv.Close()

	token, err := c.StartSession(context.Background(), "dev-1", "tab-1", false)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if token != "tok-123" {
		t.Errorf("token = %q, want tok-123", token)
	}
	if gotForce {
		t.Error("force flag set on normal start")
	}
}

func TestStartSessionConflict(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session already active", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := c.StartSession(context.Background(), "dev-1", "tab-1", false)
	if !errors.Is(err, ErrSessionConflict) {
		t.Errorf("err = %v, want ErrSessionConflict", err)
	}
	if IsTransient(err) {
		t.Error("session conflict classified as transient")
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := c.GetUptime(context.Background(), "dev-1")
	if err == nil {
		t.Fatal("GetUptime succeeded against a failing backend")
	}
	if !IsTransient(err) {
		t.Errorf("5xx not classified as transient: %v", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("err = %v, want APIError 500", err)
	}
}

func TestRequestLoggingUsesContextLogger(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	lg := logger.New(logger.Config{Level: "debug", Format: "json", Output: &buf})
	ctx := logger.WithLogger(context.Background(), lg)

	if _, err := c.GetUptime(ctx, "dev-1"); err == nil {
		t.Fatal("GetUptime succeeded against a failing backend")
	}

	out := buf.String()
	if !strings.Contains(out, "backend request rejected") {
		t.Errorf("context logger saw no request log, got %q", out)
	}
	if !strings.Contains(out, "/uptime/dev-1") {
		t.Errorf("request log missing path, got %q", out)
	}
}

func TestCompleteTaskBody(t *testing.T) {
	var got struct {
		TaskID       string `json:"task_id"`
		TaskType     string `json:"task_type"`
		RewardAmount int64  `json:"reward_amount"`
	}
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/complete" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	if err := c.CompleteTask(context.Background(), "task-1", config.TaskImage, 20); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if got.TaskID != "task-1" || got.TaskType != "image" || got.RewardAmount != 20 {
		t.Errorf("request body = %+v", got)
	}
}

func TestReconcileSessionBody(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uptime/dev-1/reconcile" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			SessionSeconds int64            `json:"session_seconds"`
			CompletedTasks map[string]int64 `json:"completed_tasks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.SessionSeconds != 300 || req.CompletedTasks["image"] != 2 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]int64{"uptime": 3300})
	}))
	defer srv.Close()

	remaining, err := c.ReconcileSession(context.Background(), "dev-1", 300,
		map[config.TaskType]int64{config.TaskImage: 2})
	if err != nil {
		t.Fatalf("ReconcileSession failed: %v", err)
	}
	if remaining != 3300 {
		t.Errorf("remaining = %d, want 3300", remaining)
	}
}

func TestGetEarningsDeduplicates(t *testing.T) {
	var requests atomic.Int64
	release := make(chan struct{})
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		json.NewEncoder(w).Encode(EarningsInfo{Balance: 100, Unclaimed: 10})
	}))
	defer srv.Close()

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*EarningsInfo, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := c.GetEarnings(context.Background())
			if err != nil {
				t.Errorf("GetEarnings failed: %v", err)
				return
			}
			results[i] = info
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight request
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := requests.Load(); n != 1 {
		t.Errorf("backend saw %d requests, want 1", n)
	}
	for i, info := range results {
		if info == nil || info.Balance != 100 {
			t.Errorf("caller %d got %+v", i, info)
		}
	}
}

func TestClaimRewards(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/earnings/claim" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(ClaimResult{NewBalance: 150, Claimed: 50})
	}))
	defer srv.Close()

	res, err := c.ClaimRewards(context.Background())
	if err != nil {
		t.Fatalf("ClaimRewards failed: %v", err)
	}
	if res.NewBalance != 150 || res.Claimed != 50 {
		t.Errorf("result = %+v", res)
	}
}

func TestListDevices(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"devices": []Device{{ID: "dev-1", RewardTier: config.TierWebGPU}},
		})
	}))
	defer srv.Close()

	devices, err := c.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "dev-1" {
		t.Errorf("devices = %+v", devices)
	}
}

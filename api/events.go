package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"swarmnode/config"
)

// ServerEvent is a push notification from the backend. The one the agent
// must act on is session_invalidated: the backend revoked this context's
// session (force takeover from another device or browser).
type ServerEvent struct {
	Type         string `json:"type"`
	DeviceID     string `json:"device_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

// EventSessionInvalidated is the server-side revocation push.
const EventSessionInvalidated = "session_invalidated"

// EventStream maintains the websocket connection to the backend's event
// endpoint, reconnecting with growing backoff on failure.
type EventStream struct {
	url           string
	authToken     string
	retryInterval time.Duration
	maxBackoff    time.Duration
	logger        *slog.Logger
}

// NewEventStream builds a stream from the backend configuration.
func NewEventStream(cfg config.BackendConfig, logger *slog.Logger) *EventStream {
	return &EventStream{
		url:           cfg.EventsURL,
		authToken:     cfg.AuthToken,
		retryInterval: cfg.RetryInterval,
		maxBackoff:    cfg.MaxRetryTime,
		logger:        logger,
	}
}

// Run connects and dispatches events to handle until ctx is cancelled.
// Connection loss doubles the backoff up to the configured cap; a
// successful connection resets it.
func (s *EventStream) Run(ctx context.Context, handle func(ServerEvent)) {
	backoff := s.retryInterval

	for {
		start := time.Now()
		err := s.connectAndRead(ctx, handle)
		if time.Since(start) > time.Minute {
			// The connection held for a while; start backoff over
			backoff = s.retryInterval
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.logger != nil {
				s.logger.Warn("event stream disconnected",
					"error", err,
					"retry_in", backoff)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *EventStream) connectAndRead(ctx context.Context, handle func(ServerEvent)) error {
	header := map[string][]string{}
	if s.authToken != "" {
		header["Authorization"] = []string{"Bearer " + s.authToken}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	if s.logger != nil {
		s.logger.Info("event stream connected", "url", s.url)
	}

	// Unblock the read loop when ctx is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var event ServerEvent
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		handle(event)
	}
}

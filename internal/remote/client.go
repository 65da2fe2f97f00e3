// Package remote talks to the trip backend: request/response mutations over
// HTTP and push events over WebSocket or NATS.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/queue"
)

// ErrNotConfigured is returned when no backend URL is set
var ErrNotConfigured = errors.New("remote base URL not configured")

// StatusError is a non-2xx response from the backend
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps 409 to queue.ErrAlreadyApplied and other 4xx to
// queue.ErrRejected. 5xx stays retryable.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusConflict:
		return queue.ErrAlreadyApplied
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return nil
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return queue.ErrRejected
	}
	return nil
}

// IsRetryable reports whether err is a transport failure or server error
// worth retrying later
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, queue.ErrAlreadyApplied) && !errors.Is(err, queue.ErrRejected)
}

// Client sends queued actions to the backend
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a backend client. token is sent as a Bearer credential.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.With().Str("component", "remote").Logger(),
	}
}

// Configured reports whether a backend URL is set
func (c *Client) Configured() bool { return c.baseURL != "" }

// PathFor returns the backend path an action kind is delivered to
func PathFor(action models.QueuedAction) (string, error) {
	trip := url.PathEscape(action.TripID)
	switch action.Kind {
	case models.ActionBoarding:
		return "/trips/" + trip + "/boarding/pickup", nil
	case models.ActionAlighting:
		return "/trips/" + trip + "/alighting/dropoff", nil
	case models.ActionAbsence:
		return "/trips/" + trip + "/attendance/absent", nil
	case models.ActionLocationPing:
		return "/location", nil
	case models.ActionEmergencyAlert:
		return "/emergency", nil
	case models.ActionTripStart:
		return "/trips/" + trip + "/start", nil
	case models.ActionTripComplete:
		return "/trips/" + trip + "/complete", nil
	}
	return "", fmt.Errorf("no remote operation for action kind %q", action.Kind)
}

// Execute delivers one action. It satisfies queue.Executor.
func (c *Client) Execute(ctx context.Context, action models.QueuedAction) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	path, err := PathFor(action)
	if err != nil {
		// Nothing the backend could ever accept
		return fmt.Errorf("%w: %v", queue.ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(action.Payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", action.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	logger := c.logger.With().
		Str("action_id", action.ID).
		Str("kind", string(action.Kind)).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Logger()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		logger.Debug().Msg("Remote accepted action")
		return nil
	}

	logger.Warn().Msg("Remote refused action")
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

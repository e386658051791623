// Package directory implements the fleet directory client: login and
// proactive token refresh, tag-set retrieval and local validation, and
// best-effort vehicle-hours/transaction sync.
//
// Grounded on battery/fault.go's time.AfterFunc-scheduled debounce
// idiom (repurposed here for scheduling the proactive token refresh)
// and battery/communication.go's bounded-retry-loop shape.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Vehicle is the directory's record for one permitted tag (spec.md §3).
type Vehicle struct {
	Tag                 string  `json:"tag"`
	FleetNumber         string  `json:"fleet_number"`
	TankCapacityLiters  float64 `json:"tank_capacity_liters"`
	CurrentMachineHours int     `json:"current_machine_hours"`
}

const (
	tokenLifetime      = 5 * time.Minute
	tokenRefreshBefore = 30 * time.Second // refresh at 4.5 min
)

// Client is the fleet directory HTTP client.
type Client struct {
	baseURL    string
	username   string
	password   string
	tankID     int
	httpClient *http.Client
	log        *slog.Logger

	mu       sync.RWMutex
	token    string
	tags     map[string]Vehicle
	refresh  *time.Timer
	stopOnce sync.Once
	stopped  chan struct{}
}

// New returns a client for baseURL, not yet logged in. Call Login
// before GetAvailableTagsByTankID/ValidateTag.
func New(baseURL, username, password string, tankID int, log *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		tankID:     tankID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
		tags:       make(map[string]Vehicle),
		stopped:    make(chan struct{}),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login authenticates and schedules a proactive refresh 30s before the
// ~5 minute token lifetime elapses (spec.md §6: "refreshes at 4.5
// minutes").
func (c *Client) Login(ctx context.Context) error {
	var resp loginResponse
	if err := c.doRetry(ctx, http.MethodPost, "/login", loginRequest{c.username, c.password}, &resp); err != nil {
		return fmt.Errorf("directory: login: %w", err)
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	c.scheduleRefresh()
	return nil
}

func (c *Client) scheduleRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refresh != nil {
		c.refresh.Stop()
	}
	c.refresh = time.AfterFunc(tokenLifetime-tokenRefreshBefore, func() {
		select {
		case <-c.stopped:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Login(ctx); err != nil {
			c.log.Warn("token refresh failed", "err", err)
		}
	})
}

// Stop cancels the pending refresh timer.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refresh != nil {
		c.refresh.Stop()
	}
}

// GetAvailableTagsByTankID fetches the set of tags currently permitted
// for the configured tank and caches it for ValidateTag.
func (c *Client) GetAvailableTagsByTankID(ctx context.Context) error {
	var vehicles []Vehicle
	path := fmt.Sprintf("/tanks/%d/tags", c.tankID)
	if err := c.doRetry(ctx, http.MethodGet, path, nil, &vehicles); err != nil {
		return fmt.Errorf("directory: get available tags: %w", err)
	}
	tags := make(map[string]Vehicle, len(vehicles))
	for _, v := range vehicles {
		tags[v.Tag] = v
	}
	c.mu.Lock()
	c.tags = tags
	c.mu.Unlock()
	return nil
}

// ValidateTag looks tag up in the cached vehicle set (a client-side
// lookup, spec.md §6: "validateTag(tag) is a client-side lookup").
func (c *Client) ValidateTag(tag string) (Vehicle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tags[tag]
	return v, ok
}

// UpdateVehicleHours pushes the vehicle's new working-hours reading.
// Best-effort and non-fatal (spec.md §9 Open Question resolution):
// callers must not treat a failure here as ending the refill.
func (c *Client) UpdateVehicleHours(ctx context.Context, tag string, hours int) {
	body := map[string]interface{}{"tag": tag, "machine_hours": hours}
	if err := c.doRetry(ctx, http.MethodPost, "/vehicles/hours", body, nil); err != nil {
		c.log.Warn("update vehicle hours failed (best-effort, non-fatal)", "tag", tag, "err", err)
	}
}

// SyncTransaction pushes a finalized transaction to the directory as
// the eventual system of record. Supplemented from the shape implied
// by original_source/tester.py's operation vocabulary; best-effort,
// never retried past doRetry's own bounded backoff.
func (c *Client) SyncTransaction(ctx context.Context, id, tag, fleetNumber string, liters float64) {
	body := map[string]interface{}{
		"id": id, "tag": tag, "fleet_number": fleetNumber, "dispensed_liters": liters,
	}
	if err := c.doRetry(ctx, http.MethodPost, "/transactions", body, nil); err != nil {
		c.log.Warn("transaction sync failed (best-effort, non-fatal)", "id", id, "err", err)
	}
}

// doRetry issues one HTTP call with up to 3 attempts, retrying only on
// 5xx and transport errors, with linear backoff. Generalized from
// battery/communication.go's bounded-retry-loop shape (serial retry ->
// HTTP retry). The supervisor never sees these retries; it only sees
// the final success/failure (spec.md §6).
func (c *Client) doRetry(ctx context.Context, method, path string, body, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var statusErr *httpStatusError
		if !isRetriable(err, &statusErr) {
			return err
		}
	}
	return lastErr
}

type httpStatusError struct {
	StatusCode int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("directory: unexpected status %d", e.StatusCode)
}

func isRetriable(err error, target **httpStatusError) bool {
	se, ok := err.(*httpStatusError)
	if !ok {
		return true // transport-level error: retry
	}
	*target = se
	return se.StatusCode >= 500
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("directory: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &httpStatusError{StatusCode: resp.StatusCode}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

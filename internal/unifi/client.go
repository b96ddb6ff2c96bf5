package unifi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/protect-motion/internal/config"
	"github.com/nugget/protect-motion/internal/httpkit"
	"github.com/nugget/protect-motion/internal/retry"
)

// Controller API paths.
const (
	authPath      = "/api/auth"
	bootstrapPath = "/api/bootstrap"
	eventsPath    = "/api/events"
)

// maxBodyBytes bounds how much of a controller response is read.
// Bootstrap payloads on large sites run to a few hundred kilobytes.
const maxBodyBytes = 8 << 20

// ClientConfig configures a controller client.
type ClientConfig struct {
	// BaseURL is the controller address including scheme, e.g.
	// "https://192.168.1.1".
	BaseURL string

	// MotionScore is the minimum event score (0-100) that counts as
	// motion.
	MotionScore float64

	// PollInterval is the caller's detection interval. Each detection
	// queries a window of twice this width so consecutive polls overlap.
	PollInterval time.Duration

	// Retry is applied independently to every remote call.
	Retry retry.Policy

	// HTTPClient overrides the default insecure-TLS client.
	HTTPClient *http.Client

	// Logger for structured logging.
	Logger *slog.Logger
}

// Client is a UniFi Protect controller API client. It holds only
// configuration and is safe for concurrent use; sessions are passed in
// by the caller on every call.
type Client struct {
	baseURL      string
	motionScore  float64
	pollInterval time.Duration
	policy       retry.Policy
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

// NewClient creates a controller client. TLS verification is disabled
// on the default HTTP client because Protect controllers use
// self-signed certificates.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithTLSInsecureSkipVerify(),
		)
	}

	policy := cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.Debug("controller call failed, retrying",
				"attempt", attempt,
				"max_attempts", cfg.Retry.MaxAttempts,
				"next_delay", delay.String(),
				"error", err,
			)
		}
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		motionScore:  cfg.MotionScore,
		pollInterval: cfg.PollInterval,
		policy:       policy,
		httpClient:   httpClient,
		logger:       logger,
		now:          time.Now,
	}
}

// reply is a fully read controller response.
type reply struct {
	header http.Header
	status int
	body   []byte
}

// do performs one round trip. Network failures and non-2xx statuses
// other than those listed in accept become a *TransportError; accepted
// statuses are returned for the caller to interpret.
func (c *Client) do(ctx context.Context, method, path string, token string, body any, accept ...int) (*reply, error) {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		return nil, &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	return &reply{header: resp.Header, status: resp.StatusCode, body: data}, nil
}

// Authenticate logs in with username and password. Success requires an
// Authorization header on the response; a 401/403 or a response without
// one yields ErrAuthenticationRejected and is not retried.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Session, error) {
	if username == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}

	payload := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{username, password}

	r, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*reply, error) {
		c.logger.Debug("requesting controller session", "controller", c.baseURL)
		return c.do(ctx, http.MethodPost, authPath, "", payload,
			http.StatusUnauthorized, http.StatusForbidden)
	})
	if err != nil {
		return Session{}, err
	}

	token := r.header.Get("Authorization")
	if r.status >= 300 || token == "" {
		c.logger.Warn("controller answered login without a token",
			"status", r.status,
			"body", truncate(r.body, 256),
		)
		return Session{}, fmt.Errorf("%w: HTTP %d: %s", ErrAuthenticationRejected, r.status, truncate(r.body, 256))
	}
	// Some controller versions echo the scheme back.
	token = strings.TrimPrefix(token, "Bearer ")

	c.logger.Info("authenticated with controller", "controller", c.baseURL)
	return Session{Token: token, CreatedAt: c.now()}, nil
}

// IsSessionValid returns the session unchanged if it exists and is
// younger than SessionTTL. A session exactly SessionTTL old is expired.
func (c *Client) IsSessionValid(session *Session) (Session, error) {
	if session == nil {
		c.logger.Debug("no controller session, a new one is required")
		return Session{}, ErrNoSession
	}
	if c.now().Sub(session.CreatedAt) >= SessionTTL {
		c.logger.Info("controller session expired, a new one is required",
			"created_at", session.CreatedAt.Format(time.RFC3339))
		return Session{}, ErrSessionExpired
	}
	return *session, nil
}

// camera is the subset of a bootstrap camera record used here.
type camera struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
	MAC  string `json:"mac"`
}

// EnumerateSensors lists the controller's cameras as motion sensors.
func (c *Client) EnumerateSensors(ctx context.Context, session Session) ([]Sensor, error) {
	r, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*reply, error) {
		c.logger.Debug("requesting camera list", "controller", c.baseURL)
		return c.do(ctx, http.MethodGet, bootstrapPath, session.Token, nil)
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Cameras *[]camera `json:"cameras"`
	}
	if err := json.Unmarshal(r.body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode bootstrap: %v", ErrMalformedResponse, err)
	}
	if envelope.Cameras == nil {
		return nil, fmt.Errorf("%w: bootstrap has no cameras: %s", ErrMalformedResponse, truncate(r.body, 256))
	}

	cams := *envelope.Cameras
	sensors := make([]Sensor, len(cams))
	for i, cam := range cams {
		sensors[i] = Sensor{
			ID:         cam.ID,
			Name:       cam.Name,
			Address:    cam.Host,
			HardwareID: cam.MAC,
		}
	}

	c.logger.Info("cameras retrieved", "count", len(sensors))
	return sensors, nil
}

// DetectMotion queries motion events from the last two poll intervals
// and sets MotionDetected on each target: true iff at least one event
// for that camera scored at or above the threshold. Flags are
// overwritten, never accumulated. targets is modified in place and
// returned.
func (c *Client) DetectMotion(ctx context.Context, session Session, targets []Sensor) ([]Sensor, error) {
	end := c.now()
	start := end.Add(-2 * c.pollInterval)

	q := url.Values{}
	q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("type", "motion")
	path := eventsPath + "?" + q.Encode()

	r, err := retry.Do(ctx, c.policy, func(ctx context.Context) (*reply, error) {
		return c.do(ctx, http.MethodGet, path, session.Token, nil)
	})
	if err != nil {
		return nil, err
	}

	events, err := decodeEvents(r.body)
	if err != nil {
		return nil, err
	}

	applyEvents(targets, events, c.motionScore)
	c.logger.Log(ctx, config.LevelTrace, "motion events evaluated",
		"events", len(events),
		"targets", len(targets),
		"threshold", c.motionScore,
	)
	return targets, nil
}

// decodeEvents accepts either an array of events or an error object.
func decodeEvents(body []byte) ([]MotionEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj struct {
			Error   json.RawMessage `json:"error"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("%w: decode events: %v", ErrMalformedResponse, err)
		}
		if isSet(obj.Error) || obj.Message != "" {
			return nil, &RemoteError{Op: "GET " + eventsPath, Body: truncate(trimmed, 256)}
		}
		return nil, fmt.Errorf("%w: events is an object without error: %s", ErrMalformedResponse, truncate(trimmed, 256))
	}

	var events []MotionEvent
	if err := json.Unmarshal(trimmed, &events); err != nil {
		return nil, fmt.Errorf("%w: decode events: %v", ErrMalformedResponse, err)
	}
	return events, nil
}

// applyEvents sets each target's flag from events scoring >= threshold.
func applyEvents(targets []Sensor, events []MotionEvent, threshold float64) {
	moving := make(map[string]bool, len(targets))
	for _, e := range events {
		if e.Score >= threshold {
			moving[e.Camera] = true
		}
	}
	for i := range targets {
		targets[i].MotionDetected = moving[targets[i].ID]
	}
}

// isSet reports whether a raw JSON error field carries a truthy value.
func isSet(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", `""`, "0":
		return false
	}
	return true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

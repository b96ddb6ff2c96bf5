package unifi

import (
	"context"
	"fmt"
	"log/slog"
)

// Flows owns the controller session and the current sensor roster and
// exposes the operations the bridge runs. Any failure after the session
// check clears the stored session, so the next call logs in again
// instead of retrying a token the controller may have dropped.
//
// Flows does no locking. Callers must run at most one flow at a time.
type Flows struct {
	controller Controller
	username   string
	password   string
	logger     *slog.Logger

	session *Session
	roster  []Sensor
}

// NewFlows creates a Flows with no session and an empty roster.
func NewFlows(controller Controller, username, password string, logger *slog.Logger) *Flows {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flows{
		controller: controller,
		username:   username,
		password:   password,
		logger:     logger,
	}
}

// Session returns the stored session, or nil if there is none.
func (f *Flows) Session() *Session {
	if f.session == nil {
		return nil
	}
	s := *f.session
	return &s
}

// Roster returns a copy of the sensors from the last successful
// Enumerate.
func (f *Flows) Roster() []Sensor {
	return append([]Sensor(nil), f.roster...)
}

// EnsureAuthenticated returns the stored session if it is still valid,
// and otherwise logs in and stores the new session. Login failures are
// wrapped with ErrAuthenticationFailed and leave no session stored.
func (f *Flows) EnsureAuthenticated(ctx context.Context) (Session, error) {
	if s, err := f.controller.IsSessionValid(f.session); err == nil {
		return s, nil
	}

	f.session = nil
	s, err := f.controller.Authenticate(ctx, f.username, f.password)
	if err != nil {
		f.logger.Warn("controller authentication failed", "error", err)
		return Session{}, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	f.session = &s
	return s, nil
}

// Enumerate authenticates if needed, lists the controller's cameras and
// replaces the roster with the result.
func (f *Flows) Enumerate(ctx context.Context) ([]Sensor, error) {
	s, err := f.EnsureAuthenticated(ctx)
	if err != nil {
		f.session = nil
		return nil, err
	}

	sensors, err := f.controller.EnumerateSensors(ctx, s)
	if err != nil {
		f.session = nil
		f.logger.Error("could not enumerate motion sensors", "error", err)
		return nil, fmt.Errorf("enumerate sensors: %w", err)
	}

	f.roster = sensors
	return sensors, nil
}

// Detect authenticates if needed and sets MotionDetected on each target
// from the controller's recent motion events.
func (f *Flows) Detect(ctx context.Context, targets []Sensor) ([]Sensor, error) {
	s, err := f.EnsureAuthenticated(ctx)
	if err != nil {
		f.session = nil
		return nil, err
	}

	sensors, err := f.controller.DetectMotion(ctx, s, targets)
	if err != nil {
		f.session = nil
		f.logger.Error("could not detect motion", "error", err)
		return nil, fmt.Errorf("detect motion: %w", err)
	}

	return sensors, nil
}

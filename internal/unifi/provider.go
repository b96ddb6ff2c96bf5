// Package unifi talks to a UniFi Protect controller and turns its camera
// list and motion-event feed into per-camera motion sensors.
//
// [Client] is the stateless HTTP side: it authenticates, lists cameras
// and queries motion events, wrapping every remote call in a bounded
// exponential backoff. [Flows] owns the session and the sensor roster
// and composes client calls into the three operations callers use:
// EnsureAuthenticated, Enumerate and Detect. [Poller] is the timer that
// drives Detect and pushes results to an accessory registry.
package unifi

import (
	"context"
	"time"
)

// SessionTTL is how long a controller session is trusted after login.
// The controller does not report token lifetime, so the bridge assumes
// twelve hours and re-authenticates after that.
const SessionTTL = 12 * time.Hour

// Session is an authenticated controller session. The zero value is
// not a usable session.
type Session struct {
	Token     string    // value of the Authorization header from /api/auth
	CreatedAt time.Time // when the controller issued Token
}

// Sensor is a motion sensor derived from one controller camera. ID is
// the controller's camera id and is stable across polls.
type Sensor struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Address        string `json:"address"`     // camera host/IP
	HardwareID     string `json:"hardware_id"` // camera MAC
	MotionDetected bool   `json:"motion_detected"`
}

// MotionEvent is one entry from the controller's event feed. Only the
// fields needed to score motion are decoded.
type MotionEvent struct {
	Camera string  `json:"camera"`
	Score  float64 `json:"score"`
}

// Controller is the set of controller operations [Flows] composes.
// [Client] implements it; tests substitute a fake.
type Controller interface {
	// Authenticate logs in and returns a fresh session.
	Authenticate(ctx context.Context, username, password string) (Session, error)

	// IsSessionValid returns the session if it is present and younger
	// than SessionTTL. It never touches the network.
	IsSessionValid(session *Session) (Session, error)

	// EnumerateSensors lists the controller's cameras as sensors in
	// controller order, all with MotionDetected false.
	EnumerateSensors(ctx context.Context, session Session) ([]Sensor, error)

	// DetectMotion overwrites MotionDetected on every target from the
	// recent event window and returns the same slice.
	DetectMotion(ctx context.Context, session Session, targets []Sensor) ([]Sensor, error)
}

package unifi

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MotionDetector runs one detection over the current roster. The bridge
// implements it on top of [Flows.Detect].
type MotionDetector interface {
	DetectMotion(ctx context.Context) ([]Sensor, error)
}

// MotionUpdater receives motion state changes for individual sensors.
// Keeps the unifi package decoupled from the accessory registry.
type MotionUpdater interface {
	SetMotion(ctx context.Context, sensor Sensor)
}

// MotionFilter post-processes a raw motion flag, e.g. to confirm motion
// with an object detector. It returns the flag to report.
type MotionFilter func(ctx context.Context, sensor Sensor) bool

// PollerConfig configures the motion poller.
type PollerConfig struct {
	// Detector performs one detection cycle.
	Detector MotionDetector

	// Updater receives state changes.
	Updater MotionUpdater

	// Filter is applied to every sensor whose raw flag is true.
	// Optional.
	Filter MotionFilter

	// PollInterval is how often to run detection.
	PollInterval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// Poller runs motion detection on a fixed interval and forwards state
// changes to the updater. A failed cycle is logged and skipped; the
// next tick tries again.
type Poller struct {
	cfg PollerConfig

	mu   sync.Mutex
	last map[string]bool // sensor id → last reported flag
}

// NewPoller creates a motion poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		cfg:  cfg,
		last: make(map[string]bool),
	}
}

// Start runs the polling loop until ctx is cancelled. It blocks.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	sensors, err := p.cfg.Detector.DetectMotion(ctx)
	if err != nil {
		p.cfg.Logger.Warn("motion poll failed, skipping cycle", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(sensors))
	for _, s := range sensors {
		seen[s.ID] = true

		if s.MotionDetected && p.cfg.Filter != nil && !p.cfg.Filter(ctx, s) {
			p.cfg.Logger.Debug("motion suppressed by filter", "camera", s.ID, "name", s.Name)
			s.MotionDetected = false
		}

		prev, known := p.last[s.ID]
		if known && prev == s.MotionDetected {
			continue
		}
		p.last[s.ID] = s.MotionDetected

		p.cfg.Updater.SetMotion(ctx, s)
		p.cfg.Logger.Info("motion state changed",
			"camera", s.ID,
			"name", s.Name,
			"motion", s.MotionDetected,
		)
	}

	// Forget sensors that left the roster so a returning camera is
	// reported fresh.
	for id := range p.last {
		if !seen[id] {
			delete(p.last, id)
		}
	}
}

// Package bridge connects the controller flows to the accessory side:
// it keeps the camera roster in step with the accessory cache and the
// MQTT publisher, and feeds motion results from each poll to them.
//
// All controller work goes through one mutex, so at most one flow runs
// at a time no matter how many goroutines (poller, roster refresh, CLI)
// call in.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/protect-motion/internal/accessory"
	"github.com/nugget/protect-motion/internal/unifi"
)

// Flows is the controller side, satisfied by [unifi.Flows].
type Flows interface {
	Enumerate(ctx context.Context) ([]unifi.Sensor, error)
	Detect(ctx context.Context, targets []unifi.Sensor) ([]unifi.Sensor, error)
}

// Publisher exposes sensors to the home automation side, satisfied by
// the MQTT publisher.
type Publisher interface {
	Register(ctx context.Context, sensors []unifi.Sensor)
	Unregister(ctx context.Context, ids []string)
	SetMotion(ctx context.Context, sensor unifi.Sensor)
}

// Cache persists known accessories across restarts, satisfied by
// [accessory.Store].
type Cache interface {
	List() ([]accessory.Accessory, error)
	Reconcile(roster []unifi.Sensor) (accessory.Diff, error)
	SetMotion(id string, motion bool) error
	Delete(id string) error
}

// Recorder receives activity for metrics, satisfied by
// [metrics.Metrics].
type Recorder interface {
	ObserveFlow(flow string, err error)
	ObservePoll(d time.Duration)
	SetSensors(n int)
	SetMotion(sensor unifi.Sensor)
	RemoveSensor(id string)
}

// Config wires a Bridge. Flows is required; the rest are optional.
type Config struct {
	Flows     Flows
	Publisher Publisher
	Cache     Cache
	Metrics   Recorder
	Logger    *slog.Logger
}

// Bridge serializes controller flows and propagates their results.
type Bridge struct {
	flows     Flows
	publisher Publisher
	cache     Cache
	metrics   Recorder
	logger    *slog.Logger

	mu     sync.Mutex
	roster []unifi.Sensor
}

// New creates a Bridge with an empty roster.
func New(cfg Config) *Bridge {
	b := &Bridge{
		flows:     cfg.Flows,
		publisher: cfg.Publisher,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if b.publisher == nil {
		b.publisher = nopPublisher{}
	}
	if b.metrics == nil {
		b.metrics = nopRecorder{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Roster returns a copy of the current roster.
func (b *Bridge) Roster() []unifi.Sensor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]unifi.Sensor(nil), b.roster...)
}

// Restore loads cached accessories and registers them so they appear,
// with their last known state, before the controller is reachable.
func (b *Bridge) Restore(ctx context.Context) error {
	if b.cache == nil {
		return nil
	}

	cached, err := b.cache.List()
	if err != nil {
		return err
	}

	sensors := make([]unifi.Sensor, len(cached))
	for i, a := range cached {
		sensors[i] = a.Sensor
	}

	b.mu.Lock()
	b.roster = sensors
	b.mu.Unlock()

	if len(sensors) > 0 {
		b.publisher.Register(ctx, sensors)
	}
	for _, s := range sensors {
		b.metrics.SetMotion(s)
	}
	b.metrics.SetSensors(len(sensors))

	b.logger.Info("accessories restored from cache", "count", len(sensors))
	return nil
}

// Refresh enumerates the controller's cameras and reconciles them with
// the cache and the publisher: new cameras are registered, vanished
// ones unregistered and known ones refreshed.
func (b *Bridge) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sensors, err := b.flows.Enumerate(ctx)
	b.metrics.ObserveFlow("enumerate", err)
	if err != nil {
		return err
	}

	var (
		register []unifi.Sensor
		removed  []string
		cached   bool
	)
	if b.cache != nil {
		diff, err := b.cache.Reconcile(sensors)
		if err != nil {
			b.logger.Error("accessory cache reconcile failed", "error", err)
		} else {
			cached = true
			register = append(append([]unifi.Sensor(nil), diff.Added...), diff.Updated...)
			removed = diff.Removed
			sensors = carryMotion(sensors, diff.Updated)
			if !diff.Empty() {
				b.logger.Info("camera roster changed",
					"added", len(diff.Added),
					"removed", len(diff.Removed),
				)
			}
		}
	}
	if !cached {
		removed = missing(b.roster, sensors)
		sensors = carryMotion(sensors, b.roster)
		register = sensors
		if b.cache != nil {
			for _, id := range removed {
				if err := b.cache.Delete(id); err != nil {
					b.logger.Warn("accessory cache delete failed", "camera", id, "error", err)
				}
			}
		}
	}

	if len(removed) > 0 {
		b.publisher.Unregister(ctx, removed)
		for _, id := range removed {
			b.metrics.RemoveSensor(id)
		}
	}
	if len(register) > 0 {
		b.publisher.Register(ctx, register)
	}

	b.roster = sensors
	b.metrics.SetSensors(len(sensors))
	b.logger.Debug("camera roster refreshed", "count", len(sensors))
	return nil
}

// DetectMotion runs one detection over the current roster and returns
// the sensors with fresh flags. An empty roster skips the controller.
func (b *Bridge) DetectMotion(ctx context.Context) ([]unifi.Sensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.roster) == 0 {
		b.logger.Debug("no cameras known, skipping motion poll")
		return nil, nil
	}

	targets := append([]unifi.Sensor(nil), b.roster...)

	start := time.Now()
	result, err := b.flows.Detect(ctx, targets)
	b.metrics.ObservePoll(time.Since(start))
	b.metrics.ObserveFlow("detect", err)
	if err != nil {
		return nil, err
	}

	b.roster = append([]unifi.Sensor(nil), result...)
	return append([]unifi.Sensor(nil), result...), nil
}

// SetMotion forwards a motion change to the publisher, the cache and
// the metrics.
func (b *Bridge) SetMotion(ctx context.Context, s unifi.Sensor) {
	b.publisher.SetMotion(ctx, s)
	b.metrics.SetMotion(s)
	if b.cache != nil {
		if err := b.cache.SetMotion(s.ID, s.MotionDetected); err != nil {
			b.logger.Warn("could not cache motion state", "camera", s.ID, "error", err)
		}
	}
}

// carryMotion copies motion flags from known onto roster by id.
func carryMotion(roster, known []unifi.Sensor) []unifi.Sensor {
	flags := make(map[string]bool, len(known))
	for _, s := range known {
		flags[s.ID] = s.MotionDetected
	}
	out := make([]unifi.Sensor, len(roster))
	for i, s := range roster {
		s.MotionDetected = flags[s.ID]
		out[i] = s
	}
	return out
}

// missing returns the ids in prev that are absent from next.
func missing(prev, next []unifi.Sensor) []string {
	present := make(map[string]bool, len(next))
	for _, s := range next {
		present[s.ID] = true
	}
	var ids []string
	for _, s := range prev {
		if !present[s.ID] {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

type nopPublisher struct{}

func (nopPublisher) Register(context.Context, []unifi.Sensor) {}
func (nopPublisher) Unregister(context.Context, []string) {}
func (nopPublisher) SetMotion(context.Context, unifi.Sensor) {}

type nopRecorder struct{}

func (nopRecorder) ObserveFlow(string, error) {}
func (nopRecorder) ObservePoll(time.Duration) {}
func (nopRecorder) SetSensors(int) {}
func (nopRecorder) SetMotion(unifi.Sensor) {}
func (nopRecorder) RemoveSensor(string) {}

package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/protect-motion/internal/buildinfo"
	"github.com/nugget/protect-motion/internal/config"
	"github.com/nugget/protect-motion/internal/unifi"
)

// diagnosticInterval is how often the bridge diagnostics are refreshed
// so the daily counter shows its midnight reset without waiting for
// motion.
const diagnosticInterval = time.Minute

// publishClient is the subset of [autopaho.ConnectionManager] used to
// publish. Tests substitute a recorder.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and mirrors the camera roster
// and motion states into Home Assistant. Register, Unregister and
// SetMotion may be called before the broker connects; state is kept and
// published on the next (re-)connect.
type Publisher struct {
	cfg         config.MQTTConfig
	instanceID  string
	device      DeviceInfo
	activations *DailyCounter
	logger      *slog.Logger

	cm *autopaho.ConnectionManager

	// stateMu serializes everything that publishes camera discovery or
	// state, so a full republish can never overwrite a newer flag with
	// an older one. Always taken before mu.
	stateMu sync.Mutex

	mu      sync.Mutex
	conn    publishClient
	sensors map[string]unifi.Sensor // camera id → registered sensor
	motion  map[string]bool         // camera id → last published flag
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, activations *DailyCounter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if activations == nil {
		activations = NewDailyCounter(nil)
	}
	return &Publisher{
		cfg:         cfg,
		instanceID:  instanceID,
		device:      NewDeviceInfo(instanceID, cfg.DeviceName),
		activations: activations,
		logger:      logger,
		sensors:     make(map[string]unifi.Sensor),
		motion:      make(map[string]bool),
	}
}

// Device returns the bridge's HA device block.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and refreshes the bridge
// diagnostics periodically. It blocks until ctx is cancelled. On every
// (re-)connect it publishes discovery configs, states and a birth
// message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	statusTopic := p.haStatusTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.setConn(cm)
			p.publishAll(ctx)

			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: statusTopic, QoS: 1}},
			}); err != nil {
				p.logger.Warn("mqtt subscribe failed", "topic", statusTopic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "protect-motion-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" availability and closes the connection.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used as the connwatch health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) setConn(c publishClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = c
}

func (p *Publisher) client() publishClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "protect-motion/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) motionTopic(cameraID string) string {
	return p.baseTopic() + "/camera/" + objectID(cameraID) + "/motion"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

func (p *Publisher) cameraDiscoveryTopic(cameraID string) string {
	return p.discoveryTopic("binary_sensor", objectID(cameraID)+"_motion")
}

func (p *Publisher) haStatusTopic() string {
	return p.cfg.DiscoveryPrefix + "/status"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// diagnosticDefinitions describes the bridge's own sensors.
func (p *Publisher) diagnosticDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	def := func(suffix, name, icon string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:              name,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + suffix,
				ObjectID:          suffix,
				StateTopic:        p.stateTopic(suffix),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              icon,
			},
		}
	}

	version := def("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	sensors := def("sensors", "Motion Sensors", "mdi:cctv")
	sensors.config.EntityCategory = "diagnostic"
	sensors.config.StateClass = "measurement"

	activations := def("activations_today", "Motion Activations Today", "mdi:motion-sensor")
	activations.config.StateClass = "total_increasing"
	activations.config.UnitOfMeasurement = "activations"

	return []sensorDef{version, sensors, activations}
}

// cameraDefinition describes the motion binary_sensor of one camera.
func (p *Publisher) cameraDefinition(s unifi.Sensor) SensorConfig {
	oid := objectID(s.ID)
	return SensorConfig{
		Name:              "Motion",
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + oid + "_motion",
		ObjectID:          oid + "_motion",
		StateTopic:        p.motionTopic(s.ID),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            CameraDeviceInfo(p.instanceID, s),
		DeviceClass:       "motion",
		PayloadOn:         payloadOn,
		PayloadOff:        payloadOff,
	}
}

// publishAll sends every discovery config and state plus the birth
// message. Called on (re-)connect and when Home Assistant restarts.
func (p *Publisher) publishAll(ctx context.Context) {
	for _, d := range p.diagnosticDefinitions() {
		p.publishJSON(ctx, p.discoveryTopic("sensor", d.entitySuffix), d.config)
	}

	p.stateMu.Lock()
	p.mu.Lock()
	sensors := make([]unifi.Sensor, 0, len(p.sensors))
	for _, s := range p.sensors {
		sensors = append(sensors, s)
	}
	p.mu.Unlock()

	sort.Slice(sensors, func(i, j int) bool { return sensors[i].ID < sensors[j].ID })
	for _, s := range sensors {
		p.publishJSON(ctx, p.cameraDiscoveryTopic(s.ID), p.cameraDefinition(s))
		p.publishMotion(ctx, s.ID, p.Motion(s.ID))
	}
	p.stateMu.Unlock()

	p.publishAvailability(ctx, "online")
	p.publishDiagnostics(ctx)
}

// handleMessage reacts to Home Assistant's birth message by
// republishing everything, since HA drops non-retained state on restart.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.haStatusTopic() {
		return
	}
	p.logger.Debug("home assistant status", "status", string(payload))
	if string(payload) == "online" {
		go p.publishAll(ctx)
	}
}

// --- Roster and state ---

// Register adds or updates camera motion sensors and publishes their
// discovery configs. New cameras start with motion off unless a state
// was already known.
func (p *Publisher) Register(ctx context.Context, sensors []unifi.Sensor) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	p.mu.Lock()
	for _, s := range sensors {
		p.sensors[s.ID] = s
		if _, ok := p.motion[s.ID]; !ok {
			p.motion[s.ID] = s.MotionDetected
		}
	}
	p.mu.Unlock()

	for _, s := range sensors {
		p.publishJSON(ctx, p.cameraDiscoveryTopic(s.ID), p.cameraDefinition(s))
		p.publishMotion(ctx, s.ID, p.Motion(s.ID))
		p.logger.Info("motion sensor registered", "camera", s.ID, "name", s.Name)
	}
	p.publishDiagnostics(ctx)
}

// Unregister removes camera motion sensors. An empty retained discovery
// payload makes Home Assistant delete the entity.
func (p *Publisher) Unregister(ctx context.Context, ids []string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	p.mu.Lock()
	for _, id := range ids {
		delete(p.sensors, id)
		delete(p.motion, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.publish(ctx, p.cameraDiscoveryTopic(id), nil, 1, true)
		p.publish(ctx, p.motionTopic(id), nil, 1, true)
		p.logger.Info("motion sensor removed", "camera", id)
	}
	p.publishDiagnostics(ctx)
}

// SetMotion publishes a camera's motion flag. An off → on transition
// counts as one activation. Unregistered cameras are ignored.
func (p *Publisher) SetMotion(ctx context.Context, s unifi.Sensor) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	p.mu.Lock()
	if _, ok := p.sensors[s.ID]; !ok {
		p.mu.Unlock()
		p.logger.Debug("motion for unregistered camera ignored", "camera", s.ID)
		return
	}
	prev := p.motion[s.ID]
	p.motion[s.ID] = s.MotionDetected
	p.mu.Unlock()

	if s.MotionDetected && !prev {
		p.activations.Inc()
		p.publishDiagnostics(ctx)
	}
	p.publishMotion(ctx, s.ID, s.MotionDetected)
}

// Motion returns the last flag recorded for a camera.
func (p *Publisher) Motion(cameraID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.motion[cameraID]
}

// Registered returns the ids of all registered cameras, sorted.
func (p *Publisher) Registered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sensors))
	for id := range p.sensors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- Publishing ---

func (p *Publisher) publishMotion(ctx context.Context, cameraID string, motion bool) {
	payload := payloadOff
	if motion {
		payload = payloadOn
	}
	p.publish(ctx, p.motionTopic(cameraID), []byte(payload), 1, true)
}

func (p *Publisher) publishDiagnostics(ctx context.Context) {
	states := map[string]string{
		"version":           buildinfo.Version,
		"sensors":           strconv.Itoa(len(p.Registered())),
		"activations_today": strconv.FormatInt(p.activations.Snapshot(), 10),
	}
	for entity, value := range states {
		p.publish(ctx, p.stateTopic(entity), []byte(value), 0, true)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if p.publish(ctx, p.availabilityTopic(), []byte(status), 1, true) {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "topic", topic, "error", err)
		return
	}
	if p.publish(ctx, topic, payload, 1, true) {
		p.logger.Debug("mqtt discovery published", "topic", topic)
	}
}

// publish sends one message if connected and reports whether it was
// accepted. Failures are logged; autopaho reconnects on its own and the
// next connect republishes everything.
func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) bool {
	c := p.client()
	if c == nil {
		return false
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// --- Periodic diagnostics loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(diagnosticInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishDiagnostics(ctx)
		}
	}
}

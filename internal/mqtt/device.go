package mqtt

import (
	"regexp"
	"strings"

	"github.com/nugget/protect-motion/internal/buildinfo"
	"github.com/nugget/protect-motion/internal/unifi"
)

// DeviceInfo holds the Home Assistant device registry fields embedded in
// discovery payloads. The bridge is one device; every camera is its own
// device linked to the bridge through ViaDevice.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	SerialNumber string      `json:"serial_number,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
	ViaDevice    string      `json:"via_device,omitempty"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor or
// binary_sensor discovery message. It is published (retained) to the
// discovery topic on every broker (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	ObjectID          string     `json:"object_id,omitempty"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	PayloadOn         string     `json:"payload_on,omitempty"`
	PayloadOff        string     `json:"payload_off,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// Motion state payloads.
const (
	payloadOn  = "ON"
	payloadOff = "OFF"
)

// NewDeviceInfo creates the bridge's own DeviceInfo from the persistent
// instance ID and the human-readable device name. The instance ID is
// the primary HA device identifier (stable across renames); the device
// name appears in the HA UI.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "protect-motion",
		Model:        "UniFi Protect Motion Bridge",
		SWVersion:    buildinfo.Version,
	}
}

// CameraDeviceInfo describes a camera as its own HA device, reachable
// via the bridge identified by instanceID.
func CameraDeviceInfo(instanceID string, s unifi.Sensor) DeviceInfo {
	d := DeviceInfo{
		Identifiers:  []string{"unifi_protect_" + objectID(s.ID)},
		Name:         s.Name,
		Manufacturer: "Ubiquiti Networks",
		Model:        "UniFi Protect Camera",
		SerialNumber: s.ID,
		ViaDevice:    instanceID,
	}
	if d.Name == "" {
		d.Name = s.ID
	}
	if s.HardwareID != "" {
		d.Connections = [][2]string{{"mac", strings.ToLower(s.HardwareID)}}
	}
	return d
}

var unsafeTopicChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// objectID converts a camera id into a string usable as an MQTT topic
// level and HA object id.
func objectID(id string) string {
	return strings.Trim(unsafeTopicChars.ReplaceAllString(strings.ToLower(id), "_"), "_")
}

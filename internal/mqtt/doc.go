// Package mqtt exposes UniFi Protect cameras to Home Assistant as MQTT
// motion sensors.
//
// Each camera becomes a binary_sensor with device_class motion, grouped
// under its own HA device and linked to the bridge device. The bridge
// itself carries a few diagnostic sensors (version, sensor count,
// motion activations today).
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect, and whenever Home Assistant announces "online" on its
// status topic, it republishes retained discovery configs, the last
// known motion states and a birth message ("online") to the
// availability topic. A will message flips availability to "offline"
// on unexpected disconnects.
package mqtt

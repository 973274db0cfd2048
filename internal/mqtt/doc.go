// Package mqtt bridges broker presence and table telemetry onto an MQTT
// topic tree for external automation and monitoring. It publishes a
// retained online/offline state for the broker itself, a retained
// online/offline state per connected app, and a periodic gauge of every
// registered table's item count.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic and
// re-announces every app currently connected, since a reconnect after
// a network partition may have missed retained-message replacement on
// the broker side. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
package mqtt

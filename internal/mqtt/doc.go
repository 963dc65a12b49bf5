// Package mqtt mirrors dispatched events to an MQTT broker so external
// tools can observe chorus without joining a chat channel. Every event
// is published as JSON to <prefix>/events/<type>. The mirror is a
// dispatcher listener only; it never provides event types.
//
// The mirror uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained birth message ("online") to the availability
// topic. A will message ensures the availability topic transitions to
// "offline" on unexpected disconnects.
package mqtt

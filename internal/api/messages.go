// Package api defines the WebSocket message envelopes.
package api

import (
	"github.com/nvwatch/nvwatch/internal/device"
	"github.com/nvwatch/nvwatch/internal/procwatch"
	"github.com/nvwatch/nvwatch/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Devices    []device.Info   `json:"devices"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, devices []device.Info, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Devices:    devices,
		Features:   features,
	}
}

// StatusMessage wraps a per-tick telemetry record for transport.
type StatusMessage struct {
	Type string `json:"type"`
	sampler.Status
}

// NewStatusMessage constructs a status payload.
func NewStatusMessage(status sampler.Status) StatusMessage {
	return StatusMessage{
		Type:   "status",
		Status: status,
	}
}

// ProcsMessage wraps the per-device process snapshots for transport.
type ProcsMessage struct {
	Type      string               `json:"type"`
	Snapshots []procwatch.Snapshot `json:"snapshots"`
}

// NewProcsMessage constructs a procs payload.
func NewProcsMessage(snapshots []procwatch.Snapshot) ProcsMessage {
	return ProcsMessage{
		Type:      "procs",
		Snapshots: snapshots,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// Package procwatch periodically enumerates the compute processes resident
// on each device and fans the snapshots out to subscribers.
package procwatch

import "time"

// Process describes one compute process on a device.
type Process struct {
	PID      uint32 `json:"pid"`
	Name     string `json:"name,omitempty"`
	UsedVRAM uint64 `json:"used_vram"`
}

// Snapshot is the process list for a single device at one scan.
type Snapshot struct {
	DeviceIndex int       `json:"device_index"`
	Timestamp   time.Time `json:"ts"`
	Processes   []Process `json:"processes"`
}

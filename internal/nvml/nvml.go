// Package nvml abstracts the NVIDIA Management Library behind a small
// interface so the rest of the application can be exercised against fakes.
package nvml

import "errors"

// ErrUnknown matches the NVML "Unknown Error" status. In practice this shows
// up on laptops running on battery with the discrete GPU powered down.
var ErrUnknown = errors.New("nvml: unknown error")

// Library is the process-wide entry point to the management library.
type Library interface {
	Init() error
	Shutdown() error
	DeviceCount() (int, error)
	DeviceByIndex(index int) (Device, error)
	DriverVersion() (string, error)
}

// Device exposes the per-device queries the application relies on.
type Device interface {
	Name() (string, error)
	UtilizationRates() (Utilization, error)
	MemoryInfo() (Memory, error)
	Temperature() (uint32, error)
	PCIInfo() (PCIInfo, error)
	ComputeProcesses() ([]ProcessInfo, error)
}

// Utilization holds engine busy percentages over the last sample period.
type Utilization struct {
	GPU    uint32
	Memory uint32
}

// Memory holds framebuffer usage in bytes.
type Memory struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// PCIInfo identifies a device on the PCI bus.
type PCIInfo struct {
	BusID       string
	VendorID    uint16
	DeviceID    uint16
	SubVendorID uint16
	SubDeviceID uint16
}

// ProcessInfo describes one compute process resident on a device.
type ProcessInfo struct {
	PID           uint32
	UsedGPUMemory uint64
}

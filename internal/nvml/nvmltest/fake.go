// Package nvmltest provides an in-memory nvml.Library implementation for
// tests. Every query records a call count and can be made to fail either
// unconditionally or on a specific call number.
package nvmltest

import (
	"fmt"
	"sync"

	"github.com/nvwatch/nvwatch/internal/nvml"
)

// Library is a fake nvml.Library. The zero value reports zero devices.
type Library struct {
	mu sync.Mutex

	InitErr          error
	CountErr         error
	DriverVersionVal string
	DriverVersionErr error
	Devices          []*Device
	HandleErrs       map[int]error

	InitCalls     int
	ShutdownCalls int
}

func (l *Library) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.InitCalls++
	return l.InitErr
}

func (l *Library) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ShutdownCalls++
	return nil
}

func (l *Library) DeviceCount() (int, error) {
	if l.CountErr != nil {
		return 0, l.CountErr
	}
	return len(l.Devices), nil
}

func (l *Library) DeviceByIndex(index int) (nvml.Device, error) {
	if err := l.HandleErrs[index]; err != nil {
		return nil, err
	}
	if index < 0 || index >= len(l.Devices) {
		return nil, fmt.Errorf("nvmltest: no device at index %d", index)
	}
	return l.Devices[index], nil
}

func (l *Library) DriverVersion() (string, error) {
	if l.DriverVersionErr != nil {
		return "", l.DriverVersionErr
	}
	if l.DriverVersionVal == "" {
		return "000.00", nil
	}
	return l.DriverVersionVal, nil
}

// Device is a fake nvml.Device. Per-metric Func hooks, when set, take
// precedence over the static value/error pairs and receive the 1-based
// call number.
type Device struct {
	mu sync.Mutex

	NameVal string
	NameErr error

	UtilizationVal  nvml.Utilization
	UtilizationErr  error
	UtilizationFunc func(call int) (nvml.Utilization, error)

	MemoryVal  nvml.Memory
	MemoryErr  error
	MemoryFunc func(call int) (nvml.Memory, error)

	TemperatureVal  uint32
	TemperatureErr  error
	TemperatureFunc func(call int) (uint32, error)

	PCIVal nvml.PCIInfo
	PCIErr error

	ProcessesVal []nvml.ProcessInfo
	ProcessesErr error

	NameCalls        int
	UtilizationCalls int
	MemoryCalls      int
	TemperatureCalls int
	ProcessesCalls   int
}

func (d *Device) Name() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.NameCalls++
	return d.NameVal, d.NameErr
}

func (d *Device) UtilizationRates() (nvml.Utilization, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UtilizationCalls++
	if d.UtilizationFunc != nil {
		return d.UtilizationFunc(d.UtilizationCalls)
	}
	return d.UtilizationVal, d.UtilizationErr
}

func (d *Device) MemoryInfo() (nvml.Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.MemoryCalls++
	if d.MemoryFunc != nil {
		return d.MemoryFunc(d.MemoryCalls)
	}
	return d.MemoryVal, d.MemoryErr
}

func (d *Device) Temperature() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TemperatureCalls++
	if d.TemperatureFunc != nil {
		return d.TemperatureFunc(d.TemperatureCalls)
	}
	return d.TemperatureVal, d.TemperatureErr
}

func (d *Device) PCIInfo() (nvml.PCIInfo, error) {
	return d.PCIVal, d.PCIErr
}

func (d *Device) ComputeProcesses() ([]nvml.ProcessInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ProcessesCalls++
	if d.ProcessesErr != nil {
		return nil, d.ProcessesErr
	}
	return append([]nvml.ProcessInfo(nil), d.ProcessesVal...), nil
}

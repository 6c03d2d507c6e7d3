package nvml

import (
	"fmt"

	nvmlapi "github.com/NVIDIA/go-nvml/pkg/nvml"
)

// New returns the Library backed by the system NVML shared library.
func New() Library {
	return systemLibrary{}
}

type systemLibrary struct{}

func (systemLibrary) Init() error {
	return errorFrom(nvmlapi.Init())
}

func (systemLibrary) Shutdown() error {
	return errorFrom(nvmlapi.Shutdown())
}

func (systemLibrary) DeviceCount() (int, error) {
	count, ret := nvmlapi.DeviceGetCount()
	if err := errorFrom(ret); err != nil {
		return 0, err
	}
	return count, nil
}

func (systemLibrary) DeviceByIndex(index int) (Device, error) {
	dev, ret := nvmlapi.DeviceGetHandleByIndex(index)
	if err := errorFrom(ret); err != nil {
		return nil, err
	}
	return systemDevice{dev: dev}, nil
}

func (systemLibrary) DriverVersion() (string, error) {
	version, ret := nvmlapi.SystemGetDriverVersion()
	if err := errorFrom(ret); err != nil {
		return "", err
	}
	return version, nil
}

type systemDevice struct {
	dev nvmlapi.Device
}

func (d systemDevice) Name() (string, error) {
	name, ret := d.dev.GetName()
	if err := errorFrom(ret); err != nil {
		return "", err
	}
	return name, nil
}

func (d systemDevice) UtilizationRates() (Utilization, error) {
	util, ret := d.dev.GetUtilizationRates()
	if err := errorFrom(ret); err != nil {
		return Utilization{}, err
	}
	return Utilization{GPU: util.Gpu, Memory: util.Memory}, nil
}

func (d systemDevice) MemoryInfo() (Memory, error) {
	memory, ret := d.dev.GetMemoryInfo()
	if err := errorFrom(ret); err != nil {
		return Memory{}, err
	}
	return Memory{Total: memory.Total, Used: memory.Used, Free: memory.Free}, nil
}

func (d systemDevice) Temperature() (uint32, error) {
	temp, ret := d.dev.GetTemperature(nvmlapi.TEMPERATURE_GPU)
	if err := errorFrom(ret); err != nil {
		return 0, err
	}
	return temp, nil
}

func (d systemDevice) PCIInfo() (PCIInfo, error) {
	info, ret := d.dev.GetPciInfo()
	if err := errorFrom(ret); err != nil {
		return PCIInfo{}, err
	}
	return PCIInfo{
		BusID:       busIDString(info.BusId),
		VendorID:    uint16(info.PciDeviceId & 0xffff),
		DeviceID:    uint16(info.PciDeviceId >> 16),
		SubVendorID: uint16(info.PciSubSystemId & 0xffff),
		SubDeviceID: uint16(info.PciSubSystemId >> 16),
	}, nil
}

func (d systemDevice) ComputeProcesses() ([]ProcessInfo, error) {
	procs, ret := d.dev.GetComputeRunningProcesses()
	if err := errorFrom(ret); err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		out = append(out, ProcessInfo{PID: proc.Pid, UsedGPUMemory: proc.UsedGpuMemory})
	}
	return out, nil
}

func errorFrom(ret nvmlapi.Return) error {
	switch ret {
	case nvmlapi.SUCCESS:
		return nil
	case nvmlapi.ERROR_UNKNOWN:
		return ErrUnknown
	}
	return fmt.Errorf("nvml: %s", nvmlapi.ErrorString(ret))
}

func busIDString(raw [32]int8) string {
	buf := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}

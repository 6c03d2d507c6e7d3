package sampler

import (
	"errors"
	"io"
	"log/slog"

	"github.com/nvwatch/nvwatch/internal/device"
	"github.com/nvwatch/nvwatch/internal/nvml"
)

const deviceTypeCUDA = "cuda"

// Collector produces one Status per tick. Each metric is gated by a
// per-device enable flag: the first query failure disables that metric for
// the rest of the process lifetime while the other metrics keep flowing.
// Flags only ever transition from enabled to disabled.
type Collector struct {
	lib     nvml.Library
	devices []device.Info
	logger  *slog.Logger

	utilization  []bool
	vram         []bool
	temperature  []bool
	handleWarned []bool
}

// NewCollector builds a Collector over the enumerated devices. An empty
// device list is valid and yields empty records.
func NewCollector(lib nvml.Library, devices []device.Info, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Collector{
		lib:          lib,
		devices:      devices,
		logger:       logger.With("component", "sampler_collector"),
		utilization:  make([]bool, len(devices)),
		vram:         make([]bool, len(devices)),
		temperature:  make([]bool, len(devices)),
		handleWarned: make([]bool, len(devices)),
	}
	for i := range devices {
		c.utilization[i] = true
		c.vram[i] = true
		c.temperature[i] = true
	}
	return c
}

// Collect polls every device once. It never fails: a metric query error
// disables that metric, and the record always carries exactly one entry per
// enumerated device, in enumeration order.
func (c *Collector) Collect() Status {
	status := Status{GPUs: []GPUSample{}}
	if len(c.devices) == 0 {
		return status
	}
	status.DeviceType = deviceTypeCUDA

	for i, info := range c.devices {
		var sample GPUSample

		dev, err := c.lib.DeviceByIndex(info.Index)
		if err != nil {
			if !c.handleWarned[i] {
				c.logger.Warn("could not open device handle", "index", info.Index, "err", err)
				c.handleWarned[i] = true
			}
			status.GPUs = append(status.GPUs, sample)
			continue
		}

		if c.utilization[i] {
			util, err := dev.UtilizationRates()
			if err != nil {
				if errors.Is(err, nvml.ErrUnknown) {
					c.logger.Error("NVML is not responding; on a battery-only laptop, connect power and turn on the monitor", "index", info.Index)
				} else {
					c.logger.Error("could not get GPU utilization", "index", info.Index, "err", err)
				}
				c.logger.Error("disabling GPU utilization monitoring", "index", info.Index)
				c.utilization[i] = false
			} else {
				sample.GPUUtilization = int64(util.GPU)
			}
		}

		if c.vram[i] {
			memory, err := dev.MemoryInfo()
			if err != nil {
				c.logger.Error("could not get VRAM info, disabling VRAM monitoring", "index", info.Index, "err", err)
				c.vram[i] = false
			} else {
				sample.VRAMTotal = memory.Total
				sample.VRAMUsed = memory.Used
				if memory.Total > 0 {
					sample.VRAMUsedPercent = float64(memory.Used) / float64(memory.Total) * 100
				}
			}
		}

		if c.temperature[i] {
			temp, err := dev.Temperature()
			if err != nil {
				c.logger.Error("could not get GPU temperature, disabling temperature monitoring", "index", info.Index, "err", err)
				c.temperature[i] = false
			} else {
				sample.GPUTemperature = int64(temp)
			}
		}

		status.GPUs = append(status.GPUs, sample)
	}

	return status
}

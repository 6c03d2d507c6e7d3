package procwatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nvwatch/nvwatch/internal/device"
	"github.com/nvwatch/nvwatch/internal/nvml"
)

// collector builds one Snapshot per device per scan. A device whose process
// query fails is skipped for the rest of the process lifetime, mirroring the
// sampler's disable-on-first-failure posture.
type collector struct {
	lib      nvml.Library
	procRoot string
	logger   *slog.Logger
	disabled map[int]bool
}

func newCollector(lib nvml.Library, procRoot string, logger *slog.Logger) *collector {
	return &collector{
		lib:      lib,
		procRoot: procRoot,
		logger:   logger,
		disabled: make(map[int]bool),
	}
}

func (c *collector) snapshot(info device.Info, now time.Time) (Snapshot, bool) {
	if c.disabled[info.Index] {
		return Snapshot{}, false
	}

	dev, err := c.lib.DeviceByIndex(info.Index)
	if err != nil {
		c.logger.Warn("could not open device handle", "index", info.Index, "err", err)
		return Snapshot{}, false
	}

	procs, err := dev.ComputeProcesses()
	if err != nil {
		c.logger.Warn("could not list compute processes, disabling process watch", "index", info.Index, "err", err)
		c.disabled[info.Index] = true
		return Snapshot{}, false
	}

	processes := make([]Process, 0, len(procs))
	for _, proc := range procs {
		processes = append(processes, Process{
			PID:      proc.PID,
			Name:     c.processName(proc.PID),
			UsedVRAM: proc.UsedGPUMemory,
		})
	}
	sort.Slice(processes, func(i, j int) bool {
		if processes[i].UsedVRAM != processes[j].UsedVRAM {
			return processes[i].UsedVRAM > processes[j].UsedVRAM
		}
		return processes[i].PID < processes[j].PID
	})

	return Snapshot{
		DeviceIndex: info.Index,
		Timestamp:   now,
		Processes:   processes,
	}, true
}

// processName reads the short command name from procfs, best-effort.
func (c *collector) processName(pid uint32) string {
	path := filepath.Join(c.procRoot, strconv.FormatUint(uint64(pid), 10), "comm")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

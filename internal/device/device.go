// Package device enumerates accelerator devices through the management
// library. Enumeration happens once at startup; the resulting list is
// immutable for the process lifetime.
package device

import (
	"io"
	"log/slog"
	"strings"

	"github.com/nvwatch/nvwatch/internal/nvml"
)

const unknownGPUName = "Unknown GPU"

// Info describes a single enumerated device.
type Info struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Discover initialises the management library and enumerates all devices.
// It fails soft: any init or count failure is logged and yields an empty
// list, leaving the rest of the application in degraded mode.
func Discover(lib nvml.Library, logger *slog.Logger) []Info {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := lib.Init(); err != nil {
		logger.Error("could not init NVML", "err", err)
		return nil
	}

	count, err := lib.DeviceCount()
	if err != nil {
		logger.Error("could not count devices", "err", err)
		return nil
	}
	if count == 0 {
		logger.Warn("no GPU with CUDA detected")
		return nil
	}

	infos := make([]Info, 0, count)
	for index := 0; index < count; index++ {
		name := unknownGPUName
		dev, err := lib.DeviceByIndex(index)
		if err != nil {
			logger.Warn("could not open device handle", "index", index, "err", err)
		} else {
			name = resolveName(dev, logger.With("index", index))
		}
		logger.Info("discovered GPU", "index", index, "name", name)
		infos = append(infos, Info{Index: index, Name: name})
	}

	if version, err := lib.DriverVersion(); err != nil {
		logger.Warn("could not read driver version", "err", err)
	} else {
		logger.Info("NVIDIA driver", "version", version)
	}

	return infos
}

// resolveName reads the device name best-effort. An unreadable or garbled
// name falls back to a PCI database lookup, then to a placeholder.
func resolveName(dev nvml.Device, logger *slog.Logger) string {
	name, err := dev.Name()
	if err != nil {
		logger.Warn("could not read device name", "err", err)
	} else if sanitized := sanitizeName(name); sanitized != "" {
		return sanitized
	}

	if pci, pciErr := dev.PCIInfo(); pciErr == nil {
		if resolved := lookupGPUName(pci); resolved != "" {
			return resolved
		}
	}

	return unknownGPUName
}

func sanitizeName(raw string) string {
	value := strings.TrimRight(raw, "\x00")
	value = strings.ToValidUTF8(value, "")
	return strings.TrimSpace(value)
}

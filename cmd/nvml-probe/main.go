// nvml-probe enumerates GPUs through NVML and optionally dumps one
// telemetry sample and the resident compute processes. Useful for checking
// what the daemon would see on a host without running it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nvwatch/nvwatch/internal/device"
	"github.com/nvwatch/nvwatch/internal/nvml"
	"github.com/nvwatch/nvwatch/internal/sampler"
)

type options struct {
	sample     bool
	procs      bool
	jsonOutput bool
}

func parseFlags() options {
	var opts options
	flag.BoolVar(&opts.sample, "sample", false, "Collect one telemetry sample")
	flag.BoolVar(&opts.procs, "procs", false, "List compute processes per GPU")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit output as JSON")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	lib := nvml.New()
	devices := device.Discover(lib, logger.With("component", "device_enumerator"))
	defer func() {
		_ = lib.Shutdown()
	}()

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(devices); err != nil {
			logger.Error("encode device list", "err", err)
			os.Exit(1)
		}
	} else {
		if len(devices) == 0 {
			fmt.Println("No GPUs detected")
		} else {
			fmt.Println("Discovered GPUs:")
		}
		for _, info := range devices {
			fmt.Printf("- %d) %s\n", info.Index, info.Name)
		}
	}

	if opts.sample {
		collector := sampler.NewCollector(lib, devices, logger)
		status := collector.Collect()
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			logger.Error("encode sample", "err", err)
			os.Exit(1)
		}
		fmt.Printf("\nSample:\n%s\n", string(data))
	}

	if opts.procs {
		for _, info := range devices {
			dev, err := lib.DeviceByIndex(info.Index)
			if err != nil {
				logger.Warn("could not open device handle", "index", info.Index, "err", err)
				continue
			}
			procs, err := dev.ComputeProcesses()
			if err != nil {
				logger.Warn("could not list compute processes", "index", info.Index, "err", err)
				continue
			}
			fmt.Printf("\nGPU %d processes:\n", info.Index)
			if len(procs) == 0 {
				fmt.Println("  (none)")
				continue
			}
			for _, proc := range procs {
				fmt.Printf("  pid=%d vram=%d\n", proc.PID, proc.UsedGPUMemory)
			}
		}
	}
}

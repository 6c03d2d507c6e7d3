package sampler

// Status is one per-tick telemetry record covering every enumerated device,
// in enumeration order.
type Status struct {
	DeviceType string      `json:"device_type"`
	GPUs       []GPUSample `json:"gpus"`
}

// GPUSample carries the polled metrics for a single device. A metric whose
// monitoring has been disabled holds its zero value.
type GPUSample struct {
	GPUUtilization  int64   `json:"gpu_utilization"`
	GPUTemperature  int64   `json:"gpu_temperature"`
	VRAMTotal       uint64  `json:"vram_total"`
	VRAMUsed        uint64  `json:"vram_used"`
	VRAMUsedPercent float64 `json:"vram_used_percent"`
}

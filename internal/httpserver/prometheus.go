package httpserver

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvwatch/nvwatch/internal/device"
	"github.com/nvwatch/nvwatch/internal/sampler"
)

type gpuMetricsCollector struct {
	sampler *sampler.Manager
	devices []device.Info
	metrics []gpuMetric
}

type gpuMetric struct {
	desc    *prometheus.Desc
	extract func(sample sampler.GPUSample) float64
}

func newGPUMetricsCollector(devices []device.Info, samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil || len(devices) == 0 {
		return nil
	}

	collector := &gpuMetricsCollector{
		sampler: samplerManager,
		devices: append([]device.Info(nil), devices...),
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("nvwatch", "gpu", name),
			help,
			[]string{"gpu", "name"},
			nil,
		)
	}

	collector.metrics = []gpuMetric{
		{
			desc: desc("utilization_percent", "Current graphics engine utilization percentage."),
			extract: func(sample sampler.GPUSample) float64 {
				return float64(sample.GPUUtilization)
			},
		},
		{
			desc: desc("temperature_celsius", "Current GPU temperature in Celsius."),
			extract: func(sample sampler.GPUSample) float64 {
				return float64(sample.GPUTemperature)
			},
		},
		{
			desc: desc("vram_used_bytes", "Current VRAM usage in bytes."),
			extract: func(sample sampler.GPUSample) float64 {
				return float64(sample.VRAMUsed)
			},
		},
		{
			desc: desc("vram_total_bytes", "Total VRAM capacity in bytes."),
			extract: func(sample sampler.GPUSample) float64 {
				return float64(sample.VRAMTotal)
			},
		},
		{
			desc: desc("vram_used_percent", "Current VRAM usage percentage."),
			extract: func(sample sampler.GPUSample) float64 {
				return sample.VRAMUsedPercent
			},
		},
	}

	return collector
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	status, ok := c.sampler.Latest()
	if !ok {
		return
	}
	for i, info := range c.devices {
		if i >= len(status.GPUs) {
			break
		}
		sample := status.GPUs[i]
		index := strconv.Itoa(info.Index)
		for _, metric := range c.metrics {
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, metric.extract(sample), index, info.Name)
		}
	}
}

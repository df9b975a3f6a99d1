package strategy

import (
	"time"

	"github.com/objectfs/resload/pkg/types"
)

// Provider maps a runtime context to a concurrency ceiling
type Provider func(rc types.RuntimeContext) int

// Strategy is a named concurrency policy taking part in the test
type Strategy struct {
	ID          string
	Name        string
	Description string
	// Weight is the relative selection probability; zero means 1
	Weight   float64
	Provider Provider
}

// Built-in strategy ids
const (
	Conservative    = "conservative"
	Balanced        = "balanced"
	Aggressive      = "aggressive"
	NetworkAdaptive = "network-adaptive"
	DeviceAdaptive  = "device-adaptive"
)

// Fixed returns a provider that ignores the context
func Fixed(n int) Provider {
	return func(types.RuntimeContext) int { return n }
}

// DefaultStrategies returns the built-in set, each with weight 1
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			ID:          Conservative,
			Name:        "Conservative",
			Description: "Few parallel fetches, favours reliability",
			Provider:    Fixed(4),
		},
		{
			ID:          Balanced,
			Name:        "Balanced",
			Description: "Moderate parallelism",
			Provider:    Fixed(8),
		},
		{
			ID:          Aggressive,
			Name:        "Aggressive",
			Description: "High parallelism for fast links",
			Provider:    Fixed(16),
		},
		{
			ID:          NetworkAdaptive,
			Name:        "Network adaptive",
			Description: "Scales with connection type, bandwidth and latency",
			Provider:    networkConcurrency,
		},
		{
			ID:          DeviceAdaptive,
			Name:        "Device adaptive",
			Description: "Scales with CPU cores and device memory",
			Provider:    deviceConcurrency,
		},
	}
}

func networkConcurrency(rc types.RuntimeContext) int {
	if rc.SaveData {
		return 2
	}

	n := 6
	switch rc.NetworkType {
	case "slow-2g", "2g":
		n = 2
	case "3g":
		n = 4
	case "4g":
		n = 8
	case "5g", "wifi", "ethernet":
		n = 12
	default:
		switch {
		case rc.DownlinkMbps <= 0:
		case rc.DownlinkMbps < 1:
			n = 2
		case rc.DownlinkMbps < 5:
			n = 4
		case rc.DownlinkMbps < 20:
			n = 8
		default:
			n = 12
		}
	}

	// high latency links gain little from more parallel requests
	if rc.RTT > 500*time.Millisecond && n > 1 {
		n /= 2
	}
	return n
}

func deviceConcurrency(rc types.RuntimeContext) int {
	if rc.CPUCores <= 0 {
		return 6
	}

	n := rc.CPUCores * 2
	if n < 2 {
		n = 2
	}
	if n > 16 {
		n = 16
	}

	switch {
	case rc.DeviceMemoryGB <= 0:
	case rc.DeviceMemoryGB < 2:
		n = min(n, 4)
	case rc.DeviceMemoryGB < 4:
		n = min(n, 8)
	}
	return n
}

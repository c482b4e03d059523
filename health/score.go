package health

import "github.com/BaSui01/agenthive/types"

// Normalizers map raw metric readings onto a 0..1 "goodness" scale. A
// reading at or past the ceiling scores zero for that component.
const (
	maxResponseTimeMS   = 1000.0
	maxNetworkLatencyMS = 500.0
	maxQueueLength      = 50.0
	maxConnectionCount  = 500.0
)

// Component weights of the composite score. Throughput is sampled and
// averaged like every other class but carries no weight: it has no static
// upper bound to normalize against, so it is reported rather than scored.
const (
	weightErrorRate  = 0.30
	weightLatency    = 0.25
	weightCompliance = 0.10
	weightQueue      = 0.10
	weightCPU        = 0.075
	weightMemory     = 0.075
	weightNetwork    = 0.05
	weightDisk       = 0.025
	weightConns      = 0.025
)

// Score folds a metrics view into a composite health score in [0, 1].
// Unreported gauges read as zero and score as healthy; agents are judged
// on what they report, not on what they omit.
func Score(m types.HealthMetrics) float64 {
	s := weightErrorRate*(1-clamp01(m.ErrorRate)) +
		weightLatency*(1-clamp01(m.ResponseTimeMS/maxResponseTimeMS)) +
		weightQueue*(1-clamp01(m.QueueLength/maxQueueLength)) +
		weightCPU*(1-clamp01(m.CPUPercent/100)) +
		weightMemory*(1-clamp01(m.MemoryPercent/100)) +
		weightNetwork*(1-clamp01(m.NetworkLatencyMS/maxNetworkLatencyMS)) +
		weightDisk*(1-clamp01(m.DiskPercent/100)) +
		weightConns*(1-clamp01(m.ConnectionCount/maxConnectionCount))

	// ComplianceScore is already 0..1 where higher is better; an
	// unreported (zero) compliance is treated as neutral, not failing.
	if m.ComplianceScore > 0 {
		s += weightCompliance * clamp01(m.ComplianceScore)
	} else {
		s += weightCompliance
	}
	return clamp01(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

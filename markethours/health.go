package markethours

import "time"

// HealthStatus classifies one tracked contract's data flow.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
	OffHours  HealthStatus = "off_hours"
	Unknown   HealthStatus = "unknown"
)

const (
	// hardStaleness flips an open market to unhealthy regardless of the
	// configured threshold.
	hardStaleness = 30 * time.Minute
	// extendedStaleness is the degraded bar during pre/post sessions.
	extendedStaleness = 60 * time.Minute
)

// HealthInput carries everything the per-contract health verdict needs.
type HealthInput struct {
	ConnectionIssues bool
	Market           MarketStatus
	ActiveStreams    int
	ExpectedStreams  int
	// Staleness is time since the last tick; zero means data just arrived.
	Staleness          time.Duration
	StalenessThreshold time.Duration
}

// Compute applies the health matrix.
func Compute(in HealthInput) HealthStatus {
	if in.ConnectionIssues {
		return Unhealthy
	}
	if in.Market == StatusClosed {
		return OffHours
	}
	if in.ActiveStreams < in.ExpectedStreams {
		return Degraded
	}

	switch in.Market {
	case StatusOpen:
		if in.Staleness > hardStaleness {
			return Unhealthy
		}
		if in.Staleness > in.StalenessThreshold {
			return Degraded
		}
		return Healthy
	case StatusPreMarket, StatusAfterHours:
		if in.Staleness > extendedStaleness {
			return Degraded
		}
		return Healthy
	default:
		return Unknown
	}
}

// ThresholdFor relaxes the base staleness threshold outside regular hours:
// 3x during extended sessions, 10x when closed.
func ThresholdFor(market MarketStatus, base time.Duration) time.Duration {
	switch market {
	case StatusPreMarket, StatusAfterHours:
		return 3 * base
	case StatusClosed:
		return 10 * base
	default:
		return base
	}
}

// severity orders statuses worst-last for WorstOf. OFF_HOURS sits better
// than DEGRADED.
var severity = map[HealthStatus]int{
	Unknown:   0,
	Healthy:   1,
	OffHours:  2,
	Degraded:  3,
	Unhealthy: 4,
}

// WorstOf folds per-contract statuses into the overall system health.
func WorstOf(statuses []HealthStatus) HealthStatus {
	if len(statuses) == 0 {
		return Healthy
	}
	worst := statuses[0]
	for _, s := range statuses[1:] {
		if severity[s] > severity[worst] {
			worst = s
		}
	}
	return worst
}

package domain

import "time"

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency is failing but the service can still run.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a dependency timed out or the probe was cancelled.
	HealthStatusError = "error"
)

// DependencyCheckResult describes the outcome of one dependency probe.
type DependencyCheckResult struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// DependencyReport aggregates dependency probes for the readiness endpoint.
type DependencyReport struct {
	Status      string
	Checks      map[string]DependencyCheckResult
	GeneratedAt time.Time
}

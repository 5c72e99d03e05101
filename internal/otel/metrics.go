package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all orchestrator metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksClaimed      metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	AdapterCallDuration metric.Float64Histogram
	TokensUsed        metric.Int64Counter
	EstimatedCostUSD  metric.Float64Counter
	ActiveWorkers     metric.Int64UpDownCounter
	ReviewCyclesTotal metric.Int64Counter
	MergeConflicts    metric.Int64Counter
	LeaseReclaims     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("gardenerd.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("gardenerd.task.claimed",
		metric.WithDescription("Tasks claimed from the backlog"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("gardenerd.task.completed",
		metric.WithDescription("Tasks reaching the done state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("gardenerd.task.failed",
		metric.WithDescription("Tasks reaching the failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterCallDuration, err = meter.Float64Histogram("gardenerd.adapter.duration",
		metric.WithDescription("Agent subprocess turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("gardenerd.llm.tokens",
		metric.WithDescription("Total tokens consumed across agent turns"),
	)
	if err != nil {
		return nil, err
	}

	m.EstimatedCostUSD, err = meter.Float64Counter("gardenerd.llm.cost_usd",
		metric.WithDescription("Estimated USD cost of agent turns, by configured model pricing"),
		metric.WithUnit("{USD}"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("gardenerd.worker.active",
		metric.WithDescription("Number of currently active worker slots"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewCyclesTotal, err = meter.Int64Counter("gardenerd.review.cycles",
		metric.WithDescription("Total review cycles executed"),
	)
	if err != nil {
		return nil, err
	}

	m.MergeConflicts, err = meter.Int64Counter("gardenerd.merge.conflicts",
		metric.WithDescription("Merge attempts that hit a conflict"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseReclaims, err = meter.Int64Counter("gardenerd.lease.reclaims",
		metric.WithDescription("Leases reclaimed by the reconciler after expiry"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

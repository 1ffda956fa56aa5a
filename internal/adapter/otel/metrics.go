package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "marketmind"

// Metrics holds all MarketMind metric instruments.
type Metrics struct {
	TasksStarted     metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksCancelled   metric.Int64Counter
	AgentInvocations metric.Int64Counter
	EventsPublished  metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	TaskCost         metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksStarted, err = meter.Int64Counter("marketmind.tasks.started",
		metric.WithDescription("Number of analysis tasks started"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("marketmind.tasks.completed",
		metric.WithDescription("Number of analysis tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("marketmind.tasks.failed",
		metric.WithDescription("Number of analysis tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("marketmind.tasks.cancelled",
		metric.WithDescription("Number of analysis tasks cancelled"))
	if err != nil {
		return nil, err
	}

	m.AgentInvocations, err = meter.Int64Counter("marketmind.agents.invocations",
		metric.WithDescription("Number of agent invocations"))
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("marketmind.events.published",
		metric.WithDescription("Number of stream events published"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("marketmind.task.duration_seconds",
		metric.WithDescription("Task duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.TaskCost, err = meter.Float64Histogram("marketmind.task.cost_usd",
		metric.WithDescription("Task cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

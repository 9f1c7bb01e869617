package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the stowage instruments.
type Metrics struct {
	TaskDuration   metric.Float64Histogram
	TaskOutcomes   metric.Int64Counter
	TasksRunning   metric.Int64UpDownCounter
	IPCDuration    metric.Float64Histogram
	IPCTimeouts    metric.Int64Counter
	WorkerRestarts metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("stowage.task.duration",
		metric.WithDescription("Task handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("stowage.task.outcomes",
		metric.WithDescription("Terminal task transitions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRunning, err = meter.Int64UpDownCounter("stowage.task.running",
		metric.WithDescription("Tasks currently claimed and running"),
	)
	if err != nil {
		return nil, err
	}

	m.IPCDuration, err = meter.Float64Histogram("stowage.ipc.duration",
		metric.WithDescription("IPC request round trip in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IPCTimeouts, err = meter.Int64Counter("stowage.ipc.timeouts",
		metric.WithDescription("IPC requests that timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerRestarts, err = meter.Int64Counter("stowage.worker.restarts",
		metric.WithDescription("Worker process restarts after abnormal exit"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(Disabled().Meter)
	if err != nil {
		panic(err)
	}
	return m
}

// RecordTask records a finished task. A nil receiver is a no-op.
func (m *Metrics) RecordTask(ctx context.Context, kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTaskKind.String(kind), attribute.String("outcome", outcome))
	m.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.TaskOutcomes.Add(ctx, 1, attrs)
}

// TaskStarted and TaskFinished bracket a claimed task on the running gauge.
func (m *Metrics) TaskStarted(ctx context.Context, owner string) {
	if m == nil {
		return
	}
	m.TasksRunning.Add(ctx, 1, metric.WithAttributes(AttrOwnerID.String(owner)))
}

func (m *Metrics) TaskFinished(ctx context.Context, owner string) {
	if m == nil {
		return
	}
	m.TasksRunning.Add(ctx, -1, metric.WithAttributes(AttrOwnerID.String(owner)))
}

// RecordIPC records one request round trip.
func (m *Metrics) RecordIPC(ctx context.Context, action string, elapsed time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrIPCAction.String(action))
	m.IPCDuration.Record(ctx, elapsed.Seconds(), attrs)
	if timedOut {
		m.IPCTimeouts.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordRestart(ctx context.Context, instanceID string) {
	if m == nil {
		return
	}
	m.WorkerRestarts.Add(ctx, 1, metric.WithAttributes(AttrInstanceID.String(instanceID)))
}

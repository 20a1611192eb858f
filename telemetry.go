package durable

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/deepnoodle-ai/durable"

// Span and instrument names
const (
	SpanWorkflowExecute  = "durable.workflow.execute"
	SpanStepExecute      = "durable.step.execute"
	MetricStepExecutions = "durable.step.executions"
	MetricStepDuration   = "durable.step.duration"
)

type telemetry struct {
	tracer       trace.Tracer
	stepCounter  metric.Int64Counter
	stepDuration metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	counter, err := meter.Int64Counter(MetricStepExecutions,
		metric.WithDescription("Number of step executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(MetricStepDuration,
		metric.WithDescription("Step execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &telemetry{
		tracer:       tp.Tracer(instrumentationName),
		stepCounter:  counter,
		stepDuration: duration,
	}, nil
}

func (t *telemetry) startWorkflow(ctx context.Context, wf *Workflow, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanWorkflowExecute,
		trace.WithAttributes(
			attribute.String("durable.workflow.id", wf.ID),
			attribute.String("durable.workflow.name", wf.Name),
			attribute.String("durable.workflow.mode", string(wf.Mode)),
			attribute.String("durable.operation", operation),
		),
	)
}

func (t *telemetry) endWorkflow(span trace.Span, wf *Workflow) {
	span.SetAttributes(attribute.String("durable.workflow.status", string(wf.Status)))
	if wf.Status == StatusFailed && wf.Error != nil {
		span.SetStatus(codes.Error, wf.Error.Message)
		span.SetAttributes(attribute.String("durable.error.code", wf.Error.Code))
	}
	span.End()
}

func (t *telemetry) startStep(ctx context.Context, wf *Workflow, step *Step) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanStepExecute,
		trace.WithAttributes(
			attribute.String("durable.workflow.id", wf.ID),
			attribute.String("durable.step.id", step.ID),
			attribute.String("durable.step.name", step.Name),
			attribute.String("durable.step.agent", step.Agent),
		),
	)
}

func (t *telemetry) endStep(ctx context.Context, span trace.Span, step *Step, elapsed time.Duration) {
	outcome := string(step.Status)
	span.SetAttributes(attribute.String("durable.step.status", outcome))
	if step.Status == StepFailed && step.Error != nil {
		span.SetStatus(codes.Error, step.Error.Message)
		span.SetAttributes(attribute.String("durable.error.code", step.Error.Code))
	}
	span.End()

	attrs := metric.WithAttributes(
		attribute.String("agent", step.Agent),
		attribute.String("outcome", outcome),
	)
	t.stepCounter.Add(ctx, 1, attrs)
	t.stepDuration.Record(ctx, elapsed.Seconds(), attrs)
}

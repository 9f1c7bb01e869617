package otel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordingTracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer(ScopeName), rec
}

func attrValue(span sdktrace.ReadOnlySpan, key attribute.Key) (string, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}

func TestInit(t *testing.T) {
	off := false
	tests := []struct {
		name    string
		cfg     Config
		wantSDK bool
		wantErr bool
	}{
		{name: "disabled", cfg: Config{}},
		{name: "none exporter", cfg: Config{Enabled: true, Exporter: "none"}, wantSDK: true},
		{name: "metrics off", cfg: Config{Enabled: true, Exporter: "none", MetricsEnabled: &off}, wantSDK: true},
		{name: "unknown exporter", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.Tracer == nil || p.Meter == nil {
				t.Fatalf("tracer=%v meter=%v", p.Tracer, p.Meter)
			}
			if got := p.TracerProvider != nil; got != tt.wantSDK {
				t.Fatalf("sdk tracer provider = %v, want %v", got, tt.wantSDK)
			}
		})
	}
}

func TestStartTaskSpan_RecordsOutcome(t *testing.T) {
	tracer, rec := recordingTracer(t)

	_, span := StartTaskSpan(context.Background(), tracer, "t-1", "analyze_object", "core")
	EndTask(span, "completed")

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	s := ended[0]
	if s.Name() != "task analyze_object" || s.SpanKind() != trace.SpanKindInternal {
		t.Fatalf("span = %q kind %v", s.Name(), s.SpanKind())
	}
	for key, want := range map[attribute.Key]string{
		AttrTaskID:      "t-1",
		AttrOwnerID:     "core",
		AttrTaskOutcome: "completed",
	} {
		if got, _ := attrValue(s, key); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestStartIPCSpan_Direction(t *testing.T) {
	tracer, rec := recordingTracer(t)

	ctx, task := StartTaskSpan(context.Background(), tracer, "t-1", "analyze_object", "core")
	_, out := StartIPCSpan(ctx, tracer, Outbound, "analyze_object", "")
	out.End()
	_, in := StartIPCSpan(context.Background(), tracer, Inbound, "get_signed_urls", "m-7")
	in.End()
	task.End()

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	client, server := ended[0], ended[1]
	if client.SpanKind() != trace.SpanKindClient || client.Name() != "ipc analyze_object" {
		t.Fatalf("outbound = %q kind %v", client.Name(), client.SpanKind())
	}
	if client.Parent().SpanID() != task.SpanContext().SpanID() {
		t.Fatal("outbound span should be a child of the task span")
	}
	if _, ok := attrValue(client, AttrIPCMessage); ok {
		t.Fatal("outbound span without id should not carry a message attribute")
	}
	if server.SpanKind() != trace.SpanKindServer || server.Name() != "ipc serve get_signed_urls" {
		t.Fatalf("inbound = %q kind %v", server.Name(), server.SpanKind())
	}
	if got, _ := attrValue(server, AttrIPCMessage); got != "m-7" {
		t.Fatalf("message id = %q", got)
	}
}

func TestFail(t *testing.T) {
	tracer, rec := recordingTracer(t)

	_, ok := tracer.Start(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()
	_, bad := tracer.Start(context.Background(), "bad")
	Fail(bad, errors.New("worker not ready"))
	bad.End()

	ended := rec.Ended()
	if got := ended[0].Status().Code; got != codes.Unset {
		t.Fatalf("nil error status = %v", got)
	}
	if got := ended[1].Status(); got.Code != codes.Error || got.Description != "worker not ready" {
		t.Fatalf("error status = %+v", got)
	}
	if len(ended[1].Events()) != 1 {
		t.Fatalf("expected one exception event, got %d", len(ended[1].Events()))
	}
}

func TestSampler(t *testing.T) {
	for _, rate := range []float64{0, 1, 2} {
		if got := sampler(rate).Description(); !strings.HasPrefix(got, "ParentBased{root:AlwaysOnSampler") {
			t.Fatalf("sampler(%v) = %s", rate, got)
		}
	}
	if got := sampler(0.25).Description(); !strings.Contains(got, "root:TraceIDRatioBased{0.25}") {
		t.Fatalf("sampler(0.25) = %s", got)
	}
}

package tracing

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestGetConfig_Defaults(t *testing.T) {
	cfg := GetConfig("test-service")

	if cfg.Enabled {
		t.Error("expected tracing to be disabled by default")
	}
	if cfg.Endpoint != "localhost:4317" {
		t.Errorf("expected endpoint localhost:4317, got %s", cfg.Endpoint)
	}
	if cfg.ServiceName != "test-service" {
		t.Errorf("expected service name test-service, got %s", cfg.ServiceName)
	}
}

func TestGetConfig_EnabledFromEnv(t *testing.T) {
	t.Setenv("CHANGEFEED_OTEL_ENABLED", "true")

	cfg := GetConfig("test-service")

	if !cfg.Enabled {
		t.Error("expected tracing to be enabled")
	}
}

func TestGetConfig_CustomEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "custom-endpoint:4317")

	cfg := GetConfig("test-service")

	if cfg.Endpoint != "custom-endpoint:4317" {
		t.Errorf("expected endpoint custom-endpoint:4317, got %s", cfg.Endpoint)
	}
}

func TestGetConfig_CaseInsensitive(t *testing.T) {
	tests := []struct {
		name    string
		envVal  string
		enabled bool
	}{
		{"lowercase true", "true", true},
		{"uppercase TRUE", "TRUE", true},
		{"mixed case True", "True", true},
		{"false", "false", false},
		{"empty", "", false},
		{"random", "random", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envVal != "" {
				t.Setenv("CHANGEFEED_OTEL_ENABLED", tt.envVal)
			}
			// When envVal is empty, we don't set the env var at all (it's unset by default)

			cfg := GetConfig("test-service")

			if cfg.Enabled != tt.enabled {
				t.Errorf("expected enabled %v, got %v", tt.enabled, cfg.Enabled)
			}
		})
	}
}

func TestInitialize_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := Config{
		Enabled:     false,
		Endpoint:    "localhost:4317",
		ServiceName: "test-service",
	}

	tracer, shutdown, err := Initialize(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tracer == nil {
		t.Error("expected non-nil tracer")
	}

	// Shutdown should be a no-op for disabled tracing
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestGetConfig_SampleRatio(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		ratio float64
	}{
		{"unset", "", 1},
		{"half", "0.5", 0.5},
		{"out of range", "2", 1},
		{"garbage", "abc", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("CHANGEFEED_OTEL_SAMPLE_RATIO", tt.env)
			}
			cfg := GetConfig("svc")
			if cfg.SampleRatio != tt.ratio {
				t.Errorf("expected ratio %v, got %v", tt.ratio, cfg.SampleRatio)
			}
		})
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx := context.Background()
	got, span := StartSpan(ctx, nil, SpanCapture)
	if got != ctx {
		t.Error("expected context to be returned unchanged")
	}
	// The no-op span from an empty context must tolerate End.
	End(span, errors.New("boom"))
}

func TestEnd_RecordsStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	_, okSpan := StartSpan(context.Background(), tracer, SpanKafkaPublish, trace.WithAttributes(KafkaTopicAttr("FHIRCDC-Patient")))
	End(okSpan, nil)

	_, errSpan := StartSpan(context.Background(), tracer, SpanKafkaBatch, trace.WithAttributes(BatchSizeAttr(4)))
	End(errSpan, errors.New("ack timeout"))

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", ended[0].Status().Code)
	}
	if ended[1].Status().Code != codes.Error || ended[1].Status().Description != "ack timeout" {
		t.Errorf("expected Error status with description, got %+v", ended[1].Status())
	}
	if len(ended[1].Events()) == 0 {
		t.Error("expected recorded error event")
	}
}

package tracer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"wanctl/internal/infra/config"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.TracerConfig
		wantNoop  bool
		wantError bool
	}{
		{name: "disabled", cfg: config.TracerConfig{Enabled: false, Exporter: "stdout"}, wantNoop: true},
		{name: "noop exporter", cfg: config.TracerConfig{Enabled: true, Exporter: "noop"}, wantNoop: true},
		{name: "empty exporter", cfg: config.TracerConfig{Enabled: true}, wantNoop: true},
		{name: "stdout", cfg: config.TracerConfig{Enabled: true, Exporter: "stdout"}},
		{name: "stderr", cfg: config.TracerConfig{Enabled: true, Exporter: "stderr"}},
		{name: "unsupported", cfg: config.TracerConfig{Enabled: true, Exporter: "jaeger"}, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.cfg)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			defer shutdown(context.Background())

			_, isNoop := otel.GetTracerProvider().(noop.TracerProvider)
			if isNoop != tt.wantNoop {
				t.Errorf("noop provider = %v, want %v (%T)", isNoop, tt.wantNoop, otel.GetTracerProvider())
			}
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "job.run")
	if ctx == nil {
		t.Fatal("context should not be nil")
	}
	AddEvent(span, "phase", StringAttr("phase", "Loading"), IntAttr("percent", 10), BoolAttr("cancelled", false))
	SetOK(span)
	RecordError(span, errors.New("exit code 1"))
	span.End()
}

func TestAttrHelpers(t *testing.T) {
	if kv := StringAttr("task", "ti2v-5B"); kv.Value.AsString() != "ti2v-5B" {
		t.Errorf("StringAttr = %v", kv.Value.AsString())
	}
	if kv := IntAttr("exit_code", 3); kv.Value.AsInt64() != 3 {
		t.Errorf("IntAttr = %v", kv.Value.AsInt64())
	}
	if kv := BoolAttr("cancelled", true); !kv.Value.AsBool() {
		t.Error("BoolAttr should be true")
	}
}

package telemetry

import (
	"context"
	"testing"
)

func TestFrameAttributesOmitEmptyTopic(t *testing.T) {
	attrs := FrameAttributes("dev", "ack", "")
	if len(attrs) != 2 {
		t.Fatalf("expected topic attribute to be omitted, got %v", attrs)
	}
	attrs = FrameAttributes("dev", "tick", "ib.order")
	if len(attrs) != 3 || attrs[2].Value.AsString() != "ib.order" {
		t.Fatalf("expected topic attribute, got %v", attrs)
	}
}

func TestEnvironmentDefaultsAndOverrides(t *testing.T) {
	SetEnvironment("")
	if Environment() != "development" {
		t.Fatalf("expected development default, got %q", Environment())
	}
	SetEnvironment(" PROD ")
	if Environment() != "prod" {
		t.Fatalf("expected normalised environment, got %q", Environment())
	}
	SetEnvironment("")
}

func TestDisabledProviderIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if provider.Meter("test") == nil {
		t.Fatalf("expected fallback meter")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	SetEnvironment("")
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("http://collector:4318"); got != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

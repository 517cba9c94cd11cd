package telemetry

import (
	"context"
	"testing"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("PFLO_OTEL_ENDPOINT", "")
	t.Setenv("PFLO_OTEL_ENABLED", "")

	shutdown, err := Setup(context.Background(), "pflo-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("PFLO_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("PFLO_OTEL_ENABLED", "false")

	shutdown, err := Setup(context.Background(), "pflo-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so nothing is exported.
	t.Setenv("PFLO_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("PFLO_OTEL_ENABLED", "")

	shutdown, err := Setup(context.Background(), "pflo-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

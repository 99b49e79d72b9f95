package otel

import (
	"context"
	"testing"
)

func TestSetupReturnsNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("GRADHALL_OTEL_ENDPOINT", "")
	t.Setenv("GRADHALL_OTEL_ENABLED", "")

	shutdown, err := Setup(context.Background(), "messaging")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestSetupReturnsNoopWhenDisabled(t *testing.T) {
	t.Setenv("GRADHALL_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("GRADHALL_OTEL_ENABLED", "false")

	shutdown, err := Setup(context.Background(), "messaging")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

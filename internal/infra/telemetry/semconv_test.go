package telemetry

import "testing"

func TestAgentAttributesOmitEmptyState(t *testing.T) {
	attrs := AgentAttributes("dev", "worker", "")
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes without state, got %d", len(attrs))
	}
	attrs = AgentAttributes("dev", "primary", "working")
	if len(attrs) != 3 || attrs[2].Value.AsString() != "working" {
		t.Fatalf("expected state attribute, got %v", attrs)
	}
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	prev := globalEnvironment
	t.Cleanup(func() { globalEnvironment = prev })

	globalEnvironment = ""
	if got := Environment(); got != "development" {
		t.Fatalf("expected development default, got %q", got)
	}
	globalEnvironment = "prod"
	if got := Environment(); got != "prod" {
		t.Fatalf("expected prod, got %q", got)
	}
}

// Package telemetry provides OpenTelemetry setup and semantic conventions for the engine.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for engine telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrBus names the broadcast bus (events, actions).
	AttrBus = attribute.Key("bus")
	// AttrEventKind labels the top-level event family (heartbeat, ledger, derived, execution_result, system).
	AttrEventKind = attribute.Key("event.kind")
	// AttrStrategyVariant labels strategy metrics with the variant tag.
	AttrStrategyVariant = attribute.Key("strategy.variant")
	// AttrAgentRole distinguishes primary wallets from worker agents.
	AttrAgentRole = attribute.Key("agent.role")
	// AttrAgentState records the state an agent entered.
	AttrAgentState = attribute.Key("agent.state")
	// AttrExecutor identifies which executor produced a result.
	AttrExecutor = attribute.Key("executor")
	// AttrOutcome records execution outcomes (sent, error kind).
	AttrOutcome = attribute.Key("outcome")
	// AttrCollector identifies the collector emitting events.
	AttrCollector = attribute.Key("collector")
	// AttrOperation differentiates operations inside a component.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors and drops.
	AttrReason = attribute.Key("reason")
)

// BusAttributes returns common attributes for bus metrics.
func BusAttributes(environment, bus string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrBus.String(bus),
	}
}

// AgentAttributes returns attributes for agent state machine metrics.
func AgentAttributes(environment, role, state string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAgentRole.String(role),
	}
	if state != "" {
		attrs = append(attrs, AttrAgentState.String(state))
	}
	return attrs
}

// ExecutionAttributes returns attributes for executor result metrics.
func ExecutionAttributes(environment, executor, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExecutor.String(executor),
		AttrOutcome.String(outcome),
	}
}

// StrategyAttributes returns attributes for strategy manager metrics.
func StrategyAttributes(environment, variant string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategyVariant.String(variant),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

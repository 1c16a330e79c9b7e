package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Domain counters. Label values are small closed sets (decision, outcome,
// action type) so cardinality stays bounded.
var (
	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceops_policy_decisions_total",
			Help: "Policy gate decisions by action type and verdict.",
		},
		[]string{"action", "verdict"},
	)

	actionExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceops_action_executions_total",
			Help: "Action executor outcomes by action type.",
		},
		[]string{"action", "outcome"},
	)

	webhookIngests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceops_webhook_ingests_total",
			Help: "Inbound webhook deliveries by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	agentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceops_agent_task_updates_total",
			Help: "Agent task status updates by target status and whether they applied.",
		},
		[]string{"status", "result"},
	)

	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceops_confirmations_total",
			Help: "Confirmation broker operations by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(policyDecisions, actionExecutions, webhookIngests, agentTransitions, confirmations)
}

// PolicyDecision records one gate verdict.
func PolicyDecision(action, verdict string) { policyDecisions.WithLabelValues(action, verdict).Inc() }

// ActionExecution records one executor outcome (succeeded, timed_out, rejected, cached, in_progress).
func ActionExecution(action, outcome string) {
	actionExecutions.WithLabelValues(action, outcome).Inc()
}

// WebhookIngest records one delivery outcome (stored, duplicate, invalid_signature, dispatched).
func WebhookIngest(source, outcome string) { webhookIngests.WithLabelValues(source, outcome).Inc() }

// AgentTransition records an agent task update, applied or ignored.
func AgentTransition(status string, applied bool) {
	r := "ignored"
	if applied {
		r = "applied"
	}
	agentTransitions.WithLabelValues(status, r).Inc()
}

// Confirmation records a broker outcome (requested, confirmed, cancelled, expired, not_found, forbidden).
func Confirmation(outcome string) { confirmations.WithLabelValues(outcome).Inc() }

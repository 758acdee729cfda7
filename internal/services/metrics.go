package services

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "license",
		Name:      "activations_total",
		Help:      "License activation attempts by result.",
	}, []string{"result"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "license",
		Name:      "verifications_total",
		Help:      "License heartbeat verifications by result.",
	}, []string{"result"})

	unbindsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Subsystem: "license",
		Name:      "unbinds_total",
		Help:      "Client-initiated unbind attempts by result.",
	}, []string{"result"})
)

func resultLabel(out Outcome) string {
	if out.OK {
		return "ok"
	}
	return strings.ToLower(string(out.Code))
}

func recordActivation(out Outcome)   { activationsTotal.WithLabelValues(resultLabel(out)).Inc() }
func recordVerification(out Outcome) { verificationsTotal.WithLabelValues(resultLabel(out)).Inc() }
func recordUnbind(out Outcome)       { unbindsTotal.WithLabelValues(resultLabel(out)).Inc() }

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monotonic counters for the streaming pipeline and signer health. Registered
// on the default registry and exposed via the /metrics handler.
var (
	streamSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "audit",
		Name:      "stream_success_total",
		Help:      "Audit events successfully produced to Kafka and archived to S3.",
	})

	streamFailure = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "audit",
		Name:      "stream_failure_total",
		Help:      "Audit event streaming attempts that failed and were requeued or parked.",
	})

	signerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "audit",
		Name:      "signer_errors_total",
		Help:      "Signature requests rejected by the configured signer during append.",
	})
)

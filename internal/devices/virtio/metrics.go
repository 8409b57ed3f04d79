package virtio

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "vmvirtio"

// prometheus metrics exposed by virtio transports and backends.
var (
	statusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "virtio_status_transitions_total",
		Help:      "Device status values accepted from the driver.",
	},
		[]string{"device", "status"},
	)

	activations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "virtio_activations_total",
		Help:      "Device activation attempts by result.",
	},
		[]string{"device", "result"},
	)

	interrupts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "virtio_interrupts_total",
		Help:      "Interrupts raised towards the guest by delivery kind.",
	},
		[]string{"device", "kind"},
	)

	protocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "virtio_protocol_violations_total",
		Help:      "Guest accesses or ring contents rejected as invalid.",
	},
		[]string{"device"},
	)

	queueNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "virtio_queue_notifications_total",
		Help:      "Queue notify register writes.",
	},
		[]string{"device"},
	)

	rngBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "virtio_rng_bytes_total",
		Help:      "Entropy bytes delivered to the guest.",
	})
)

func init() {
	prometheus.MustRegister(statusTransitions)
	prometheus.MustRegister(activations)
	prometheus.MustRegister(interrupts)
	prometheus.MustRegister(protocolViolations)
	prometheus.MustRegister(queueNotifications)
	prometheus.MustRegister(rngBytes)
}

// Interrupt delivery kinds used as the "kind" label.
const (
	interruptKindMSIX       = "msix"
	interruptKindINTx       = "intx"
	interruptKindSuppressed = "suppressed"
)

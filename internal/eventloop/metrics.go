package eventloop

import "github.com/prometheus/client_golang/prometheus"

const (
	resultOK      = "ok"
	resultError   = "error"
	resultPanic   = "panic"
	resultDropped = "dropped"
)

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vmvirtio",
	Name:      "eventloop_events_total",
	Help:      "Handler invocations by result.",
},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(eventsTotal)
}

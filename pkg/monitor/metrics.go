package monitor

import (
	"PushRelay/pkg/registry"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	slotsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pushrelay_slots_pending",
		Help: "Reserved connection slots waiting for a socket",
	})
	connectionsBound = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pushrelay_connections_bound",
		Help: "Connection slots holding a live socket",
	})
	pushRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pushrelay_push_requests_total",
		Help: "Push requests accepted by the push service",
	})
	emits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pushrelay_emits_total",
		Help: "Per-connection emit attempts by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(slotsPending, connectionsBound, pushRequests, emits)
}

// RegistryObserver keeps the slot gauges in step with the connection registry.
type RegistryObserver struct{}

var _ registry.Observer = RegistryObserver{}

func (RegistryObserver) SlotReserved(string, string) { slotsPending.Inc() }

func (RegistryObserver) HandleBound(*registry.Handle) {
	slotsPending.Dec()
	connectionsBound.Inc()
}

func (RegistryObserver) HandleUnbound(*registry.Handle) { connectionsBound.Dec() }

// ObservePush records one push request and how many of the recipient's
// connections accepted it out of how many were tried.
func ObservePush(delivered, attempted int) {
	pushRequests.Inc()
	if delivered > 0 {
		emits.WithLabelValues("ok").Add(float64(delivered))
	}
	if failed := attempted - delivered; failed > 0 {
		emits.WithLabelValues("failed").Add(float64(failed))
	}
}

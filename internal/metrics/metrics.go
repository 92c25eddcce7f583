package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the supervision core's instrumentation
type Metrics struct {
	OperationsTotal    *prometheus.CounterVec
	OperationsInFlight prometheus.Gauge
	ResponseRaces      prometheus.Counter
	GraceExceeded      prometheus.Counter
}

// New creates and registers the warden metrics
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_operations_total",
			Help: "total number of supervised operations by terminal outcome",
		}, []string{"outcome"}),
		OperationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_operations_in_flight",
			Help: "number of operations currently supervised",
		}),
		ResponseRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_response_races_total",
			Help: "number of response attempts that lost the response gate",
		}),
		GraceExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_grace_exceeded_total",
			Help: "number of cancelled operations that failed to unwind within the grace period",
		}),
	}

	reg.MustRegister(m.OperationsTotal)
	reg.MustRegister(m.OperationsInFlight)
	reg.MustRegister(m.ResponseRaces)
	reg.MustRegister(m.GraceExceeded)

	return m
}

package session

import "github.com/prometheus/client_golang/prometheus"

// metrics instruments the registry. A nil receiver means metrics are
// disabled, so call sites stay unconditional.
type metrics struct {
	connects     prometheus.Counter
	reconnects   prometheus.Counter
	logouts      prometheus.Counter
	pairingCodes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, r *Registry) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Transport dial attempts.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "session",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnects scheduled after retryable closures.",
		}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "session",
			Name:      "logouts_total",
			Help:      "Permanent session teardowns.",
		}),
		pairingCodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatlink",
			Subsystem: "session",
			Name:      "pairing_codes_total",
			Help:      "Pairing codes issued.",
		}),
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chatlink",
		Subsystem: "session",
		Name:      "active_sessions",
		Help:      "Sessions currently tracked by the registry.",
	}, func() float64 { return float64(r.Len()) })

	reg.MustRegister(m.connects, m.reconnects, m.logouts, m.pairingCodes, active)

	return m
}

func (m *metrics) incConnects() {
	if m != nil {
		m.connects.Inc()
	}
}

func (m *metrics) incReconnects() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *metrics) incLogouts() {
	if m != nil {
		m.logouts.Inc()
	}
}

func (m *metrics) incPairingCodes() {
	if m != nil {
		m.pairingCodes.Inc()
	}
}

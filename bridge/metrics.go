package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/idvault/vault"
)

type metrics struct {
	unlocks *prometheus.CounterVec
	locks   *prometheus.CounterVec
	clears  *prometheus.CounterVec
	errors  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idvault",
			Name:      "unlock_attempts_total",
			Help:      "Unlock attempts by method and result.",
		}, []string{"method", "result"}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idvault",
			Name:      "locks_total",
			Help:      "Vaults locked, by trigger.",
		}, []string{"trigger"}),
		clears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idvault",
			Name:      "clears_total",
			Help:      "Vaults cleared, by reason.",
		}, []string{"reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idvault",
			Name:      "errors_total",
			Help:      "Errors returned to callers, by action and kind.",
		}, []string{"action", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.unlocks, m.locks, m.clears, m.errors)
	}
	return m
}

func (m *metrics) unlock(method string, err error) {
	result := "success"
	if err != nil {
		result = vault.KindOf(err).Name()
	}
	m.unlocks.WithLabelValues(method, result).Inc()
}

func (m *metrics) lock(timeout bool) {
	trigger := "manual"
	if timeout {
		trigger = "timeout"
	}
	m.locks.WithLabelValues(trigger).Inc()
}

func (m *metrics) clear(reason string) {
	m.clears.WithLabelValues(reason).Inc()
}

func (m *metrics) error(action Action, err error) {
	m.errors.WithLabelValues(string(action), vault.KindOf(err).Name()).Inc()
}

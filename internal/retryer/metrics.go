package retryer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "buildconfd"

const apiRetriesMetricName = "api_retries_total"

const reasonLabel = "reason"

type metricCollector struct {
	retries *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		retries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      apiRetriesMetricName,
				Help:      "count of retried hosting service api operations",
			},
			[]string{reasonLabel},
		),
	}
}

func (m *metricCollector) RateLimitWaitsInc() {
	m.retries.With(prometheus.Labels{reasonLabel: "rate_limit"}).Inc()
}

func (m *metricCollector) ConnectionRetriesInc() {
	m.retries.With(prometheus.Labels{reasonLabel: "connection_failed"}).Inc()
}

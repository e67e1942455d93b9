package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/buildbot"
	"github.com/simplesurance/buildconfd/internal/logfields"
)

const metricNamespace = "buildconfd"

const (
	pollCyclesMetricName        = "poll_cycles_total"
	pollErrorsMetricName        = "poll_errors_total"
	buildsTriggeredMetricName   = "builds_triggered_total"
	branchOperationsMetricName  = "override_branch_operations_total"
	cachedPullRequestsName      = "cached_pull_requests_count"
	updateFailedMetricName      = "workspace_update_failed"
	lastCycleDurationMetricName = "last_poll_cycle_duration_seconds"
)

const (
	repositoryLabel = "repository"
	categoryLabel   = "category"
	operationLabel  = "operation"
)

type operationLabelVal string

const (
	operationLabelPushVal   operationLabelVal = "push"
	operationLabelDeleteVal operationLabelVal = "delete"
)

type metricCollector struct {
	logger            *zap.Logger
	pollCycles        prometheus.Counter
	pollErrors        *prometheus.CounterVec
	buildsTriggered   *prometheus.CounterVec
	branchOps         *prometheus.CounterVec
	cachedPRs         prometheus.Gauge
	updateFailed      prometheus.Gauge
	lastCycleDuration prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		pollCycles: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      pollCyclesMetricName,
				Help:      "count of completed poll cycles",
			},
		),
		pollErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      pollErrorsMetricName,
				Help:      "count of errors that happened while processing a repository",
			},
			[]string{repositoryLabel},
		),
		buildsTriggered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      buildsTriggeredMetricName,
				Help:      "count of build notifications sent to buildbot",
			},
			[]string{categoryLabel},
		),
		branchOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      branchOperationsMetricName,
				Help:      "count of pushed and deleted override branches",
			},
			[]string{operationLabel},
		),
		cachedPRs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      cachedPullRequestsName,
				Help:      "count of pull requests in the cache",
			},
		),
		updateFailed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      updateFailedMetricName,
				Help:      "1 if the last workspace update failed, otherwise 0",
			},
		),
		lastCycleDuration: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      lastCycleDurationMetricName,
				Help:      "duration of the last poll cycle",
			},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) PollCyclesInc() {
	m.pollCycles.Inc()
}

func (m *metricCollector) PollErrorsInc(repository string) {
	cnt, err := m.pollErrors.GetMetricWith(prometheus.Labels{repositoryLabel: repository})
	if err != nil {
		m.logGetMetricFailed(pollErrorsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) BuildsTriggeredInc(category buildbot.Category) {
	cnt, err := m.buildsTriggered.GetMetricWith(prometheus.Labels{categoryLabel: string(category)})
	if err != nil {
		m.logGetMetricFailed(buildsTriggeredMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) BranchOpsInc(operation operationLabelVal) {
	cnt, err := m.branchOps.GetMetricWith(prometheus.Labels{operationLabel: string(operation)})
	if err != nil {
		m.logGetMetricFailed(branchOperationsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) CachedPRsSet(cnt int) {
	m.cachedPRs.Set(float64(cnt))
}

func (m *metricCollector) UpdateFailedSet(failed bool) {
	if failed {
		m.updateFailed.Set(1)
		return
	}

	m.updateFailed.Set(0)
}

func (m *metricCollector) LastCycleDurationSet(seconds float64) {
	m.lastCycleDuration.Set(seconds)
}

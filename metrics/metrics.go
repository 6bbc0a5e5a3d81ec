package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/suiteview/suiteview/tree"
)

const (
	MetricsNamespace = "suiteview"
)

var (
	patchesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "patches_applied_total",
		Help:      "Count of tree patches merged into the snapshot",
	})

	protocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "protocol_violations_total",
		Help:      "Count of patches rejected for violating the update protocol",
	}, []string{
		"nodeid",
	})

	testRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_runs_total",
		Help:      "Count of completed test case executions by result",
	}, []string{
		"result",
	})

	commandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "commands_received_total",
		Help:      "Count of commands received over the update channel",
	}, []string{
		"command",
	})

	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "connected_clients",
		Help:      "Number of clients attached to the update stream",
	})
)

func RecordPatchApplied() {
	patchesApplied.Inc()
}

func RecordProtocolViolation(id tree.Nodeid) {
	protocolViolations.WithLabelValues(id.String()).Inc()
}

func RecordTestRun(result tree.Status) {
	testRuns.WithLabelValues(string(result)).Inc()
}

func RecordCommand(command string) {
	commandsReceived.WithLabelValues(command).Inc()
}

func ClientConnected() {
	connectedClients.Inc()
}

func ClientDisconnected() {
	connectedClients.Dec()
}

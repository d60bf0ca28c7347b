// Package metrics exports daemon metrics in the Prometheus text format. Fleet
// gauges are computed fresh on every scrape; operation counters live in the
// Prometheus default registry and are appended via the text encoder.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/warden-sh/warden/internal/registry"
	"github.com/warden-sh/warden/pkg/models"
)

// allStatuses is the fixed export order; every status appears even at 0 so
// dashboards never see series flapping in and out.
var allStatuses = []models.InstanceStatus{
	models.StatusAbsent,
	models.StatusCreating,
	models.StatusStarting,
	models.StatusRunning,
	models.StatusStopping,
	models.StatusStopped,
	models.StatusRecreating,
	models.StatusFailed,
}

// SessionCounter reports how many observer sessions are open.
type SessionCounter interface {
	Count() int
}

// Exporter serves /metrics and records operation outcomes.
type Exporter struct {
	registry  *registry.Registry
	sessions  SessionCounter
	startTime time.Time

	operations *promclient.CounterVec
	saves      *promclient.CounterVec
}

// NewExporter creates the exporter and registers its counters with the
// Prometheus default registry.
func NewExporter(reg *registry.Registry, sessions SessionCounter) *Exporter {
	e := &Exporter{
		registry:  reg,
		sessions:  sessions,
		startTime: time.Now(),
		operations: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "warden_lifecycle_operations_total",
			Help: "Lifecycle operations by operation and result",
		}, []string{"operation", "result"}),
		saves: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "warden_state_saves_total",
			Help: "State file writes by result",
		}, []string{"result"}),
	}
	promclient.MustRegister(e.operations, e.saves)
	return e
}

// RecordOperation counts one lifecycle operation outcome.
func (e *Exporter) RecordOperation(op, result string) {
	e.operations.WithLabelValues(op, result).Inc()
}

// RecordSave counts one state file write outcome.
func (e *Exporter) RecordSave(result string) {
	e.saves.WithLabelValues(result).Inc()
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	counts := e.registry.CountByStatus()

	fmt.Fprintf(w, "# HELP warden_instances Managed instances by status\n")
	fmt.Fprintf(w, "# TYPE warden_instances gauge\n")
	for _, status := range allStatuses {
		fmt.Fprintf(w, "warden_instances{status=\"%s\"} %d\n", status, counts[status])
	}

	fmt.Fprintf(w, "\n# HELP warden_instances_total Total managed instances\n")
	fmt.Fprintf(w, "# TYPE warden_instances_total gauge\n")
	fmt.Fprintf(w, "warden_instances_total %d\n", e.registry.Len())

	if e.sessions != nil {
		fmt.Fprintf(w, "\n# HELP warden_stream_sessions Open observer sessions\n")
		fmt.Fprintf(w, "# TYPE warden_stream_sessions gauge\n")
		fmt.Fprintf(w, "warden_stream_sessions %d\n", e.sessions.Count())
	}

	fmt.Fprintf(w, "\n# HELP warden_uptime_seconds Daemon uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE warden_uptime_seconds gauge\n")
	fmt.Fprintf(w, "warden_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	fmt.Fprintf(w, "\n")

	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}

package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "wagerledger"

	labelOperation = "operation"
	labelStatus    = "status"
	labelTask      = "task"

	// StatusOK and StatusError label scheduler runs.
	StatusOK    = "ok"
	StatusError = "error"
)

// Recorder counts ledger operations and scheduler runs.
type Recorder struct {
	gatherer       prometheus.Gatherer
	operations     *prometheus.CounterVec
	settledPayouts prometheus.Counter
	schedulerRuns  *prometheus.CounterVec
	schedulerItems *prometheus.CounterVec
}

// NewRecorder registers the collectors on the given registry.
func NewRecorder(registry *prometheus.Registry) (*Recorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("metrics registry is nil")
	}
	recorder := &Recorder{
		gatherer: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{labelOperation, labelStatus}),
		settledPayouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_points_total",
			Help:      "Points paid out to winning bets.",
		}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Scheduler task runs by outcome.",
		}, []string{labelTask, labelStatus}),
		schedulerItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_items_total",
			Help:      "Records changed by scheduler tasks.",
		}, []string{labelTask}),
	}
	for _, collector := range []prometheus.Collector{recorder.operations, recorder.settledPayouts, recorder.schedulerRuns, recorder.schedulerItems} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return recorder, nil
}

// LogOperation implements ledger.OperationLogger.
func (recorder *Recorder) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	recorder.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Succeeded() && entry.Kind == ledger.KindBetWon && entry.Amount > 0 {
		recorder.settledPayouts.Add(float64(entry.Amount))
	}
}

// ObserveTask records one scheduler run and how many records it changed.
func (recorder *Recorder) ObserveTask(task string, changed int, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	recorder.schedulerRuns.WithLabelValues(task, status).Inc()
	if changed > 0 {
		recorder.schedulerItems.WithLabelValues(task).Add(float64(changed))
	}
}

// Handler exposes the registry in the Prometheus text format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.gatherer, promhttp.HandlerOpts{})
}

var _ ledger.OperationLogger = (*Recorder)(nil)

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	Operations       *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	Rejections       *prometheus.CounterVec
	PiecesMoved      *prometheus.CounterVec
	FabricDeducted   prometheus.Counter
	LedgerAppended   *prometheus.CounterVec
	OutboxPublished  *prometheus.CounterVec
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "production_operations_total",
		Help: "Engine operations by name and result.",
	}, []string{"operation", "result"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "production_operation_latency_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "production_rejections_total",
		Help: "Rejected operations by error kind.",
	}, []string{"operation", "kind"})
	pieces := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "production_pieces_moved_total",
		Help: "Pieces moved into a pipeline position.",
	}, []string{"position"})
	fabric := prometheus.NewCounter(prometheus.CounterOpts{Name: "production_fabric_deducted_units_total"})
	ledger := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "production_ledger_entries_total",
	}, []string{"stream_type"})
	outbox := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "production_ledger_outbox_publish_total",
	}, []string{"result"})

	r.MustRegister(operations, latency, rejections, pieces, fabric, ledger, outbox)
	return &Registry{
		reg:              r,
		Operations:       operations,
		OperationLatency: latency,
		Rejections:       rejections,
		PiecesMoved:      pieces,
		FabricDeducted:   fabric,
		LedgerAppended:   ledger,
		OutboxPublished:  outbox,
	}
}

func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// ObserveOperation records the outcome of one engine operation started at start.
// An empty kind means the operation succeeded.
func (r *Registry) ObserveOperation(operation string, start time.Time, kind string) {
	r.OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if kind == "" {
		r.Operations.WithLabelValues(operation, "ok").Inc()
		return
	}
	r.Operations.WithLabelValues(operation, "error").Inc()
	r.Rejections.WithLabelValues(operation, kind).Inc()
}

func (r *Registry) AddPieces(position string, pieces int) {
	if pieces <= 0 {
		return
	}
	r.PiecesMoved.WithLabelValues(position).Add(float64(pieces))
}

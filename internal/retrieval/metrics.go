package retrieval

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments owned by the orchestrator.
// A nil *Metrics records nothing.
type Metrics struct {
	// answersTotal counts answered queries, partitioned by the tier that
	// produced the answer and by outcome ("ok" or "error").
	answersTotal *prometheus.CounterVec

	// retrievedChunks records how many chunks each search returned before
	// the fallback decision.
	retrievedChunks *prometheus.HistogramVec

	// flattenedRetries counts answers produced by the flattened-prompt retry.
	flattenedRetries prometheus.Counter

	// queryDurationSeconds records end-to-end query latency per tier.
	queryDurationSeconds *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator metrics against reg. promauto.With
// keeps tests hermetic when reg is a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		answersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbai",
			Subsystem: "rag",
			Name:      "answers_total",
			Help:      "Queries answered, partitioned by fallback tier and outcome.",
		}, []string{"tier", "outcome"}),

		retrievedChunks: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbai",
			Subsystem: "rag",
			Name:      "retrieved_chunks",
			Help:      "Number of chunks returned by a scoped retrieval.",
			Buckets:   []float64{0, 1, 2, 4, 8, 12},
		}, []string{"mode"}),

		flattenedRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kbai",
			Subsystem: "rag",
			Name:      "flattened_retries_total",
			Help:      "Answers that required the flattened-prompt retry.",
		}),

		queryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbai",
			Subsystem: "rag",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency, partitioned by the tier that answered.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tier"}),
	}
}

// observeRetrieval records the size of one scoped retrieval.
func (m *Metrics) observeRetrieval(mode string, n int) {
	if m == nil {
		return
	}
	m.retrievedChunks.WithLabelValues(mode).Observe(float64(n))
}

// observeAnswer records the outcome of one query.
func (m *Metrics) observeAnswer(ans *Answer, err error, start time.Time) {
	if m == nil {
		return
	}
	tier, outcome := "unknown", "ok"
	if ans != nil {
		tier = string(ans.Tier)
		if ans.Flattened {
			m.flattenedRetries.Inc()
		}
	}
	if err != nil {
		outcome = "error"
	}
	m.answersTotal.WithLabelValues(tier, outcome).Inc()
	m.queryDurationSeconds.WithLabelValues(tier).Observe(time.Since(start).Seconds())
}

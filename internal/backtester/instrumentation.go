package backtester

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Instrumentation exports engine activity as Prometheus metrics. A nil
// *Instrumentation is valid and records nothing.
type Instrumentation struct {
	eventsProcessed *prometheus.CounterVec
	fills           *prometheus.CounterVec
	commission      prometheus.Counter
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	portfolioValue  prometheus.Gauge
	rejectedFills   prometheus.Counter
}

// NewInstrumentation creates the collectors and registers them with reg.
func NewInstrumentation(reg prometheus.Registerer) *Instrumentation {
	inst := &Instrumentation{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "events_processed_total",
			Help:      "Events dispatched by the engine, by event type.",
		}, []string{"type"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "fills_total",
			Help:      "Fills booked by the portfolio, by direction.",
		}, []string{"direction"}),
		commission: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "commission_paid_total",
			Help:      "Commission charged on simulated fills.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "runs_total",
			Help:      "Finished runs, by terminal state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "backtest",
			Name:      "run_duration_seconds",
			Help:      "Wall clock time spent draining the event queue.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		portfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backtest",
			Name:      "portfolio_value",
			Help:      "Total portfolio value at the end of the last finished run.",
		}),
		rejectedFills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Name:      "fills_rejected_total",
			Help:      "Fills dropped because the reject funding policy could not cover them.",
		}),
	}

	reg.MustRegister(
		inst.eventsProcessed,
		inst.fills,
		inst.commission,
		inst.runs,
		inst.runDuration,
		inst.portfolioValue,
		inst.rejectedFills,
	)
	return inst
}

func (i *Instrumentation) observeEvent(eventType string) {
	if i == nil {
		return
	}
	i.eventsProcessed.WithLabelValues(eventType).Inc()
}

func (i *Instrumentation) observeFill(direction string, commission decimal.Decimal) {
	if i == nil {
		return
	}
	i.fills.WithLabelValues(direction).Inc()
	i.commission.Add(commission.InexactFloat64())
}

func (i *Instrumentation) observeRejection() {
	if i == nil {
		return
	}
	i.rejectedFills.Inc()
}

func (i *Instrumentation) observeRun(state State, seconds float64, value decimal.Decimal) {
	if i == nil {
		return
	}
	i.runs.WithLabelValues(string(state)).Inc()
	i.runDuration.Observe(seconds)
	i.portfolioValue.Set(value.InexactFloat64())
}

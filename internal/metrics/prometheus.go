package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	cyclesOpened      prometheus.Counter
	cyclesClosed      prometheus.Counter
	ordersPlaced      prometheus.Counter
	ordersFailed      prometheus.Counter
	stopLossTriggered prometheus.Counter
	orphansRepaired   prometheus.Counter
	reconcileErrors   prometheus.Counter
	manualRequired    prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	cyclesOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_opened_total",
		Help:      "Total number of hedge cycles opened.",
	})
	cyclesClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_closed_total",
		Help:      "Total number of hedge cycles closed.",
	})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed across both venues.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	stopLossTriggered := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "stop_loss_triggered_total",
		Help:      "Total number of stop-loss triggered closes.",
	})
	orphansRepaired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orphans_repaired_total",
		Help:      "Total number of orphan legs flattened during recovery.",
	})
	reconcileErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "reconcile_errors_total",
		Help:      "Total number of recovery runs ending in the error state.",
	})
	manualRequired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "manual_interventions_total",
		Help:      "Total number of times manual intervention was requested.",
	})

	registry.MustRegister(cyclesOpened, cyclesClosed, ordersPlaced, ordersFailed, stopLossTriggered, orphansRepaired, reconcileErrors, manualRequired)

	m := &Metrics{
		CyclesOpened:        promCounter{cyclesOpened},
		CyclesClosed:        promCounter{cyclesClosed},
		OrdersPlaced:        promCounter{ordersPlaced},
		OrdersFailed:        promCounter{ordersFailed},
		StopLossTriggered:   promCounter{stopLossTriggered},
		OrphansRepaired:     promCounter{orphansRepaired},
		ReconcileErrors:     promCounter{reconcileErrors},
		ManualInterventions: promCounter{manualRequired},
	}

	return &Prometheus{
		Metrics:           m,
		registry:          registry,
		cyclesOpened:      cyclesOpened,
		cyclesClosed:      cyclesClosed,
		ordersPlaced:      ordersPlaced,
		ordersFailed:      ordersFailed,
		stopLossTriggered: stopLossTriggered,
		orphansRepaired:   orphansRepaired,
		reconcileErrors:   reconcileErrors,
		manualRequired:    manualRequired,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

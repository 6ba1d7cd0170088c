package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	CyclesOpened        Counter
	CyclesClosed        Counter
	OrdersPlaced        Counter
	OrdersFailed        Counter
	StopLossTriggered   Counter
	OrphansRepaired     Counter
	ReconcileErrors     Counter
	ManualInterventions Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CyclesOpened:        n,
		CyclesClosed:        n,
		OrdersPlaced:        n,
		OrdersFailed:        n,
		StopLossTriggered:   n,
		OrphansRepaired:     n,
		ReconcileErrors:     n,
		ManualInterventions: n,
	}
}

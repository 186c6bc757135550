package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersSubmitted    Counter
	OrdersFailed       Counter
	SizingRejected     Counter
	SoftFailReads      Counter
	InvariantViolation Counter
	ApprovalsSent      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersSubmitted:    n,
		OrdersFailed:       n,
		SizingRejected:     n,
		SoftFailReads:      n,
		InvariantViolation: n,
		ApprovalsSent:      n,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "leverage_engine"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersSubmitted prometheus.Counter
	ordersFailed    prometheus.Counter
	sizingRejected  prometheus.Counter
	softFailReads   prometheus.Counter
	invariants      prometheus.Counter
	approvalsSent   prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		ordersSubmitted: newCounter("orders_submitted_total", "Total number of position requests accepted by the position router."),
		ordersFailed:    newCounter("orders_failed_total", "Total number of position request submissions that failed."),
		sizingRejected:  newCounter("sizing_rejected_total", "Total number of open requests rejected by sizing."),
		softFailReads:   newCounter("soft_fail_reads_total", "Total number of optional chain reads that defaulted to zero."),
		invariants:      newCounter("invariant_violations_total", "Total number of protocol invariant violations observed."),
		approvalsSent:   newCounter("approvals_sent_total", "Total number of plugin approval transactions sent."),
	}
	p.registry.MustRegister(
		p.ordersSubmitted,
		p.ordersFailed,
		p.sizingRejected,
		p.softFailReads,
		p.invariants,
		p.approvalsSent,
	)
	p.Metrics = &Metrics{
		OrdersSubmitted:    promCounter{p.ordersSubmitted},
		OrdersFailed:       promCounter{p.ordersFailed},
		SizingRejected:     promCounter{p.sizingRejected},
		SoftFailReads:      promCounter{p.softFailReads},
		InvariantViolation: promCounter{p.invariants},
		ApprovalsSent:      promCounter{p.approvalsSent},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

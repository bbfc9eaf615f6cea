package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the control-plane instruments.
type Metrics struct {
	RequestDuration       metric.Float64Histogram
	ControlActions        metric.Int64Counter
	ConfirmationsResolved metric.Int64Counter
	QuestionsOpen         metric.Int64UpDownCounter
	ForwardFailures       metric.Int64Counter
	SSESubscribers        metric.Int64UpDownCounter
	AuthRejections        metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("runplane.request.duration",
		metric.WithDescription("Control request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ControlActions, err = meter.Int64Counter("runplane.control.actions",
		metric.WithDescription("Control actions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfirmationsResolved, err = meter.Int64Counter("runplane.confirmations.resolved",
		metric.WithDescription("Confirmation requests consumed or expired"),
	)
	if err != nil {
		return nil, err
	}

	m.QuestionsOpen, err = meter.Int64UpDownCounter("runplane.questions.open",
		metric.WithDescription("Questions currently queued"),
	)
	if err != nil {
		return nil, err
	}

	m.ForwardFailures, err = meter.Int64Counter("runplane.forward.failures",
		metric.WithDescription("Failed child control forwarding attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.SSESubscribers, err = meter.Int64UpDownCounter("runplane.events.subscribers",
		metric.WithDescription("Open event-stream connections"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthRejections, err = meter.Int64Counter("runplane.auth.rejections",
		metric.WithDescription("Rejected credentials and CSRF failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the bridge instruments.
type Metrics struct {
	ActiveConnections metric.Int64UpDownCounter
	ConnectionsTotal  metric.Int64Counter
	HandshakeDuration metric.Float64Histogram
	ChallengeFailures metric.Int64Counter
	MessagesByKind    metric.Int64Counter
	RejectedFrames    metric.Int64Counter
	SecurityEvents    metric.Int64Counter
	Evictions         metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveConnections, err = meter.Int64UpDownCounter("toolbridge.connections.active",
		metric.WithDescription("Registered bridge connections"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionsTotal, err = meter.Int64Counter("toolbridge.connections.total",
		metric.WithDescription("Accepted WebSocket upgrades"),
	)
	if err != nil {
		return nil, err
	}

	m.HandshakeDuration, err = meter.Float64Histogram("toolbridge.handshake.duration",
		metric.WithDescription("Time from upgrade to challenge verification in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ChallengeFailures, err = meter.Int64Counter("toolbridge.challenge.failures",
		metric.WithDescription("Rejected challenge responses"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesByKind, err = meter.Int64Counter("toolbridge.messages",
		metric.WithDescription("Validated inbound messages by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.RejectedFrames, err = meter.Int64Counter("toolbridge.frames.rejected",
		metric.WithDescription("Inbound frames rejected before dispatch, by error code"),
	)
	if err != nil {
		return nil, err
	}

	m.SecurityEvents, err = meter.Int64Counter("toolbridge.security.events",
		metric.WithDescription("Security audit events by severity"),
	)
	if err != nil {
		return nil, err
	}

	m.Evictions, err = meter.Int64Counter("toolbridge.registry.evictions",
		metric.WithDescription("Connections removed by supersession or stale sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("toolbridge.ratelimit.rejects",
		metric.WithDescription("Upgrade requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Package metrics exports channel traffic and connection state as
// Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbirk/hyperipc/pkg/rpc"
	"github.com/kbirk/hyperipc/pkg/value"
)

const defaultMetricsNamespace = "hyperipc"

// Config contains metrics configuration.
type Config struct {
	// Namespace is the prometheus namespace for all metrics. If empty, defaults to "hyperipc".
	Namespace string
	// ConstLabels are added to every metric, e.g. the process role.
	ConstLabels map[string]string
	// Registerer is the prometheus registerer to use. If nil, prometheus.DefaultRegisterer is used.
	Registerer prometheus.Registerer
}

// Registry holds all channel metrics.
type Registry struct {
	config Config

	callsTotal       *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	inflightCalls    *prometheus.GaugeVec
	subscriptions    *prometheus.GaugeVec
	connections      prometheus.Gauge
	reconnectsTotal  prometheus.Counter
	stateTransitions *prometheus.CounterVec
}

func New(cfg Config) (*Registry, error) {
	registerer := cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	metricsNamespace := cfg.Namespace
	if metricsNamespace == "" {
		metricsNamespace = defaultMetricsNamespace
	}

	constLabels := prometheus.Labels(cfg.ConstLabels)

	m := &Registry{
		config: cfg,
	}

	m.callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "channel",
		Name:        "calls_total",
		Help:        "Number of handled channel calls.",
		ConstLabels: constLabels,
	}, []string{"channel", "command", "outcome"})

	m.callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "channel",
		Name:        "call_duration_seconds",
		Buckets:     prometheus.DefBuckets,
		Help:        "Histogram of channel call handling duration.",
		ConstLabels: constLabels,
	}, []string{"channel", "command"})

	m.inflightCalls = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "channel",
		Name:        "inflight_calls",
		Help:        "Number of channel calls being handled.",
		ConstLabels: constLabels,
	}, []string{"channel"})

	m.subscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "channel",
		Name:        "subscriptions",
		Help:        "Number of active event subscriptions.",
		ConstLabels: constLabels,
	}, []string{"channel", "event"})

	m.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "server",
		Name:        "connections",
		Help:        "Number of connected clients.",
		ConstLabels: constLabels,
	})

	m.reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "client",
		Name:        "reconnects_total",
		Help:        "Number of sessions resumed after a transport loss.",
		ConstLabels: constLabels,
	})

	m.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Subsystem:   "client",
		Name:        "state_transitions_total",
		Help:        "Number of client connection state changes.",
		ConstLabels: constLabels,
	}, []string{"state"})

	var alreadyRegistered prometheus.AlreadyRegisteredError

	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callDuration,
		m.inflightCalls,
		m.subscriptions,
		m.connections,
		m.reconnectsTotal,
		m.stateTransitions,
	}
	for _, collector := range collectors {
		err := registerer.Register(collector)
		if err != nil && !errors.As(err, &alreadyRegistered) {
			return nil, err
		}
	}

	return m, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rpc.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, rpc.ErrUnknownChannel), errors.Is(err, rpc.ErrUnknownCommand):
		return "unknown"
	}
	return "error"
}

// Middleware records every call handled by the server or client it is
// installed on.
func (m *Registry) Middleware() rpc.Middleware {
	return func(ctx context.Context, req *rpc.Request, next rpc.Handler) (value.Value, error) {
		inflight := m.inflightCalls.WithLabelValues(req.Channel)
		inflight.Inc()
		started := time.Now()

		result, err := next(ctx, req)

		inflight.Dec()
		m.callDuration.WithLabelValues(req.Channel, req.Command).Observe(time.Since(started).Seconds())
		m.callsTotal.WithLabelValues(req.Channel, req.Command, outcome(err)).Inc()
		return result, err
	}
}

// ObserveServer tracks the number of connected clients.
func (m *Registry) ObserveServer(server *rpc.Server) {
	server.OnDidAddConnection().Subscribe(func(*rpc.ClientConnection) {
		m.connections.Inc()
	})
	server.OnDidRemoveConnection().Subscribe(func(*rpc.ClientConnection) {
		m.connections.Dec()
	})
}

// ObserveClient counts state changes and resumed sessions.
func (m *Registry) ObserveClient(client *rpc.Client) {
	reconnecting := false
	client.OnDidChangeState().Subscribe(func(state rpc.ConnectionState) {
		m.stateTransitions.WithLabelValues(state.String()).Inc()
		if state == rpc.Connected && reconnecting {
			m.reconnectsTotal.Inc()
		}
		reconnecting = state == rpc.Reconnecting
	})
}

// Channel wraps ch so that its event subscriptions are counted.
func (m *Registry) Channel(name string, ch rpc.ServerChannel) rpc.ServerChannel {
	return &countedChannel{
		ServerChannel: ch,
		name:          name,
		registry:      m,
	}
}

type countedChannel struct {
	rpc.ServerChannel
	name     string
	registry *Registry
}

func (c *countedChannel) Listen(ctx context.Context, caller rpc.CallContext, event string, arg value.Value) (rpc.Event[value.Value], error) {
	evt, err := c.ServerChannel.Listen(ctx, caller, event, arg)
	if err != nil {
		return nil, err
	}
	gauge := c.registry.subscriptions.WithLabelValues(c.name, event)
	return countedEvent{inner: evt, gauge: gauge}, nil
}

type countedEvent struct {
	inner rpc.Event[value.Value]
	gauge prometheus.Gauge
}

func (e countedEvent) Subscribe(fn func(value.Value)) *rpc.Subscription {
	sub := e.inner.Subscribe(fn)
	e.gauge.Inc()
	go func() {
		<-sub.Done()
		e.gauge.Dec()
	}()
	return sub
}

// Handler serves the registered metrics in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

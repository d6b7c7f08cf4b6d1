// Package metrics exposes gateway counters in the Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/dispatch"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

const namespace = "qbot"

// Collector owns the gateway's metric vectors and a private registry.
type Collector struct {
	registry *prometheus.Registry

	Events           *prometheus.CounterVec
	PluginOutcomes   *prometheus.CounterVec
	PluginFailures   *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	BotConnections   *prometheus.CounterVec
}

// New creates a collector. onlineBots, if set, backs the bots_online gauge.
func New(onlineBots func() int) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus events published, by event name.",
		}, []string{"event"}),
		PluginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_outcomes_total",
			Help:      "Per-plugin dispatch outcomes.",
		}, []string{"plugin", "outcome"}),
		PluginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_failures_total",
			Help:      "Plugin errors and panics, by stage.",
		}, []string{"plugin", "stage"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to route one inbound message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		BotConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_connections_total",
			Help:      "Bot connect and disconnect transitions.",
		}, []string{"state"}),
	}
	reg.MustRegister(c.Events, c.PluginOutcomes, c.PluginFailures, c.DispatchDuration, c.BotConnections)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if onlineBots != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bots_online",
			Help:      "Bots currently connected.",
		}, func() float64 { return float64(onlineBots()) }))
	}
	return c
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

const subscriberID = "metrics"

// Subscribe counts every event the gateway publishes.
func (c *Collector) Subscribe(b bus.EventPublisher) {
	for _, name := range []string{
		bus.EventModulesLoaded, bus.EventBeforeHandle, bus.EventAfterHandle, bus.EventPluginFailed,
		bus.EventBotConnected, bus.EventBotDisconnected, bus.EventMessageRecalled,
		bus.EventMessageReceived, bus.EventMessageSent, bus.EventGroupListUpdated,
	} {
		b.Subscribe(name, subscriberID, c.onEvent)
	}
}

func (c *Collector) onEvent(_ context.Context, ev bus.Event) error {
	c.Events.WithLabelValues(ev.Name).Inc()
	switch ev.Name {
	case bus.EventPluginFailed:
		module, _ := ev.Data["module"].(string)
		stage, _ := ev.Data["stage"].(string)
		c.PluginFailures.WithLabelValues(module, stage).Inc()
	case bus.EventBotConnected:
		c.BotConnections.WithLabelValues("connected").Inc()
	case bus.EventBotDisconnected:
		c.BotConnections.WithLabelValues("disconnected").Inc()
	}
	return nil
}

// Router wraps a dispatcher so every routed message is timed and its
// per-plugin outcomes counted.
type Router struct {
	d *dispatch.Dispatcher
	c *Collector
}

// Instrument returns d wrapped with c.
func (c *Collector) Instrument(d *dispatch.Dispatcher) *Router {
	return &Router{d: d, c: c}
}

func (r *Router) Dispatch(ctx context.Context, message string, mc *plugin.Context) (*plugin.Response, error) {
	start := time.Now()
	rep, err := r.d.Route(ctx, message, mc)
	result := "silent"
	switch {
	case err != nil:
		result = "aborted"
	case rep.Response != nil:
		result = "responded"
	}
	r.c.DispatchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	for _, res := range rep.Results {
		r.c.PluginOutcomes.WithLabelValues(res.Plugin, res.Outcome.String()).Inc()
	}
	if err != nil {
		return nil, err
	}
	return rep.Response, nil
}

package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/dispatch"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

type pong struct{ *plugin.Base }

func (pong) Name() string        { return "pong" }
func (pong) Version() string     { return "1.0.0" }
func (pong) Description() string { return "replies pong" }

func (pong) CanHandle(context.Context, string, *plugin.Context) (bool, error) { return true, nil }

func (pong) Handle(context.Context, string, *plugin.Context) (*plugin.Response, error) {
	return plugin.NewResponse("pong"), nil
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TelemetryConfig{}, "dev")
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))

	var zero Provider
	assert.NotNil(t, zero.Tracer())
	assert.NoError(t, zero.Shutdown(context.Background()))
}

func TestUnknownProtocol(t *testing.T) {
	_, err := NewProvider(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "udp"}, "")
	assert.ErrorContains(t, err, "udp")
}

func TestHTTPExporterCreatesLazily(t *testing.T) {
	p, err := NewProvider(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Protocol: "http",
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
	}, "dev")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestDispatchSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := install(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)))
	defer func() { _ = p.Shutdown(context.Background()) }()

	d := dispatch.New(dispatch.Catalog{
		"pong": func() (plugin.Plugin, error) { return pong{plugin.NewBase("pong", "1.0.0")}, nil },
	}, nil, dispatch.WithTracer(p.Tracer()))
	require.NoError(t, d.Load(context.Background(), dispatch.Spec{Factory: "pong"}))

	resp, err := d.Dispatch(context.Background(), "ping", &plugin.Context{GroupID: 7})
	require.NoError(t, err)
	require.NotNil(t, resp)

	names := map[string]bool{}
	for _, s := range exp.GetSpans() {
		names[s.Name] = true
	}
	assert.True(t, names["dispatch.message"], names)
	assert.True(t, names["plugin.handle"], names)
}

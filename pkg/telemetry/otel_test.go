package telemetry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

type traceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
	notify        chan struct{}
}

func startTraceCollector(t *testing.T) (*traceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	collector := &traceCollector{notify: make(chan struct{}, 1)}
	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	return collector, lis.Addr().String()
}

func (c *traceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	c.mu.Lock()
	c.resourceSpans = append(c.resourceSpans, req.ResourceSpans...)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (c *traceCollector) waitForResources(ctx context.Context) []*tracepb.ResourceSpans {
	for {
		c.mu.Lock()
		if len(c.resourceSpans) > 0 {
			out := c.resourceSpans
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-c.notify:
		}
	}
}

func TestSetupProviderExportsToCollector(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	collector, addr := startTraceCollector(t)
	ctx := context.Background()

	shutdown, err := SetupProvider(ctx, Config{
		ServiceName: "conduit-test",
		Endpoint:    addr,
		Environment: "ci",
		Insecure:    true,
	})
	require.NoError(t, err)

	_, span := Tracer().Start(ctx, "pipeline.run")
	span.End()
	require.NoError(t, shutdown(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resources := collector.waitForResources(waitCtx)
	require.NotEmpty(t, resources)

	attrs := map[string]string{}
	for _, kv := range resources[0].GetResource().GetAttributes() {
		attrs[kv.GetKey()] = kv.GetValue().GetStringValue()
	}
	assert.Equal(t, "conduit-test", attrs["service.name"])
	assert.Equal(t, "ci", attrs["deployment.environment"])

	var names []string
	for _, scope := range resources[0].GetScopeSpans() {
		assert.Equal(t, InstrumentationName, scope.GetScope().GetName())
		for _, s := range scope.GetSpans() {
			names = append(names, s.GetName())
		}
	}
	assert.Contains(t, names, "pipeline.run")
}

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

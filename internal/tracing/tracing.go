// Package tracing installs a Jaeger-backed opentracing.Tracer as the global
// tracer, so the pipeline phases in roomserver/internal/input and the
// ancestor fetches in roomserver/internal/walker can open spans without
// threading a tracer handle through every call.
package tracing

import (
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-client-go/log"
	"github.com/uber/jaeger-lib/metrics"

	"github.com/matrixcore/matrixcore/internal/config"
)

// Init configures the global opentracing.Tracer from cfg. It returns a
// no-op closer when tracing is disabled, so callers can always defer the
// result without checking cfg themselves.
func Init(serviceName string, cfg config.Tracing) (io.Closer, error) {
	if !cfg.Enabled {
		return noopCloser{}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = serviceName
	}

	jcfg := jaegercfg.Configuration{
		ServiceName: name,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: cfg.JaegerAgent,
		},
	}

	tracer, closer, err := jcfg.NewTracer(
		jaegercfg.Logger(jaegerlog.StdLogger),
		jaegercfg.Metrics(metrics.NullFactory),
	)
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

package main

import (
	"context"
	"strconv"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Environment read by criuctl; the exporter reads the rest of OTEL_EXPORTER_OTLP_*
// itself. See https://opentelemetry.io/docs/specs/otel/configuration/sdk-environment-variables/.
const (
	otelSDKDisabledEnv                = "OTEL_SDK_DISABLED"
	otelTracesExporterEnv             = "OTEL_TRACES_EXPORTER"
	otelExporterOTLPEndpointEnv       = "OTEL_EXPORTER_OTLP_ENDPOINT"
	otelExporterOTLPTracesEndpointEnv = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
	otelExporterOTLPTracesProtocol    = "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"
	otelExporterOTLPProtocolEnv       = "OTEL_EXPORTER_OTLP_PROTOCOL"
	otelTracesSamplerEnv              = "OTEL_TRACES_SAMPLER"
	otelTracesSamplerArgEnv           = "OTEL_TRACES_SAMPLER_ARG"
)

const defaultSampler = "parentbased_always_on"

var errTracingDisabled = errors.New("tracing disabled")

// tracingEnv is the part of the OTEL_* environment criuctl interprets.
type tracingEnv struct {
	disabled   string
	exporter   string
	endpoint   bool
	protocol   string
	sampler    string
	samplerArg string
}

func readTracingEnv(getEnv func(string) string) tracingEnv {
	e := tracingEnv{
		disabled:   getEnv(otelSDKDisabledEnv),
		exporter:   getEnv(otelTracesExporterEnv),
		endpoint:   getEnv(otelExporterOTLPEndpointEnv) != "" || getEnv(otelExporterOTLPTracesEndpointEnv) != "",
		protocol:   getEnv(otelExporterOTLPTracesProtocol),
		sampler:    getEnv(otelTracesSamplerEnv),
		samplerArg: getEnv(otelTracesSamplerArgEnv),
	}
	if e.protocol == "" {
		e.protocol = getEnv(otelExporterOTLPProtocolEnv)
	}
	return e
}

// check returns errTracingDisabled, wrapped with the reason, unless the
// environment asks for OTLP/HTTP export. A run with no endpoint never
// exports, even with OTEL_TRACES_EXPORTER unset.
func (e tracingEnv) check() error {
	if e.disabled != "" {
		off, err := strconv.ParseBool(e.disabled)
		if err != nil {
			return errors.Wrapf(errTracingDisabled, "cannot parse %s=%s", otelSDKDisabledEnv, e.disabled)
		}
		if off {
			return errors.Wrapf(errTracingDisabled, "%s=%s", otelSDKDisabledEnv, e.disabled)
		}
	}
	switch e.exporter {
	case "none":
		return errors.Wrapf(errTracingDisabled, "%s=none", otelTracesExporterEnv)
	case "":
		if !e.endpoint {
			return errors.Wrap(errTracingDisabled, "no OTLP endpoint")
		}
	case "otlp":
	default:
		return errors.Errorf("criuctl cannot export traces with %s=%s", otelTracesExporterEnv, e.exporter)
	}
	if e.protocol != "" && e.protocol != "http/protobuf" {
		return errors.Errorf("criuctl exports OTLP over http/protobuf only, not %s", e.protocol)
	}
	return nil
}

var samplers = map[string]func(ratio float64) sdktrace.Sampler{
	"always_on":                func(float64) sdktrace.Sampler { return sdktrace.AlwaysSample() },
	"always_off":               func(float64) sdktrace.Sampler { return sdktrace.NeverSample() },
	"parentbased_always_on":    func(float64) sdktrace.Sampler { return sdktrace.ParentBased(sdktrace.AlwaysSample()) },
	"parentbased_always_off":   func(float64) sdktrace.Sampler { return sdktrace.ParentBased(sdktrace.NeverSample()) },
	"traceidratio":             sdktrace.TraceIDRatioBased,
	"parentbased_traceidratio": func(r float64) sdktrace.Sampler { return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r)) },
}

// newSampler picks the sampler named by the environment, falling back to
// defaultSampler for names it does not know.
func (e tracingEnv) newSampler(ctx context.Context) (sdktrace.Sampler, error) {
	name := e.sampler
	if name == "" {
		name = defaultSampler
	}
	newFn, ok := samplers[name]
	if !ok {
		log.G(ctx).WithField("sampler", name).Warnf("Unsupported tracing sampler, using %s", defaultSampler)
		newFn = samplers[defaultSampler]
	}
	ratio := 1.0
	if e.samplerArg != "" {
		f, err := strconv.ParseFloat(e.samplerArg, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", otelTracesSamplerArgEnv)
		}
		ratio = f
	}
	return newFn(ratio), nil
}

// getTracerProvider builds an OTLP/HTTP exporting provider from the
// environment, or returns an error wrapping errTracingDisabled when the
// environment does not ask for one.
func getTracerProvider(ctx context.Context, getEnv func(string) string) (*sdktrace.TracerProvider, error) {
	env := readTracingEnv(getEnv)
	if err := env.check(); err != nil {
		return nil, err
	}
	sampler, err := env.newSampler(ctx)
	if err != nil {
		return nil, err
	}
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating OTLP exporter")
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler),
	), nil
}

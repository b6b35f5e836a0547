package main

import (
	"context"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestGetTracerProviderDisabled(t *testing.T) {
	for _, env := range []map[string]string{
		{},
		{otelSDKDisabledEnv: "true"},
		{otelSDKDisabledEnv: "nope"},
		{otelTracesExporterEnv: "none"},
	} {
		tp, err := getTracerProvider(context.Background(), func(k string) string { return env[k] })
		assert.Check(t, is.ErrorIs(err, errTracingDisabled), "%v", env)
		assert.Check(t, tp == nil)
	}
}

func TestGetTracerProviderUnsupported(t *testing.T) {
	for _, env := range []map[string]string{
		{otelTracesExporterEnv: "zipkin"},
		{otelExporterOTLPEndpointEnv: "http://localhost:4318", otelExporterOTLPProtocolEnv: "grpc"},
	} {
		_, err := getTracerProvider(context.Background(), func(k string) string { return env[k] })
		assert.Check(t, err != nil)
		assert.Check(t, !errors.Is(err, errTracingDisabled), "%v", env)
	}
}

func TestGetTracerProvider(t *testing.T) {
	env := map[string]string{
		otelExporterOTLPEndpointEnv: "http://localhost:4318",
		otelTracesSamplerEnv:        "parentbased_traceidratio",
		otelTracesSamplerArgEnv:     "0.5",
	}
	tp, err := getTracerProvider(context.Background(), func(k string) string { return env[k] })
	assert.NilError(t, err)
	assert.NilError(t, tp.Shutdown(context.Background()))
}

func TestTracingSampler(t *testing.T) {
	for _, tc := range []struct {
		env      tracingEnv
		expected string
	}{
		{env: tracingEnv{}, expected: "ParentBased{root:AlwaysOnSampler"},
		{env: tracingEnv{sampler: "always_off"}, expected: "AlwaysOffSampler"},
		{env: tracingEnv{sampler: "traceidratio", samplerArg: "0.25"}, expected: "TraceIDRatioBased{0.25}"},
		{env: tracingEnv{sampler: "jaeger_remote"}, expected: "ParentBased{root:AlwaysOnSampler"},
	} {
		s, err := tc.env.newSampler(context.Background())
		assert.NilError(t, err)
		assert.Check(t, is.Contains(s.Description(), tc.expected), "%+v", tc.env)
	}

	_, err := tracingEnv{sampler: "traceidratio", samplerArg: "half"}.newSampler(context.Background())
	assert.Check(t, is.ErrorContains(err, otelTracesSamplerArgEnv))
}

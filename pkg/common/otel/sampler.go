package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder samples traces probabilistically while never recording
// spans for excluded HTTP routes such as health and readiness probes.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability float64
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints:   endpoints,
		probability: probability,
	}
}

// ShouldSample implements the sdktrace.Sampler interface.
func (ee endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == "http.target" {
			if _, exists := ee.endpoints[attr.Value.AsString()]; exists {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
		}
	}

	return sdktrace.TraceIDRatioBased(ee.probability).ShouldSample(params)
}

// Description implements the sdktrace.Sampler interface.
func (endpointExcluder) Description() string { return "endpointExcluder" }

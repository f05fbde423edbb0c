// Copyright (c) 2023 HostVirt Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package hosttrace

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	otelTrace "go.opentelemetry.io/otel/trace"
)

var hostTraceLogger = logrus.NewEntry(logrus.New())

// tracing determines whether tracing is enabled.
var tracing bool

// SetTracing turns tracing on or off. Called by the configuration.
func SetTracing(isTracing bool) {
	tracing = isTracing
}

// Enabled reports whether tracing is on.
func Enabled() bool {
	return tracing
}

// JaegerConfig defines necessary Jaeger config for exporting traces.
type JaegerConfig struct {
	JaegerEndpoint string
	JaegerUser     string
	JaegerPassword string
}

// CreateTracer installs the global tracer provider and returns a closer
// that flushes pending spans.
func CreateTracer(name string, config *JaegerConfig) (func(), error) {
	if !tracing {
		otel.SetTracerProvider(otelTrace.NewNoopTracerProvider())
		return func() {}, nil
	}

	collectorEndpoint := config.JaegerEndpoint
	if collectorEndpoint == "" {
		collectorEndpoint = "http://localhost:14268/api/traces"
	}

	jaegerExporter, err := jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(collectorEndpoint),
		jaeger.WithUsername(config.JaegerUser),
		jaeger.WithPassword(config.JaegerPassword),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(jaegerExporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			hostTraceLogger.WithError(err).Warn("failed to shut down tracer provider")
		}
	}, nil
}

// Trace creates a new tracing span based on the specified name and parent
// context. It also accepts a logger to record nil context errors and maps
// of tracing tags; tag keys and values are strings.
func Trace(parent context.Context, logger *logrus.Entry, name string,
	tags ...map[string]string) (otelTrace.Span, context.Context) {

	if parent == nil {
		if logger == nil {
			logger = hostTraceLogger
		}
		logger.WithField("type", "bug").Error("trace called before context set")
		parent = context.Background()
	}

	var otelTags []attribute.KeyValue
	// do not append tags if tracing is disabled
	if tracing {
		for _, tagSet := range tags {
			for k, v := range tagSet {
				otelTags = append(otelTags, attribute.String(k, v))
			}
		}
	}

	tracer := otel.Tracer("hostdev")
	ctx, span := tracer.Start(parent, name, otelTrace.WithAttributes(otelTags...))

	return span, ctx
}

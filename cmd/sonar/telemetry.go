// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupTelemetry installs the global tracer and meter providers.
//
// Description:
//
//	Traces export over OTLP/gRPC when OTEL_EXPORTER_OTLP_ENDPOINT is set;
//	in debug mode without an endpoint they pretty-print to stdout, and
//	otherwise tracing stays no-op. Metrics always bridge into the
//	Prometheus default registry so /metrics serves them next to the
//	native counters; debug mode additionally dumps them to stdout every
//	30 seconds. W3C trace context propagation is installed either way so
//	inbound traceparent headers flow through the handlers.
//
// Outputs:
//
//	func - Shutdown hook flushing the exporters. Never nil on success.
//	error - Non-nil when an exporter could not be constructed.
func setupTelemetry(ctx context.Context, debug bool) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("aleutian-sonar"),
	))
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	var shutdowns []func(context.Context) error

	var traceExporter sdktrace.SpanExporter
	var otlpConn *grpc.ClientConn
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dialing OTLP endpoint %s: %w", endpoint, err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
		}
		otlpConn = conn
		traceExporter = exp
	} else if debug {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		traceExporter = exp
	}
	if traceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
		if otlpConn != nil {
			// The exporter does not own a conn passed via WithGRPCConn.
			shutdowns = append(shutdowns, func(context.Context) error { return otlpConn.Close() })
		}
	}

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus bridge: %w", err)
	}
	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}
	if debug {
		stdoutExp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(stdoutExp, sdkmetric.WithInterval(30*time.Second))))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	if err := registerRuntimeInstruments(mp); err != nil {
		return nil, fmt.Errorf("registering runtime instruments: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		var last error
		for _, fn := range shutdowns {
			if err := fn(ctx); err != nil {
				last = err
			}
		}
		return last
	}, nil
}

// registerRuntimeInstruments publishes process-level gauges on the meter.
func registerRuntimeInstruments(mp *sdkmetric.MeterProvider) error {
	start := time.Now()
	meter := mp.Meter("aleutian.sonar.runtime")
	_, err := meter.Int64ObservableGauge("sonar.uptime_seconds",
		metric.WithDescription("Seconds since the server process started"),
		metric.WithUnit("s"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(time.Since(start).Seconds()))
			return nil
		}),
	)
	return err
}

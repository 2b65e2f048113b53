/*
 * Copyright 2021. Go-RWSplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 *
 *  File author: Anders Xiao
 */

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout"
	"go.opentelemetry.io/otel/sdk/export/metric"
	controller "go.opentelemetry.io/otel/sdk/metric/controller/basic"
	processor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	"go.opentelemetry.io/otel/sdk/metric/selector/simple"
)

var metricExporter metric.Exporter

var telemetryContext context.Context

var pusher *controller.Controller

// SetDefaultExporter overrides the exporter before Start is called.
func SetDefaultExporter(exporter metric.Exporter) {
	metricExporter = exporter
}

// Start wires the metric pipeline. Without a configured exporter the
// metrics go to stdout.
func Start(ctx context.Context) error {
	if metricExporter == nil {
		basicExporter, err := stdout.NewExporter(
			stdout.WithPrettyPrint(),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize stdout export pipeline: %v", err)
		}
		metricExporter = basicExporter
	}

	pusher = controller.New(
		processor.New(
			simple.NewWithExactDistribution(),
			metricExporter,
		),
		controller.WithPusher(metricExporter),
		controller.WithCollectPeriod(5*time.Second),
	)

	telemetryContext = ctx
	if err := pusher.Start(ctx); err != nil {
		return fmt.Errorf("failed to initialize metric controller: %v", err)
	}
	return nil
}

// Shutdown flushes and stops the metric pipeline.
func Shutdown() {
	if pusher != nil {
		_ = pusher.Stop(telemetryContext)
		pusher = nil
	}
	telemetryContext = nil
}

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
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// NamedMeter wraps a metric.Meter and deduplicates instruments by name,
// so callers can re-request a counter without tracking instances.
type NamedMeter struct {
	meter         metric.Meter
	recorderMutex sync.Mutex
	recorders     map[string]interface{}
}

func (m *NamedMeter) getOrPutRecorder(name string, factory func() interface{}) interface{} {
	m.recorderMutex.Lock()
	defer m.recorderMutex.Unlock()
	if r, ok := m.recorders[name]; ok {
		return r
	}
	r := factory()
	m.recorders[name] = r
	return r
}

// NewInt64Counter returns a monotonically increasing counter.
func (m *NamedMeter) NewInt64Counter(name, desc string) metric.Int64Counter {
	fac := func() interface{} {
		return metric.Must(m.meter).NewInt64Counter(name, metric.WithDescription(desc))
	}
	return m.getOrPutRecorder(name, fac).(metric.Int64Counter)
}

// NewInt64ValueRecorder returns a value recorder.
func (m *NamedMeter) NewInt64ValueRecorder(name, desc string) metric.Int64ValueRecorder {
	fac := func() interface{} {
		return metric.Must(m.meter).NewInt64ValueRecorder(name, metric.WithDescription(desc))
	}
	return m.getOrPutRecorder(name, fac).(metric.Int64ValueRecorder)
}

// NewInt64ValueObserver registers an asynchronous gauge backed by
// callback. Observers are not deduplicated: each call registers a new one.
func (m *NamedMeter) NewInt64ValueObserver(name, desc string, callback func() int64) {
	observerCallback := func(_ context.Context, result metric.Int64ObserverResult) {
		result.Observe(callback())
	}
	_ = metric.Must(m.meter).NewInt64ValueObserver(name, observerCallback, metric.WithDescription(desc))
}

// NewDurationValueRecorder returns a recorder expressed in milliseconds.
func (m *NamedMeter) NewDurationValueRecorder(name, desc string) DurationValueRecorder {
	fac := func() interface{} {
		return NewDurationValueRecorder(metric.Must(m.meter), name, metric.WithDescription(desc))
	}
	return m.getOrPutRecorder(name, fac).(DurationValueRecorder)
}

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

package rwsplit

import (
	"context"
	"time"

	"github.com/endink/go-rwsplit/telemetry"
	"github.com/endink/go-rwsplit/util/sync2"
	"go.opentelemetry.io/otel/label"
	"go.opentelemetry.io/otel/metric"
)

var routerMeter = telemetry.GetMeter("rwsplit")

// Stats are the per-service routing counters. They are written by many
// sessions concurrently and therefore atomic; readers tolerate slightly
// stale values.
type Stats struct {
	nSessions     sync2.AtomicInt64
	nQueries      sync2.AtomicInt64
	nMaster       sync2.AtomicInt64
	nSlave        sync2.AtomicInt64
	nAll          sync2.AtomicInt64
	nRejected     sync2.AtomicInt64
	nNoBackend    sync2.AtomicInt64
	nDiverged     sync2.AtomicInt64
	nRetriedReads sync2.AtomicInt64

	routed      metric.Int64Counter
	sessions    metric.Int64Counter
	queryTiming telemetry.DurationValueRecorder
	labels      []label.KeyValue
}

// NewStats creates the counter set of one service.
func NewStats(serviceName string) *Stats {
	return &Stats{
		routed:      routerMeter.NewInt64Counter(telemetry.BuildMetricName("router", "queries"), "Queries routed by the read/write splitter"),
		sessions:    routerMeter.NewInt64Counter(telemetry.BuildMetricName("router", "sessions"), "Router sessions created"),
		queryTiming: routerMeter.NewDurationValueRecorder(telemetry.BuildMetricName("router", "queryTime"), "Wall time from dispatch to the last reply"),
		labels:      []label.KeyValue{label.String("service", serviceName)},
	}
}

func (st *Stats) addSession() {
	st.nSessions.Add(1)
	st.sessions.Add(context.Background(), 1, st.labels...)
}

func (st *Stats) addQuery() { st.nQueries.Add(1) }

func (st *Stats) addMaster() {
	st.nMaster.Add(1)
	st.routed.Add(context.Background(), 1, append(st.labels, label.String("target", "master"))...)
}

func (st *Stats) addSlave() {
	st.nSlave.Add(1)
	st.routed.Add(context.Background(), 1, append(st.labels, label.String("target", "slave"))...)
}

func (st *Stats) addAll() {
	st.nAll.Add(1)
	st.routed.Add(context.Background(), 1, append(st.labels, label.String("target", "all"))...)
}

func (st *Stats) addRejected() { st.nRejected.Add(1) }

func (st *Stats) addNoBackend() { st.nNoBackend.Add(1) }

func (st *Stats) addDiverged() { st.nDiverged.Add(1) }

func (st *Stats) addRetriedRead() { st.nRetriedReads.Add(1) }

func (st *Stats) recordQueryLatency(start time.Time) {
	if start.IsZero() {
		return
	}
	st.queryTiming.RecordLatency(context.Background(), start, st.labels...)
}

// Snapshot returns the counter values for the admin surface.
func (st *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"sessions":      st.nSessions.Get(),
		"queries":       st.nQueries.Get(),
		"master":        st.nMaster.Get(),
		"slave":         st.nSlave.Get(),
		"all":           st.nAll.Get(),
		"rejected":      st.nRejected.Get(),
		"no_backend":    st.nNoBackend.Get(),
		"diverged":      st.nDiverged.Get(),
		"retried_reads": st.nRetriedReads.Get(),
	}
}

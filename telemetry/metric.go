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
	"strings"
	"sync"
	"unicode"

	"go.opentelemetry.io/otel"
)

var meterMap = make(map[string]*NamedMeter)
var meterMutex sync.Mutex

// GetMeter returns the shared meter for an instrumentation name,
// creating it on first use.
func GetMeter(instrumentationName string) *NamedMeter {
	meterMutex.Lock()
	defer meterMutex.Unlock()
	if m, ok := meterMap[instrumentationName]; ok {
		return m
	}
	nm := &NamedMeter{
		meter:     otel.Meter(instrumentationName),
		recorders: make(map[string]interface{}),
	}
	meterMap[instrumentationName] = nm
	return nm
}

// BuildMetricName joins name parts into a snake_case metric name.
// CamelCase parts are split, every other non-alphanumeric character
// becomes an underscore, and leading or trailing underscores are trimmed.
func BuildMetricName(statement ...string) string {
	if len(statement) == 0 {
		panic("name for 'BuildMetricName' can not be nil or empty")
	}
	parts := make([]string, 0, len(statement))
	for _, s := range statement {
		sb := &strings.Builder{}
		prevLower := false
		for _, r := range s {
			switch {
			case unicode.IsUpper(r):
				if prevLower {
					sb.WriteByte('_')
				}
				sb.WriteRune(unicode.ToLower(r))
				prevLower = false
			case unicode.IsLetter(r) || unicode.IsDigit(r):
				sb.WriteRune(r)
				prevLower = true
			default:
				if sb.Len() > 0 {
					sb.WriteByte('_')
				}
				prevLower = false
			}
		}
		if part := strings.Trim(sb.String(), "_"); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "_")
}

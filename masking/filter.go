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

package masking

import (
	"time"

	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/mysql"
)

type filterState int

const (
	// stateIdle passes packets through untouched.
	stateIdle filterState = iota
	// stateResponse awaits the first packet of a query response.
	stateResponse
	// stateColDef collects column definitions.
	stateColDef
	// stateRows rewrites row packets.
	stateRows
)

// Filter rewrites the result set stream of one session according to the
// masking rules. It tracks the client-visible reply stream: column count,
// column definitions, then rows, with multi-result loops.
type Filter struct {
	rules *Rules
	user  string
	host  string

	state       filterState
	columnCount int
	columns     []*mysql.ColumnDef
	columnRules []*Rule
	anyRule     bool

	tlog *logging.ThrottledLogger
}

// NewFilter creates the per-session filter for one client account.
func NewFilter(rules *Rules, user, host string) *Filter {
	return &Filter{
		rules: rules,
		user:  user,
		host:  host,
		tlog:  logging.NewThrottledLogger("masking", log, 5*time.Second),
	}
}

// OnQuery resets the stream state for a new client command. Only text
// protocol queries produce result sets this filter understands.
func (f *Filter) OnQuery(pkt []byte) {
	if mysql.Command(pkt) == mysql.ComQuery {
		f.state = stateResponse
	} else {
		f.state = stateIdle
	}
	f.columns = nil
	f.columnRules = nil
	f.anyRule = false
	f.columnCount = 0
}

// RewriteReply inspects one reply packet on its way to the client and
// rewrites row payloads in place. The payload length never changes.
func (f *Filter) RewriteReply(pkt []byte) []byte {
	payload := mysql.Payload(pkt)
	if len(payload) == 0 {
		return pkt
	}

	switch f.state {
	case stateIdle:
		return pkt
	case stateResponse:
		switch {
		case mysql.IsOKPayload(payload):
			if mysql.OKStatusFlags(payload)&mysql.ServerMoreResultsExists == 0 {
				f.state = stateIdle
			}
		case mysql.IsErrPayload(payload), mysql.IsLocalInfilePayload(payload):
			f.state = stateIdle
		default:
			count, err := mysql.ParseColumnCount(payload)
			if err != nil {
				f.tlog.Warningf("unreadable result set header, not masking this result: %v", err)
				f.state = stateIdle
				return pkt
			}
			f.columnCount = int(count)
			f.columns = f.columns[:0]
			f.columnRules = f.columnRules[:0]
			f.anyRule = false
			f.state = stateColDef
		}
	case stateColDef:
		if mysql.IsEOFPayload(payload) {
			f.state = stateRows
			return pkt
		}
		def, err := mysql.ParseColumnDef(payload)
		if err != nil {
			f.tlog.Warningf("unreadable column definition, not masking this result: %v", err)
			f.state = stateIdle
			return pkt
		}
		f.columns = append(f.columns, def)
		rule := f.rules.RuleFor(def, f.user, f.host)
		f.columnRules = append(f.columnRules, rule)
		if rule != nil {
			f.anyRule = true
		}
	case stateRows:
		switch {
		case mysql.IsEOFPayload(payload):
			if mysql.EOFStatusFlags(payload)&mysql.ServerMoreResultsExists != 0 {
				f.state = stateResponse
			} else {
				f.state = stateIdle
			}
		case mysql.IsErrPayload(payload):
			f.state = stateIdle
		default:
			if f.anyRule {
				f.rewriteRow(payload)
			}
		}
	}
	return pkt
}

func (f *Filter) rewriteRow(payload []byte) {
	spans, err := mysql.RowValueSpans(payload, f.columnCount)
	if err != nil {
		f.tlog.Warningf("unreadable row packet, leaving it unmasked: %v", err)
		return
	}
	for i, span := range spans {
		if i >= len(f.columnRules) {
			break
		}
		rule := f.columnRules[i]
		if rule == nil || span.Null || span.Length == 0 {
			continue
		}
		rule.Rewrite(payload[span.Offset : span.Offset+span.Length])
	}
}

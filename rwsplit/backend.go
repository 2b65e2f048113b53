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
	"time"

	"github.com/endink/go-rwsplit/mysql"
	"github.com/pingcap/errors"
)

// BackendConn is one physical connection to a backend server. The DCB
// layer implements it; tests substitute fakes.
type BackendConn interface {
	Write(pkt []byte) error
	Close()
}

// Connector opens a new authenticated connection to a server.
type Connector func(server *Server) (BackendConn, error)

// ReplyState tracks where in a MySQL reply stream a backend currently is.
type ReplyState int

const (
	// ReplyStateStart means a query was sent and no response byte has
	// classified the reply yet.
	ReplyStateStart ReplyState = iota
	// ReplyStateDone means the complete reply has been received.
	ReplyStateDone
	// ReplyStateColDef means a result set response is underway and column
	// definitions are expected.
	ReplyStateColDef
	// ReplyStateRows means column definitions are done and rows are
	// expected.
	ReplyStateRows
)

func (r ReplyState) String() string {
	switch r {
	case ReplyStateStart:
		return "REPLY_STATE_START"
	case ReplyStateDone:
		return "REPLY_STATE_DONE"
	case ReplyStateColDef:
		return "REPLY_STATE_RSET_COLDEF"
	case ReplyStateRows:
		return "REPLY_STATE_RSET_ROWS"
	}
	return "UNKNOWN"
}

// ReplySummary condenses one complete reply for agreement checks between
// broadcast recipients.
type ReplySummary struct {
	FirstByte byte
	ErrCode   uint16
	RowCount  int
}

// Backend is one physical backend connection owned by a router session.
// All access is serialized on the session's worker.
type Backend struct {
	server *Server
	conn   BackendConn

	inUse        bool
	closed       bool
	fatalFailure bool

	replyState         ReplyState
	outstandingResults int
	// trackedOutstanding counts the subset of outstandingResults that
	// belongs to the current client query and therefore feeds the
	// session's expected-responses counter.
	trackedOutstanding int

	// forwardReply is set while this backend's packets are relayed to the
	// client, either as the single target or as the broadcast reference.
	forwardReply bool

	// sescmdPositions are positions into the session command log whose
	// replies have not arrived yet, in dispatch order.
	sescmdPositions []uint64

	currentCommand   byte
	currentQuery     []byte
	currentRetryable bool

	// reply under construction
	replyFirstByte byte
	replyErrCode   uint16
	replyRows      int
	replyStarted   bool

	lastSummary ReplySummary
	lastUsed    time.Time
}

func newBackend(server *Server, conn BackendConn) *Backend {
	server.addGlobalConnection(1)
	server.addRouterConnection(1)
	return &Backend{
		server:     server,
		conn:       conn,
		inUse:      true,
		replyState: ReplyStateDone,
		lastUsed:   time.Now(),
	}
}

func (b *Backend) Server() *Server        { return b.server }
func (b *Backend) ReplyState() ReplyState { return b.replyState }
func (b *Backend) InUse() bool            { return b.inUse }
func (b *Backend) IsClosed() bool         { return b.closed }
func (b *Backend) HasFailed() bool        { return b.fatalFailure }

// OutstandingResults returns the count of replies not yet completed.
func (b *Backend) OutstandingResults() int { return b.outstandingResults }

// IsLive reports whether the backend can still take part in routing.
func (b *Backend) IsLive() bool {
	return b.inUse && !b.closed && !b.fatalFailure && b.server.IsUsable()
}

// IsIdle reports whether no reply is pending on this backend.
func (b *Backend) IsIdle() bool { return b.replyState == ReplyStateDone }

// isReplaying reports whether the only pending replies are session
// command replays. Such a backend may take another pipelined session
// command so it never misses part of the history.
func (b *Backend) isReplaying() bool {
	return !b.IsIdle() && b.trackedOutstanding == 0 && len(b.sescmdPositions) > 0
}

// LastSummary returns the summary of the most recently completed reply.
func (b *Backend) LastSummary() ReplySummary { return b.lastSummary }

// Execute sends a framed packet downstream. tracked marks the reply as
// belonging to the current client query.
func (b *Backend) Execute(pkt []byte, tracked bool) error {
	if b.closed || b.fatalFailure {
		return errors.Errorf("backend %s is not usable", b.server.Name)
	}
	if err := b.conn.Write(pkt); err != nil {
		return err
	}
	if b.outstandingResults == 0 {
		b.replyState = ReplyStateStart
		b.replyStarted = false
	}
	b.outstandingResults++
	if tracked {
		b.trackedOutstanding++
	}
	b.currentCommand = mysql.Command(pkt)
	b.lastUsed = time.Now()
	return nil
}

// SetCurrentQuery remembers the in-flight client query for read retries.
func (b *Backend) SetCurrentQuery(pkt []byte, retryable bool) {
	b.currentQuery = pkt
	b.currentRetryable = retryable
}

// CurrentQuery returns the in-flight client query, or nil.
func (b *Backend) CurrentQuery() ([]byte, bool) {
	return b.currentQuery, b.currentRetryable
}

// ProcessReply advances the reply state machine with one packet payload
// from this backend. It returns true when a full reply completed.
func (b *Backend) ProcessReply(payload []byte) bool {
	b.lastUsed = time.Now()
	if !b.replyStarted {
		b.replyStarted = true
		b.replyRows = 0
		b.replyErrCode = 0
		if len(payload) > 0 {
			b.replyFirstByte = payload[0]
		}
	}

	complete := false
	switch b.replyState {
	case ReplyStateStart:
		switch {
		case mysql.IsErrPayload(payload):
			b.replyErrCode, _ = mysql.ParseErrPayload(payload)
			complete = true
		case mysql.IsOKPayload(payload):
			// OK with more-results loops back for the next result.
			if mysql.OKStatusFlags(payload)&mysql.ServerMoreResultsExists == 0 {
				complete = true
			}
		case mysql.IsLocalInfilePayload(payload):
			complete = true
		case mysql.IsEOFPayload(payload):
			// Not expected here; treat as end of reply.
			complete = true
		default:
			b.replyState = ReplyStateColDef
		}
	case ReplyStateColDef:
		if mysql.IsEOFPayload(payload) {
			b.replyState = ReplyStateRows
		}
	case ReplyStateRows:
		switch {
		case mysql.IsEOFPayload(payload):
			if mysql.EOFStatusFlags(payload)&mysql.ServerMoreResultsExists != 0 {
				b.replyState = ReplyStateStart
			} else {
				complete = true
			}
		case mysql.IsErrPayload(payload):
			b.replyErrCode, _ = mysql.ParseErrPayload(payload)
			complete = true
		default:
			b.replyRows++
		}
	case ReplyStateDone:
		// Stray packet on an idle backend; ignore.
		return false
	}

	if !complete {
		return false
	}

	b.lastSummary = ReplySummary{
		FirstByte: b.replyFirstByte,
		ErrCode:   b.replyErrCode,
		RowCount:  b.replyRows,
	}
	b.replyStarted = false
	b.outstandingResults--
	if b.outstandingResults <= 0 {
		b.outstandingResults = 0
		b.replyState = ReplyStateDone
		b.currentQuery = nil
		b.currentRetryable = false
	} else {
		b.replyState = ReplyStateStart
	}
	return true
}

// completeTracked consumes one tracked reply, reporting whether the
// completed reply belonged to the current client query.
func (b *Backend) completeTracked() bool {
	if b.trackedOutstanding > 0 {
		b.trackedOutstanding--
		return true
	}
	return false
}

// popSescmd pops the oldest pending session command position, if any.
func (b *Backend) popSescmd() (uint64, bool) {
	if len(b.sescmdPositions) == 0 {
		return 0, false
	}
	pos := b.sescmdPositions[0]
	b.sescmdPositions = b.sescmdPositions[1:]
	return pos, true
}

// maxAcked returns the newest position this backend has fully
// acknowledged. next is the log's next position, so a backend with no
// pending replies has acknowledged everything issued so far.
func (b *Backend) maxAcked(next uint64) uint64 {
	if len(b.sescmdPositions) == 0 {
		return next - 1
	}
	return b.sescmdPositions[0] - 1
}

// WriteRaw forwards a packet without reply accounting, for LOAD DATA
// stream packets that get no response of their own.
func (b *Backend) WriteRaw(pkt []byte) error {
	if b.closed || b.fatalFailure {
		return errors.Errorf("backend %s is not usable", b.server.Name)
	}
	b.lastUsed = time.Now()
	return b.conn.Write(pkt)
}

// markFailed records a fatal failure and closes the connection.
func (b *Backend) markFailed() {
	if !b.fatalFailure {
		b.fatalFailure = true
	}
	b.closeConn()
}

func (b *Backend) closeConn() {
	if b.closed {
		return
	}
	b.closed = true
	b.inUse = false
	b.server.addGlobalConnection(-1)
	b.server.addRouterConnection(-1)
	if b.conn != nil {
		b.conn.Close()
	}
}

// IdleSince reports how long the backend has been idle at now.
func (b *Backend) IdleSince(now time.Time) time.Duration {
	return now.Sub(b.lastUsed)
}

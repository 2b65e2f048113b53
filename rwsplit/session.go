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

	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/mysql"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/scylladb/go-set/strset"
	"go.uber.org/zap"
)

const logThrottleInterval = 5 * time.Second

// ClientConn is the client side of a session. The DCB layer implements
// it; tests substitute fakes.
type ClientConn interface {
	Write(pkt []byte) error
	Close()
}

// ReplyRewriter rewrites reply packets before they reach the client. The
// masking filter implements it.
type ReplyRewriter interface {
	// OnQuery resets the rewriter's stream state for a new client command.
	OnQuery(pkt []byte)
	// RewriteReply may rewrite pkt in place. The returned packet must
	// keep the payload length unchanged.
	RewriteReply(pkt []byte) []byte
}

// LoadDataState tracks an in-progress LOAD DATA LOCAL INFILE.
type LoadDataState int

const (
	LoadDataInactive LoadDataState = iota
	LoadDataStart
	LoadDataActive
	LoadDataEnd
)

// Session is the per-client router state machine. It owns its backend
// handles exclusively; one I/O worker drives all calls, so no internal
// locking is required or present.
type Session struct {
	id      string
	service *Service
	client  ClientConn

	cfg        Config
	cfgVersion int64
	classifier *Classifier
	selector   *Selector
	rewriter   ReplyRewriter

	user      string
	host      string
	defaultDB string

	backends      []*Backend
	currentMaster *Backend
	targetNode    *Backend

	sescmds           *CommandLog
	expectedResponses int
	queryQueue        [][]byte

	tempTables    *strset.Set
	loadDataState LoadDataState
	loadDataSent  uint64

	inTransaction     bool
	endingTransaction bool
	lockedToMaster    bool
	closed            bool

	queryStart time.Time

	log  *zap.SugaredLogger
	tlog *logging.ThrottledLogger
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// User returns the authenticated client user.
func (s *Session) User() string { return s.user }

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool { return s.closed }

// ExpectedResponses returns the replies still owed for the current client
// query.
func (s *Session) ExpectedResponses() int { return s.expectedResponses }

// QueuedQueries returns the number of queries waiting for dispatch.
func (s *Session) QueuedQueries() int { return len(s.queryQueue) }

// InTransaction reports whether an explicit transaction is open.
func (s *Session) InTransaction() bool { return s.inTransaction }

// Backends exposes every backend handle the session has opened, closed
// and failed ones included, newest last.
func (s *Session) Backends() []*Backend { return s.backends }

// CurrentMaster returns the master handle, or nil after master loss.
func (s *Session) CurrentMaster() *Backend { return s.currentMaster }

// CommandLog exposes the session command history.
func (s *Session) CommandLog() *CommandLog { return s.sescmds }

// LoadData returns the current load data state and the bytes forwarded.
func (s *Session) LoadData() (LoadDataState, uint64) {
	return s.loadDataState, s.loadDataSent
}

func newSession(service *Service, client ClientConn, user, host, defaultDB string) *Session {
	cfg := service.ConfigSnapshot()
	u, _ := uuid.NewUUID()
	s := &Session{
		id:         u.String(),
		service:    service,
		client:     client,
		cfg:        cfg,
		cfgVersion: service.ConfigVersion(),
		classifier: NewClassifier(cfg.UseSQLVariablesIn),
		user:       user,
		host:       host,
		defaultDB:  defaultDB,
		sescmds:    NewCommandLog(cfg.MaxSescmdHistory, cfg.DisableSescmdHistory),
		tempTables: strset.New(),
		log:        logging.GetLogger("rwsplit"),
	}
	s.selector = NewSelector(&s.cfg)
	s.tlog = logging.NewThrottledLogger("session", s.log, logThrottleInterval)
	return s
}

// open connects the master and the initial slave set.
func (s *Session) open() error {
	servers := s.service.Servers()
	for _, server := range servers {
		if server.IsMaster() && server.IsUsable() {
			b, err := s.connect(server)
			if err != nil {
				s.log.Warnf("could not connect to master %s: %v", server.Name, err)
				continue
			}
			s.currentMaster = b
			break
		}
	}
	if s.currentMaster == nil && s.cfg.MasterFailureMode == FailInstantly {
		s.closeBackends()
		return errors.Annotate(ErrNoMaster, "cannot open session")
	}

	limit := s.cfg.SlaveConnectionLimit(len(servers))
	for _, server := range s.selector.SortCandidates(servers) {
		if s.slaveCount() >= limit {
			break
		}
		if _, err := s.connect(server); err != nil {
			s.log.Warnf("could not connect to slave %s: %v", server.Name, err)
		}
	}
	return nil
}

func (s *Session) connect(server *Server) (*Backend, error) {
	conn, err := s.service.connector(server)
	if err != nil {
		return nil, err
	}
	b := newBackend(server, conn)
	s.backends = append(s.backends, b)
	return b, nil
}

func (s *Session) slaveCount() int {
	n := 0
	for _, b := range s.backends {
		if b != s.currentMaster && b.IsLive() {
			n++
		}
	}
	return n
}

// AttachSlave connects a new slave backend mid-session and replays the
// session command history in position order before any client query may
// reach it.
func (s *Session) AttachSlave(server *Server) (*Backend, error) {
	if !s.sescmds.AttachAllowed() {
		return nil, ErrAttachDisabled
	}
	b, err := s.connect(server)
	if err != nil {
		return nil, err
	}
	replayErr := error(nil)
	s.sescmds.Each(func(cmd *SessionCommand) {
		if replayErr != nil {
			return
		}
		if err := b.Execute(cmd.Packet, false); err != nil {
			replayErr = err
			return
		}
		b.sescmdPositions = append(b.sescmdPositions, cmd.Position)
	})
	if replayErr != nil {
		b.markFailed()
		return nil, errors.Annotate(replayErr, "session command replay failed")
	}
	return b, nil
}

// RouteQuery accepts one framed client packet. Packets arriving while a
// reply is outstanding are queued and dispatched strictly in FIFO order.
func (s *Session) RouteQuery(pkt []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.loadDataState == LoadDataStart || s.loadDataState == LoadDataActive {
		return s.routeLoadData(pkt)
	}
	if s.expectedResponses > 0 {
		s.queryQueue = append(s.queryQueue, pkt)
		return nil
	}
	s.refreshConfig()
	return s.routeOne(pkt)
}

// refreshConfig re-copies the service config at a quiescent point when
// the service's version counter moved.
func (s *Session) refreshConfig() {
	version := s.service.ConfigVersion()
	if version == s.cfgVersion {
		return
	}
	s.cfg = s.service.ConfigSnapshot()
	s.cfgVersion = version
	s.selector = NewSelector(&s.cfg)
	s.classifier = NewClassifier(s.cfg.UseSQLVariablesIn)
}

func (s *Session) routeOne(pkt []byte) error {
	cmd := mysql.Command(pkt)
	seq := mysql.Seq(pkt) + 1

	if cmd == mysql.ComQuit {
		s.Close()
		return nil
	}

	cls, err := s.classifier.Classify(pkt, &ClassifyContext{
		DefaultDB:  s.defaultDB,
		TempTables: s.tempTables,
	})
	if err != nil {
		if errors.Cause(err) == ErrSessionModifyingSelect {
			s.tlog.Errorf("%v", err)
			s.service.stats.addRejected()
			return s.client.Write(mysql.NewErrPacket(seq, mysql.ERUnknownError, mysql.SSUnknownSQLState,
				"%s", ErrSessionModifyingSelect.Error()))
		}
		return err
	}

	if cls.CreatedTempTable != "" {
		s.tempTables.Add(cls.CreatedTempTable)
	}
	for _, dropped := range cls.DroppedTables {
		s.tempTables.Remove(dropped)
	}
	if cls.MultiStmt && s.cfg.StrictMultiStmt {
		s.lockedToMaster = true
	}
	if cls.StartsLoadData {
		s.loadDataState = LoadDataStart
		s.loadDataSent = 0
	}
	if s.rewriter != nil {
		s.rewriter.OnQuery(pkt)
	}

	s.service.stats.addQuery()
	s.queryStart = time.Now()

	if cls.SessionModifying {
		return s.broadcast(pkt, cls, seq)
	}
	return s.routeSingle(pkt, cls, seq)
}

// broadcast appends the command to the session log and sends a copy to
// every live backend that is idle or still replaying session command
// history. The current master, when present, is the reference whose
// reply reaches the client.
func (s *Session) broadcast(pkt []byte, cls *Classification, seq uint8) error {
	var recipients []*Backend
	for _, b := range s.backends {
		if b.IsLive() && (b.IsIdle() || b.isReplaying()) {
			recipients = append(recipients, b)
		}
	}
	if len(recipients) == 0 {
		s.service.stats.addNoBackend()
		return s.client.Write(mysql.NewErrPacket(seq, mysql.ERUnknownError, mysql.SSUnknownSQLState,
			"%s", ErrNoBackend.Error()))
	}

	entry := s.sescmds.Append(pkt)

	reference := recipients[0]
	for _, b := range recipients {
		if b == s.currentMaster {
			reference = b
		}
	}

	for _, b := range recipients {
		if err := b.Execute(pkt, true); err != nil {
			s.HandleError(b, err)
			if s.closed {
				return nil
			}
			continue
		}
		b.sescmdPositions = append(b.sescmdPositions, entry.Position)
		b.server.addCurrentOperation(1)
		s.expectedResponses++
	}
	if s.expectedResponses == 0 {
		return s.client.Write(mysql.NewErrPacket(seq, mysql.ERUnknownError, mysql.SSUnknownSQLState,
			"%s", ErrNoBackend.Error()))
	}
	if reference.IsLive() {
		reference.forwardReply = true
	} else {
		for _, b := range recipients {
			if b.IsLive() {
				b.forwardReply = true
				break
			}
		}
	}

	if cls.InitDB != "" {
		s.defaultDB = cls.InitDB
	}
	if cls.StartsTransaction {
		s.inTransaction = true
	} else if cls.EndsTransaction {
		s.endingTransaction = true
	}
	if cls.Command == mysql.ComChangeUser || cls.Command == mysql.ComResetConnection {
		// A fresh connection state unlocks multi-statement stickiness.
		s.lockedToMaster = false
		s.tempTables.Clear()
	}
	s.service.stats.addAll()
	return nil
}

func (s *Session) routeSingle(pkt []byte, cls *Classification, seq uint8) error {
	toMaster := cls.Target.IsMaster() || s.lockedToMaster || s.inTransaction ||
		cls.TouchesTempTable || !cls.Target.IsSlave()

	var target *Backend
	if toMaster {
		if s.currentMaster == nil || !s.currentMaster.IsLive() {
			return s.masterUnavailable(cls, seq)
		}
		target = s.currentMaster
	} else {
		var err error
		target, err = s.selector.PickSlave(s.backends, s.currentMaster)
		if errors.Cause(err) == ErrNoBackend {
			target = s.tryAttachSlave()
		}
		if target == nil {
			if s.currentMaster != nil && s.currentMaster.IsLive() && s.cfg.MasterAcceptReads {
				target = s.currentMaster
			} else {
				s.service.stats.addNoBackend()
				return s.client.Write(mysql.NewErrPacket(seq, mysql.ERUnknownError, mysql.SSUnknownSQLState,
					"%s", ErrNoBackend.Error()))
			}
		}
	}

	if cls.StartsTransaction {
		s.inTransaction = true
		s.targetNode = target
	} else if cls.EndsTransaction {
		s.endingTransaction = true
	}

	retryable := cls.ReadOnly && !s.inTransaction && !cls.TouchesTempTable
	target.SetCurrentQuery(pkt, retryable)
	target.forwardReply = true
	if err := target.Execute(pkt, true); err != nil {
		target.forwardReply = false
		s.HandleError(target, err)
		return nil
	}
	target.server.addCurrentOperation(1)
	s.expectedResponses++

	if target == s.currentMaster {
		s.service.stats.addMaster()
	} else {
		s.service.stats.addSlave()
	}
	return nil
}

// tryAttachSlave connects one more slave when the session is still under
// its slave cap. Returns nil when nothing could be attached.
func (s *Session) tryAttachSlave() *Backend {
	servers := s.service.Servers()
	if s.slaveCount() >= s.cfg.SlaveConnectionLimit(len(servers)) {
		return nil
	}
	for _, server := range s.selector.SortCandidates(servers) {
		if s.findBackend(server) != nil {
			continue
		}
		b, err := s.AttachSlave(server)
		if err != nil {
			s.log.Warnf("could not attach slave %s: %v", server.Name, err)
			continue
		}
		return b
	}
	return nil
}

func (s *Session) findBackend(server *Server) *Backend {
	for _, b := range s.backends {
		if b.server == server && !b.IsClosed() {
			return b
		}
	}
	return nil
}

// masterUnavailable applies master_failure_mode to a statement that
// requires the master.
func (s *Session) masterUnavailable(cls *Classification, seq uint8) error {
	if s.inTransaction {
		return s.closeWithError(seq, "transaction was open when master was lost, closing session")
	}
	if cls.ReadOnly {
		// A master-bound read with no master fails softly in every mode
		// that keeps the session.
		if s.cfg.MasterFailureMode == FailInstantly {
			return s.closeWithError(seq, "%s", ErrNoMaster.Error())
		}
		return s.client.Write(mysql.NewErrPacket(seq, mysql.ERUnknownError, mysql.SSUnknownSQLState,
			"%s", ErrNoMaster.Error()))
	}
	switch s.cfg.MasterFailureMode {
	case ErrorOnWrite:
		return s.client.Write(mysql.NewErrPacket(seq, mysql.ERUnknownError, mysql.SSUnknownSQLState,
			"cannot route write query, no master server available (master_failure_mode=error_on_write)"))
	default:
		return s.closeWithError(seq, "cannot route write query, no master server available, closing session")
	}
}

// routeLoadData forwards raw LOAD DATA LOCAL INFILE stream packets to the
// master. The terminating empty packet expects the final OK.
func (s *Session) routeLoadData(pkt []byte) error {
	if s.currentMaster == nil || !s.currentMaster.IsLive() {
		s.loadDataState = LoadDataInactive
		return s.closeWithError(mysql.Seq(pkt)+1, "master was lost during LOAD DATA, closing session")
	}
	payload := mysql.Payload(pkt)
	if len(payload) == 0 {
		s.loadDataState = LoadDataEnd
		if err := s.currentMaster.Execute(pkt, true); err != nil {
			s.HandleError(s.currentMaster, err)
			return nil
		}
		s.currentMaster.forwardReply = true
		s.expectedResponses++
		return nil
	}
	s.loadDataState = LoadDataActive
	s.loadDataSent += uint64(len(payload))
	return s.currentMaster.WriteRaw(pkt)
}

// ClientReply feeds one backend packet into the session. The origin's
// reply state machine advances; completed replies drive the expected
// response counter, history trimming and queue draining.
func (s *Session) ClientReply(pkt []byte, b *Backend) error {
	payload := mysql.Payload(pkt)
	forward := b.forwardReply && !s.closed
	complete := b.ProcessReply(payload)

	var writeErr error
	if forward {
		out := pkt
		if s.rewriter != nil {
			out = s.rewriter.RewriteReply(pkt)
		}
		writeErr = s.client.Write(out)
	}

	if !complete {
		return writeErr
	}

	b.server.addCurrentOperation(-1)

	if pos, ok := b.popSescmd(); ok {
		if entry := s.sescmds.Find(pos); entry != nil {
			if !entry.ReplyReceived() {
				entry.RecordReply(b.LastSummary())
			} else if !entry.Agrees(b.LastSummary()) {
				s.log.Warnf("backend %s reply to session command %d diverges from the reference reply, discarding the backend",
					b.server.Name, pos)
				s.service.stats.addDiverged()
				b.markFailed()
			}
		}
	}

	if b.completeTracked() {
		b.forwardReply = false
		s.expectedResponses--
		if s.expectedResponses == 0 && !s.closed {
			s.onQuiescent()
		}
	}
	return writeErr
}

// onQuiescent runs once all expected replies have arrived: transaction
// bookkeeping, load data progression, history trimming and queue drain.
func (s *Session) onQuiescent() {
	s.service.stats.recordQueryLatency(s.queryStart)
	s.queryStart = time.Time{}
	if s.endingTransaction {
		s.endingTransaction = false
		s.inTransaction = false
		s.targetNode = nil
	}
	switch s.loadDataState {
	case LoadDataStart:
		s.loadDataState = LoadDataActive
	case LoadDataEnd:
		s.loadDataState = LoadDataInactive
	}

	s.trimSescmds()

	if len(s.queryQueue) > 0 {
		next := s.queryQueue[0]
		s.queryQueue = s.queryQueue[1:]
		s.refreshConfig()
		if err := s.routeOne(next); err != nil {
			s.log.Warnf("routing queued query failed: %v", err)
		}
	}
}

func (s *Session) trimSescmds() {
	if s.sescmds.Len() <= 1 {
		return
	}
	minAcked := s.sescmds.NextPosition() - 1
	live := false
	for _, b := range s.backends {
		if !b.IsLive() {
			continue
		}
		live = true
		if acked := b.maxAcked(s.sescmds.NextPosition()); acked < minAcked {
			minAcked = acked
		}
	}
	if live {
		s.sescmds.Trim(minAcked)
	}
}

// HandleError reacts to an asynchronous backend failure.
func (s *Session) HandleError(b *Backend, cause error) {
	if b == nil {
		return
	}
	if s.closed || (b.HasFailed() && b.trackedOutstanding == 0) {
		b.markFailed()
		return
	}
	s.log.Warnf("backend %s failed: %v", b.server.Name, cause)

	inFlight := b.trackedOutstanding
	query, retryable := b.CurrentQuery()

	s.expectedResponses -= b.trackedOutstanding
	b.trackedOutstanding = 0
	for i := 0; i < inFlight; i++ {
		b.server.addCurrentOperation(-1)
	}
	b.sescmdPositions = nil
	b.forwardReply = false
	b.markFailed()

	if b == s.targetNode {
		s.targetNode = nil
	}

	if b == s.currentMaster {
		s.currentMaster = nil
		if s.inTransaction {
			_ = s.closeWithError(1, "transaction was open when master was lost, closing session")
			return
		}
		if s.cfg.MasterFailureMode == FailInstantly {
			_ = s.closeWithError(1, "lost connection to the master server, closing session")
			return
		}
		if inFlight > 0 {
			_ = s.client.Write(mysql.NewErrPacket(1, mysql.CRServerLost, mysql.SSUnknownSQLState,
				"Lost connection to the master server while a query was in flight"))
		}
	} else if inFlight > 0 {
		if s.cfg.RetryFailedReads && retryable && query != nil && !wasRetryBlocked(s) {
			if s.retryRead(query) {
				return
			}
		}
		_ = s.client.Write(mysql.NewErrPacket(1, mysql.CRServerLost, mysql.SSUnknownSQLState,
			"Lost connection to backend server %s", b.server.Name))
	}

	if s.expectedResponses == 0 {
		s.onQuiescent()
	}
}

func wasRetryBlocked(s *Session) bool {
	return s.inTransaction || s.loadDataState != LoadDataInactive
}

// retryRead re-routes an idempotent in-flight read to another backend,
// invisible to the client.
func (s *Session) retryRead(pkt []byte) bool {
	target, err := s.selector.PickSlave(s.backends, s.currentMaster)
	if errors.Cause(err) == ErrNoBackend {
		target = s.tryAttachSlave()
	}
	if target == nil {
		if s.currentMaster != nil && s.currentMaster.IsLive() && s.cfg.MasterAcceptReads {
			target = s.currentMaster
		} else {
			return false
		}
	}
	target.SetCurrentQuery(pkt, true)
	target.forwardReply = true
	if s.rewriter != nil {
		s.rewriter.OnQuery(pkt)
	}
	if err := target.Execute(pkt, true); err != nil {
		target.forwardReply = false
		s.log.Warnf("read retry on %s failed: %v", target.server.Name, err)
		return false
	}
	target.server.addCurrentOperation(1)
	s.expectedResponses++
	s.service.stats.addRetriedRead()
	return true
}

// PingIdleBackends sends COM_PING on backends idle beyond the keepalive
// threshold. The external housekeeper calls this periodically.
func (s *Session) PingIdleBackends(now time.Time) {
	if s.closed || s.cfg.ConnectionKeepalive <= 0 {
		return
	}
	threshold := time.Duration(s.cfg.ConnectionKeepalive) * time.Second
	ping := mysql.NewPacket(0, []byte{mysql.ComPing})
	for _, b := range s.backends {
		if b.IsLive() && b.IsIdle() && b.IdleSince(now) > threshold {
			if err := b.Execute(ping, false); err != nil {
				s.HandleError(b, err)
			}
		}
	}
}

func (s *Session) closeWithError(seq uint8, format string, args ...interface{}) error {
	err := s.client.Write(mysql.NewErrPacket(seq, mysql.ERUnknownError, mysql.SSUnknownSQLState, format, args...))
	s.Close()
	return err
}

// Close tears the session down and releases every backend handle.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.closeBackends()
	s.service.removeSession(s)
	s.client.Close()
}

func (s *Session) closeBackends() {
	for _, b := range s.backends {
		b.closeConn()
	}
}

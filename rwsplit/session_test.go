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
	"strings"
	"testing"
	"time"

	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/testkit"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	written [][]byte
	closed  bool
}

func (f *fakeClient) Write(pkt []byte) error {
	f.written = append(f.written, pkt)
	return nil
}

func (f *fakeClient) Close() { f.closed = true }

type fixture struct {
	t      *testing.T
	svc    *Service
	sess   *Session
	client *fakeClient
	conns  map[string]*fakeConn
}

func newFixture(t *testing.T, cfg Config, servers ...*Server) *fixture {
	t.Helper()
	conns := make(map[string]*fakeConn)
	connector := func(server *Server) (BackendConn, error) {
		c := &fakeConn{}
		conns[server.Name] = c
		return c, nil
	}
	svc := NewService("test-service", cfg, servers, connector)
	client := &fakeClient{}
	sess, err := svc.NewSession(client, "alice", "localhost", "testdb")
	require.NoError(t, err)
	return &fixture{t: t, svc: svc, sess: sess, client: client, conns: conns}
}

func masterSlaveServers() (*Server, *Server) {
	return NewServer("master1", "10.0.0.1", 3306, RoleMaster),
		NewServer("slave1", "10.0.0.2", 3306, RoleSlave)
}

func (f *fixture) backend(name string) *Backend {
	f.t.Helper()
	for _, b := range f.sess.Backends() {
		if b.Server().Name == name && !b.IsClosed() {
			return b
		}
	}
	f.t.Fatalf("no live backend for server %s", name)
	return nil
}

func (f *fixture) reply(name string, pkts ...[]byte) {
	f.t.Helper()
	b := f.backend(name)
	for _, pkt := range pkts {
		require.NoError(f.t, f.sess.ClientReply(pkt, b))
	}
}

func (f *fixture) sentTo(name string) [][]byte {
	return f.conns[name].written
}

func lastClientPacket(t *testing.T, client *fakeClient) []byte {
	t.Helper()
	require.NotEmpty(t, client.written)
	return client.written[len(client.written)-1]
}

func TestWriteRoutesToMaster(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("INSERT INTO t VALUES (1)")))
	assert.Len(t, f.sentTo("master1"), 1)
	assert.Empty(t, f.sentTo("slave1"))
	assert.Equal(t, 1, f.sess.ExpectedResponses())

	f.reply("master1", testkit.OKReply())
	assert.Equal(t, 0, f.sess.ExpectedResponses())
	assert.True(t, mysql.IsOKPayload(mysql.Payload(lastClientPacket(t, f.client))))
}

func TestReadRoutesToSlave(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT a FROM t")))
	assert.Empty(t, f.sentTo("master1"))
	assert.Len(t, f.sentTo("slave1"), 1)

	pkts := testkit.ResultSetReply(
		[]testkit.Column{{Schema: "testdb", OrgTable: "t", Name: "a", OrgName: "a"}},
		[][]interface{}{{"1"}},
	)
	f.reply("slave1", pkts...)
	assert.Equal(t, 0, f.sess.ExpectedResponses())
	// The full result set reached the client, byte for byte.
	assert.Empty(t, cmp.Diff(pkts, f.client.written))
}

func TestBroadcastForwardsOnlyReferenceReply(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SET @x := 1")))
	assert.Len(t, f.sentTo("master1"), 1)
	assert.Len(t, f.sentTo("slave1"), 1)
	assert.Equal(t, 2, f.sess.ExpectedResponses())

	f.reply("slave1", testkit.OKReply())
	assert.Empty(t, f.client.written, "non-reference reply must be consumed silently")

	f.reply("master1", testkit.OKReply())
	assert.Len(t, f.client.written, 1)
	assert.Equal(t, 0, f.sess.ExpectedResponses())
}

// Scenario: CREATE TABLE, then a user-variable-modifying SELECT under
// use_sql_variables_in=all, then USE. The SELECT is rejected with an
// error packet and the session survives.
func TestUserVariableSelectRejectKeepsSessionAlive(t *testing.T) {
	master, slave := masterSlaveServers()
	cfg := DefaultConfig()
	cfg.UseSQLVariablesIn = VariablesInAll
	f := newFixture(t, cfg, master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("CREATE TABLE test (b integer)")))
	assert.Len(t, f.sentTo("master1"), 1)
	f.reply("master1", testkit.OKReply())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT @a:=@a+1 as a, test.b FROM test")))
	errPayload := mysql.Payload(lastClientPacket(t, f.client))
	require.True(t, mysql.IsErrPayload(errPayload))
	_, msg := mysql.ParseErrPayload(errPayload)
	assert.Contains(t, msg, "SELECT with session data modification is not supported")
	assert.Equal(t, 0, f.sess.ExpectedResponses())
	assert.False(t, f.sess.IsClosed())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("USE test")))
	assert.Len(t, f.sentTo("master1"), 2)
	assert.Len(t, f.sentTo("slave1"), 1)
	f.reply("slave1", testkit.OKReply())
	f.reply("master1", testkit.OKReply())
	assert.False(t, f.sess.IsClosed())
	assert.True(t, mysql.IsOKPayload(mysql.Payload(lastClientPacket(t, f.client))))
}

// Scenario: a slave attached mid-session replays the session command
// history, in order, before any client query reaches it.
func TestSessionCommandReplayOnAttach(t *testing.T) {
	master, slave := masterSlaveServers()
	cfg := DefaultConfig()
	cfg.MaxSlaveConnections = 0
	cfg.UseSQLVariablesIn = VariablesInAll
	f := newFixture(t, cfg, master, slave)
	require.Nil(t, f.conns["slave1"])

	setPkt := testkit.QueryPacket("SET @x := 5")
	require.NoError(t, f.sess.RouteQuery(setPkt))
	f.reply("master1", testkit.OKReply())

	_, err := f.sess.AttachSlave(slave)
	require.NoError(t, err)
	require.Len(t, f.sentTo("slave1"), 1)
	assert.Equal(t, setPkt, f.sentTo("slave1")[0])

	// The replay reply does not belong to any client query.
	f.reply("slave1", testkit.OKReply())
	assert.Equal(t, 0, f.sess.ExpectedResponses())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT @x")))
	require.Len(t, f.sentTo("slave1"), 2)
	assert.Equal(t, byte(mysql.ComQuery), mysql.Command(f.sentTo("slave1")[1]))
}

// Scenario: master lost under fail_on_write. Reads keep working, the
// next write receives an error and the session closes.
func TestMasterFailOnWrite(t *testing.T) {
	master, slave := masterSlaveServers()
	cfg := DefaultConfig()
	cfg.MasterFailureMode = FailOnWrite
	f := newFixture(t, cfg, master, slave)

	f.sess.HandleError(f.backend("master1"), assert.AnError)
	assert.Nil(t, f.sess.CurrentMaster())
	assert.False(t, f.sess.IsClosed())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT 1")))
	assert.Len(t, f.sentTo("slave1"), 1)
	f.reply("slave1", testkit.OKReply())
	assert.False(t, f.sess.IsClosed())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("INSERT INTO t VALUES (1)")))
	assert.True(t, mysql.IsErrPayload(mysql.Payload(lastClientPacket(t, f.client))))
	assert.True(t, f.sess.IsClosed())
	assert.True(t, f.client.closed)
}

func TestMasterErrorOnWriteKeepsSession(t *testing.T) {
	master, slave := masterSlaveServers()
	cfg := DefaultConfig()
	cfg.MasterFailureMode = ErrorOnWrite
	f := newFixture(t, cfg, master, slave)

	f.sess.HandleError(f.backend("master1"), assert.AnError)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("INSERT INTO t VALUES (1)")))
	assert.True(t, mysql.IsErrPayload(mysql.Payload(lastClientPacket(t, f.client))))
	assert.False(t, f.sess.IsClosed())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT 1")))
	f.reply("slave1", testkit.OKReply())
	assert.False(t, f.sess.IsClosed())
}

func TestMasterFailInstantlyClosesSession(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	f.sess.HandleError(f.backend("master1"), assert.AnError)
	assert.True(t, f.sess.IsClosed())
	assert.True(t, f.client.closed)
}

func TestTransactionLossClosesSessionInEveryMode(t *testing.T) {
	for _, mode := range []FailureMode{FailInstantly, FailOnWrite, ErrorOnWrite} {
		master, slave := masterSlaveServers()
		cfg := DefaultConfig()
		cfg.MasterFailureMode = mode
		f := newFixture(t, cfg, master, slave)

		require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("BEGIN")))
		f.reply("master1", testkit.OKReply())
		require.True(t, f.sess.InTransaction())

		f.sess.HandleError(f.backend("master1"), assert.AnError)
		assert.True(t, f.sess.IsClosed(), mode.String())
	}
}

// Scenario: strict_multi_stmt locks the session to the master once a
// multi-statement payload is seen.
func TestStrictMultiStmtSticksToMaster(t *testing.T) {
	master, slave := masterSlaveServers()
	cfg := DefaultConfig()
	cfg.StrictMultiStmt = true
	f := newFixture(t, cfg, master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT 1; SELECT 2;")))
	assert.Len(t, f.sentTo("master1"), 1)
	f.reply("master1", testkit.OKReply())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT 3")))
	assert.Len(t, f.sentTo("master1"), 2)
	assert.Empty(t, f.sentTo("slave1"))
}

func TestTransactionSticksToMaster(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("BEGIN")))
	f.reply("master1", testkit.OKReply())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT a FROM t")))
	assert.Len(t, f.sentTo("master1"), 2)
	assert.Empty(t, f.sentTo("slave1"))

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("COMMIT")))
	f.reply("master1", testkit.OKReply(), testkit.OKReply())
	require.False(t, f.sess.InTransaction())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT a FROM t")))
	assert.Len(t, f.sentTo("slave1"), 1)
}

func TestQueuedQueriesDrainInOrder(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT a FROM t")))
	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("INSERT INTO t VALUES (1)")))
	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("INSERT INTO t VALUES (2)")))
	assert.Equal(t, 2, f.sess.QueuedQueries())
	assert.Empty(t, f.sentTo("master1"))

	f.reply("slave1", testkit.OKReply())
	assert.Equal(t, 1, f.sess.QueuedQueries())
	assert.Len(t, f.sentTo("master1"), 1)

	f.reply("master1", testkit.OKReply())
	assert.Equal(t, 0, f.sess.QueuedQueries())
	assert.Len(t, f.sentTo("master1"), 2)

	f.reply("master1", testkit.OKReply())
	// Quiescent again: nothing queued, nothing expected.
	assert.Equal(t, 0, f.sess.ExpectedResponses())
	assert.Equal(t, 0, f.sess.QueuedQueries())
}

func TestRetryFailedReadIsInvisibleToClient(t *testing.T) {
	master := NewServer("master1", "10.0.0.1", 3306, RoleMaster)
	s1 := NewServer("slave1", "10.0.0.2", 3306, RoleSlave)
	s2 := NewServer("slave2", "10.0.0.3", 3306, RoleSlave)
	s1.SetCounters(0, 0, 0)
	s2.SetCounters(0, 0, 5)
	cfg := DefaultConfig()
	cfg.MaxSlaveConnections = 2
	cfg.RetryFailedReads = true
	f := newFixture(t, cfg, master, s1, s2)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT a FROM t")))
	require.Len(t, f.sentTo("slave1"), 1)

	f.sess.HandleError(f.backend("slave1"), assert.AnError)

	// The query was re-routed to the other slave, no client-visible error.
	require.Len(t, f.sentTo("slave2"), 1)
	assert.Empty(t, f.client.written)
	assert.Equal(t, 1, f.sess.ExpectedResponses())

	f.reply("slave2", testkit.OKReply())
	assert.True(t, mysql.IsOKPayload(mysql.Payload(lastClientPacket(t, f.client))))
	assert.False(t, f.sess.IsClosed())
}

func TestSlaveFailureWithoutRetrySurfacesError(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT a FROM t")))
	f.sess.HandleError(f.backend("slave1"), assert.AnError)

	assert.True(t, mysql.IsErrPayload(mysql.Payload(lastClientPacket(t, f.client))))
	assert.False(t, f.sess.IsClosed())
	assert.Equal(t, 0, f.sess.ExpectedResponses())
}

func TestNoBackendReadError(t *testing.T) {
	master := NewServer("master1", "10.0.0.1", 3306, RoleMaster)
	f := newFixture(t, DefaultConfig(), master)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT a FROM t")))
	payload := mysql.Payload(lastClientPacket(t, f.client))
	require.True(t, mysql.IsErrPayload(payload))
	_, msg := mysql.ParseErrPayload(payload)
	assert.Contains(t, msg, "no backend available")
	assert.False(t, f.sess.IsClosed())
}

func TestMasterAcceptReadsFallback(t *testing.T) {
	master := NewServer("master1", "10.0.0.1", 3306, RoleMaster)
	cfg := DefaultConfig()
	cfg.MasterAcceptReads = true
	f := newFixture(t, cfg, master)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT a FROM t")))
	assert.Len(t, f.sentTo("master1"), 1)
}

func TestDivergentBroadcastReplyDiscardsBackend(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SET @x := 1")))

	f.reply("master1", testkit.OKReply())
	slaveBackend := f.backend("slave1")
	require.NoError(t, f.sess.ClientReply(testkit.ErrReply(1193, "unknown system variable"), slaveBackend))

	assert.True(t, slaveBackend.HasFailed())
	// The client saw only the reference OK.
	require.Len(t, f.client.written, 1)
	assert.True(t, mysql.IsOKPayload(mysql.Payload(f.client.written[0])))
	assert.Equal(t, int64(1), f.svc.Stats().Snapshot()["diverged"])
}

func TestSessionCommandLogTrimsAtQuiescentPoints(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SET @a := 1")))
	f.reply("slave1", testkit.OKReply())
	f.reply("master1", testkit.OKReply())
	assert.Equal(t, 1, f.sess.CommandLog().Len())

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SET @b := 2")))
	f.reply("slave1", testkit.OKReply())
	f.reply("master1", testkit.OKReply())
	// Everything acknowledged: only the newest entry is retained.
	assert.Equal(t, 1, f.sess.CommandLog().Len())
	assert.NotNil(t, f.sess.CommandLog().Find(2))
}

func TestLoadDataLocalInfileFlow(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("LOAD DATA LOCAL INFILE '/tmp/x.csv' INTO TABLE t")))
	state, _ := f.sess.LoadData()
	assert.Equal(t, LoadDataStart, state)

	f.reply("master1", testkit.LocalInfileReply("/tmp/x.csv"))
	state, _ = f.sess.LoadData()
	assert.Equal(t, LoadDataActive, state)

	data := mysql.NewPacket(2, []byte("1,foo\n2,bar\n"))
	require.NoError(t, f.sess.RouteQuery(data))
	state, sent := f.sess.LoadData()
	assert.Equal(t, LoadDataActive, state)
	assert.Equal(t, uint64(12), sent)
	// Raw stream packets expect no replies of their own.
	assert.Equal(t, 0, f.sess.ExpectedResponses())

	require.NoError(t, f.sess.RouteQuery(mysql.NewPacket(3, nil)))
	state, _ = f.sess.LoadData()
	assert.Equal(t, LoadDataEnd, state)
	assert.Equal(t, 1, f.sess.ExpectedResponses())

	f.reply("master1", testkit.OKReply())
	state, _ = f.sess.LoadData()
	assert.Equal(t, LoadDataInactive, state)
	assert.True(t, mysql.IsOKPayload(mysql.Payload(lastClientPacket(t, f.client))))
	// Statement, the data packet and the terminator all reached the master.
	assert.Len(t, f.sentTo("master1"), 3)
}

func TestConfigRefreshAtQuiescentPoint(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT @a:=@a+1 FROM t")))
	// use_sql_variables_in=master: allowed, routed to the master.
	assert.Len(t, f.sentTo("master1"), 1)
	f.reply("master1", testkit.OKReply())

	cfg := f.svc.ConfigSnapshot()
	cfg.UseSQLVariablesIn = VariablesInAll
	f.svc.UpdateConfig(cfg)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SELECT @a:=@a+1 FROM t")))
	assert.True(t, mysql.IsErrPayload(mysql.Payload(lastClientPacket(t, f.client))))
}

func TestKeepaliveSendsPing(t *testing.T) {
	master, slave := masterSlaveServers()
	cfg := DefaultConfig()
	cfg.ConnectionKeepalive = 30
	f := newFixture(t, cfg, master, slave)

	for _, b := range f.sess.Backends() {
		b.lastUsed = time.Now().Add(-time.Minute)
	}
	f.sess.PingIdleBackends(time.Now())

	require.Len(t, f.sentTo("master1"), 1)
	assert.Equal(t, byte(mysql.ComPing), mysql.Command(f.sentTo("master1")[0]))

	// Ping replies are consumed without touching the client stream.
	f.reply("master1", testkit.OKReply())
	f.reply("slave1", testkit.OKReply())
	assert.Empty(t, f.client.written)
	assert.Equal(t, 0, f.sess.ExpectedResponses())
}

func TestComQuitClosesSession(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)

	require.NoError(t, f.sess.RouteQuery(mysql.NewPacket(0, []byte{mysql.ComQuit})))
	assert.True(t, f.sess.IsClosed())
	assert.True(t, f.client.closed)
	for name, conn := range f.conns {
		assert.True(t, conn.closed, name)
	}
	assert.Equal(t, 0, f.svc.SessionCount())
}

func TestAttachDisabledAfterHistoryOverflow(t *testing.T) {
	master, slave := masterSlaveServers()
	cfg := DefaultConfig()
	cfg.MaxSlaveConnections = 0
	cfg.MaxSescmdHistory = 1
	cfg.DisableSescmdHistory = true
	f := newFixture(t, cfg, master)

	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SET @a := 1")))
	f.reply("master1", testkit.OKReply())
	require.NoError(t, f.sess.RouteQuery(testkit.QueryPacket("SET @b := 2")))
	f.reply("master1", testkit.OKReply())

	_, err := f.sess.AttachSlave(slave)
	assert.Equal(t, ErrAttachDisabled, err)
}

func TestSessionUUIDsAreUnique(t *testing.T) {
	master, slave := masterSlaveServers()
	f := newFixture(t, DefaultConfig(), master, slave)
	other, err := f.svc.NewSession(&fakeClient{}, "bob", "localhost", "testdb")
	require.NoError(t, err)
	assert.NotEqual(t, f.sess.ID(), other.ID())
	assert.False(t, strings.EqualFold(f.sess.ID(), other.ID()))
	assert.Equal(t, 2, f.svc.SessionCount())
}

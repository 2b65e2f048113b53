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
	"testing"

	"github.com/endink/go-rwsplit/mysql"
	"github.com/endink/go-rwsplit/testkit"
	"github.com/pingcap/errors"
	"github.com/scylladb/go-set/strset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classify(t *testing.T, mode UseSQLVariablesIn, sql string, ctx *ClassifyContext) (*Classification, error) {
	t.Helper()
	if ctx == nil {
		ctx = &ClassifyContext{DefaultDB: "testdb", TempTables: strset.New()}
	}
	c := NewClassifier(mode)
	return c.Classify(testkit.QueryPacket(sql), ctx)
}

func TestClassifyPureSelectGoesToSlave(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "SELECT a, b FROM t WHERE a > 1", nil)
	require.NoError(t, err)
	assert.True(t, cls.Target.IsSlave())
	assert.True(t, cls.ReadOnly)
	assert.False(t, cls.SessionModifying)
}

func TestClassifyWritesGoToMaster(t *testing.T) {
	for _, sql := range []string{
		"INSERT INTO t VALUES (1)",
		"UPDATE t SET a = 1",
		"DELETE FROM t",
		"CREATE TABLE t (a int)",
		"ALTER TABLE t ADD COLUMN b int",
	} {
		cls, err := classify(t, VariablesInMaster, sql, nil)
		require.NoError(t, err, sql)
		assert.True(t, cls.Target.IsMaster(), sql)
		assert.False(t, cls.ReadOnly, sql)
	}
}

func TestClassifyTransactionControl(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "BEGIN", nil)
	require.NoError(t, err)
	assert.True(t, cls.StartsTransaction)
	assert.True(t, cls.Target.IsMaster())

	cls, err = classify(t, VariablesInMaster, "COMMIT", nil)
	require.NoError(t, err)
	assert.True(t, cls.EndsTransaction)
}

func TestClassifyAutocommitToggle(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "SET autocommit=0", nil)
	require.NoError(t, err)
	assert.True(t, cls.SessionModifying)
	assert.True(t, cls.StartsTransaction)

	cls, err = classify(t, VariablesInMaster, "SET autocommit=1", nil)
	require.NoError(t, err)
	assert.True(t, cls.EndsTransaction)
}

func TestClassifySessionCommands(t *testing.T) {
	for _, sql := range []string{
		"SET @x := 5",
		"SET NAMES utf8",
		"USE other",
		"PREPARE ps FROM 'SELECT 1'",
	} {
		cls, err := classify(t, VariablesInMaster, sql, nil)
		require.NoError(t, err, sql)
		assert.True(t, cls.SessionModifying, sql)
		assert.True(t, cls.NeedsBroadcast, sql)
	}
}

func TestClassifyUseStatementCarriesSchema(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "USE other", nil)
	require.NoError(t, err)
	assert.Equal(t, "other", cls.InitDB)
}

func TestClassifyUserVariableModifyingSelectRejected(t *testing.T) {
	_, err := classify(t, VariablesInAll, "SELECT @a:=@a+1 as a, test.b FROM test", nil)
	require.Error(t, err)
	assert.Equal(t, ErrSessionModifyingSelect, errors.Cause(err))
}

func TestClassifyUserVariableModifyingSelectAllowedInMasterMode(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "SELECT @a:=@a+1 as a FROM test", nil)
	require.NoError(t, err)
	assert.True(t, cls.Target.IsMaster())
	assert.True(t, cls.ModifiesUserVar)
}

func TestClassifyUserVariableReadRoutesToMasterInMasterMode(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "SELECT @x", nil)
	require.NoError(t, err)
	assert.True(t, cls.Target.IsMaster())

	cls, err = classify(t, VariablesInAll, "SELECT @x", nil)
	require.NoError(t, err)
	assert.True(t, cls.Target.IsSlave())
}

func TestClassifyMultiStatement(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "SELECT 1; SELECT 2;", nil)
	require.NoError(t, err)
	assert.True(t, cls.MultiStmt)
	assert.True(t, cls.Target.IsMaster())
}

func TestClassifySelectForUpdateGoesToMaster(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "SELECT a FROM t FOR UPDATE", nil)
	require.NoError(t, err)
	assert.True(t, cls.Target.IsMaster())
}

func TestClassifyTempTables(t *testing.T) {
	ctx := &ClassifyContext{DefaultDB: "testdb", TempTables: strset.New()}

	cls, err := classify(t, VariablesInMaster, "CREATE TEMPORARY TABLE scratch (a int)", ctx)
	require.NoError(t, err)
	assert.True(t, cls.Target.IsMaster())
	assert.Equal(t, "testdb.scratch", cls.CreatedTempTable)

	ctx.TempTables.Add("testdb.scratch")
	cls, err = classify(t, VariablesInMaster, "SELECT * FROM scratch", ctx)
	require.NoError(t, err)
	assert.True(t, cls.TouchesTempTable)
	assert.True(t, cls.Target.IsMaster())

	cls, err = classify(t, VariablesInMaster, "SELECT * FROM other_table", ctx)
	require.NoError(t, err)
	assert.False(t, cls.TouchesTempTable)
	assert.True(t, cls.Target.IsSlave())

	cls, err = classify(t, VariablesInMaster, "DROP TABLE scratch", ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"testdb.scratch"}, cls.DroppedTables)
}

func TestClassifyLoadDataLocal(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "LOAD DATA LOCAL INFILE '/tmp/x.csv' INTO TABLE t", nil)
	require.NoError(t, err)
	assert.True(t, cls.StartsLoadData)
	assert.True(t, cls.Target.IsMaster())
}

func TestClassifyUnparseableFallsBackToMaster(t *testing.T) {
	cls, err := classify(t, VariablesInMaster, "FROB NICATE 12", nil)
	require.NoError(t, err)
	assert.True(t, cls.Target.IsMaster())
}

func TestClassifyNonQueryCommands(t *testing.T) {
	c := NewClassifier(VariablesInMaster)
	ctx := &ClassifyContext{DefaultDB: "testdb", TempTables: strset.New()}

	cls, err := c.Classify(testkit.InitDBPacket("other"), ctx)
	require.NoError(t, err)
	assert.True(t, cls.SessionModifying)
	assert.Equal(t, "other", cls.InitDB)

	ping := mysql.NewPacket(0, []byte{mysql.ComPing})
	cls, err = c.Classify(ping, ctx)
	require.NoError(t, err)
	assert.True(t, cls.Target.IsMaster())

	prepare := mysql.NewPacket(0, append([]byte{mysql.ComStmtPrepare}, "SELECT ?"...))
	cls, err = c.Classify(prepare, ctx)
	require.NoError(t, err)
	assert.True(t, cls.NeedsBroadcast)
}

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaults(t *testing.T) {
	cfg, err := ParseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, LeastCurrentOperations, cfg.SlaveSelectionCriteria)
	assert.Equal(t, 1, cfg.MaxSlaveConnections)
	assert.Equal(t, -1, cfg.MaxSlaveReplicationLag)
	assert.Equal(t, VariablesInMaster, cfg.UseSQLVariablesIn)
	assert.Equal(t, FailInstantly, cfg.MasterFailureMode)
	assert.False(t, cfg.MasterAcceptReads)
}

func TestParseOptionsFullSet(t *testing.T) {
	cfg, err := ParseOptions(map[string]string{
		"slave_selection_criteria":  "LEAST_BEHIND_MASTER",
		"max_slave_connections":     "75%",
		"max_slave_replication_lag": "30",
		"use_sql_variables_in":      "all",
		"max_sescmd_history":        "25",
		"disable_sescmd_history":    "false",
		"master_accept_reads":       "true",
		"strict_multi_stmt":         "on",
		"master_failure_mode":       "error_on_write",
		"retry_failed_reads":        "1",
		"connection_keepalive":      "300",
	})
	require.NoError(t, err)
	assert.Equal(t, LeastBehindMaster, cfg.SlaveSelectionCriteria)
	assert.Equal(t, 75, cfg.MaxSlaveConnPercent)
	assert.Equal(t, 30, cfg.MaxSlaveReplicationLag)
	assert.Equal(t, VariablesInAll, cfg.UseSQLVariablesIn)
	assert.Equal(t, 25, cfg.MaxSescmdHistory)
	assert.True(t, cfg.MasterAcceptReads)
	assert.True(t, cfg.StrictMultiStmt)
	assert.Equal(t, ErrorOnWrite, cfg.MasterFailureMode)
	assert.True(t, cfg.RetryFailedReads)
	assert.Equal(t, 300, cfg.ConnectionKeepalive)
}

func TestParseOptionsRejectsUnknown(t *testing.T) {
	_, err := ParseOptions(map[string]string{"no_such_option": "1"})
	assert.Error(t, err)

	_, err = ParseOptions(map[string]string{"slave_selection_criteria": "FASTEST"})
	assert.Error(t, err)

	_, err = ParseOptions(map[string]string{"max_slave_connections": "150%"})
	assert.Error(t, err)

	_, err = ParseOptions(map[string]string{"max_sescmd_history": "-2"})
	assert.Error(t, err)

	_, err = ParseOptions(map[string]string{"master_failure_mode": "explode"})
	assert.Error(t, err)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "LEAST_BEHIND_MASTER", LeastBehindMaster.String())
	assert.Equal(t, "fail_on_write", FailOnWrite.String())
	assert.Equal(t, "all", VariablesInAll.String())
	assert.Equal(t, "REPLY_STATE_RSET_ROWS", ReplyStateRows.String())
	assert.Equal(t, "master", RoleJoined.String())
}

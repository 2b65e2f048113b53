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
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

// SelectCriteria decides how slave backends are ordered when one must be
// chosen. Backends are sorted ascending and the smallest wins.
type SelectCriteria int

const (
	LeastGlobalConnections SelectCriteria = iota
	LeastRouterConnections
	LeastBehindMaster
	LeastCurrentOperations
)

func (c SelectCriteria) String() string {
	switch c {
	case LeastGlobalConnections:
		return "LEAST_GLOBAL_CONNECTIONS"
	case LeastRouterConnections:
		return "LEAST_ROUTER_CONNECTIONS"
	case LeastBehindMaster:
		return "LEAST_BEHIND_MASTER"
	case LeastCurrentOperations:
		return "LEAST_CURRENT_OPERATIONS"
	}
	return "UNDEFINED_CRITERIA"
}

// UseSQLVariablesIn controls where statements that read user variables may
// be routed. VariablesInAll additionally rejects SELECTs that modify a
// user variable, since their result could differ between backends.
type UseSQLVariablesIn int

const (
	VariablesInMaster UseSQLVariablesIn = iota
	VariablesInAll
)

func (u UseSQLVariablesIn) String() string {
	if u == VariablesInAll {
		return "all"
	}
	return "master"
}

// FailureMode controls how the loss of the master server is handled.
type FailureMode int

const (
	// FailInstantly closes the client session as soon as the master is lost.
	FailInstantly FailureMode = iota
	// FailOnWrite keeps serving reads and closes on the next write.
	FailOnWrite
	// ErrorOnWrite keeps the session and answers writes with an error packet.
	ErrorOnWrite
)

func (f FailureMode) String() string {
	switch f {
	case FailInstantly:
		return "fail_instantly"
	case FailOnWrite:
		return "fail_on_write"
	case ErrorOnWrite:
		return "error_on_write"
	}
	return "UNDEFINED_MODE"
}

// Config is the router configuration. Sessions copy it when they open and
// re-copy it at the next quiescent point after the service bumps its
// config version.
type Config struct {
	SlaveSelectionCriteria SelectCriteria
	// MaxSlaveConnections caps the slave handles of one session. Exactly
	// one of the absolute count and the percentage is in effect.
	MaxSlaveConnections    int
	MaxSlaveConnPercent    int
	MaxSlaveReplicationLag int
	UseSQLVariablesIn      UseSQLVariablesIn
	MaxSescmdHistory       int
	DisableSescmdHistory   bool
	MasterAcceptReads      bool
	StrictMultiStmt        bool
	MasterFailureMode      FailureMode
	RetryFailedReads       bool
	ConnectionKeepalive    int
}

// DefaultConfig returns the documented option defaults.
func DefaultConfig() Config {
	return Config{
		SlaveSelectionCriteria: LeastCurrentOperations,
		MaxSlaveConnections:    1,
		MaxSlaveReplicationLag: -1,
		UseSQLVariablesIn:      VariablesInMaster,
		MaxSescmdHistory:       50,
		MasterFailureMode:      FailInstantly,
	}
}

// SlaveConnectionLimit resolves the effective slave handle cap against the
// size of the cluster.
func (c *Config) SlaveConnectionLimit(clusterSize int) int {
	if c.MaxSlaveConnPercent > 0 {
		limit := clusterSize * c.MaxSlaveConnPercent / 100
		if limit < 1 {
			limit = 1
		}
		return limit
	}
	return c.MaxSlaveConnections
}

// ParseOptions builds a Config from the textual router options of a
// service definition. Unknown options and malformed values are errors.
func ParseOptions(options map[string]string) (Config, error) {
	cfg := DefaultConfig()
	for key, value := range options {
		var err error
		switch key {
		case "slave_selection_criteria":
			switch value {
			case "LEAST_GLOBAL_CONNECTIONS":
				cfg.SlaveSelectionCriteria = LeastGlobalConnections
			case "LEAST_ROUTER_CONNECTIONS":
				cfg.SlaveSelectionCriteria = LeastRouterConnections
			case "LEAST_BEHIND_MASTER":
				cfg.SlaveSelectionCriteria = LeastBehindMaster
			case "LEAST_CURRENT_OPERATIONS":
				cfg.SlaveSelectionCriteria = LeastCurrentOperations
			default:
				err = errors.Errorf("unknown slave_selection_criteria '%s'", value)
			}
		case "max_slave_connections":
			if strings.HasSuffix(value, "%") {
				cfg.MaxSlaveConnPercent, err = strconv.Atoi(strings.TrimSuffix(value, "%"))
				if err == nil && (cfg.MaxSlaveConnPercent < 1 || cfg.MaxSlaveConnPercent > 100) {
					err = errors.Errorf("max_slave_connections percentage '%s' out of range", value)
				}
			} else {
				cfg.MaxSlaveConnections, err = strconv.Atoi(value)
			}
		case "max_slave_replication_lag":
			cfg.MaxSlaveReplicationLag, err = strconv.Atoi(value)
		case "use_sql_variables_in":
			switch value {
			case "master":
				cfg.UseSQLVariablesIn = VariablesInMaster
			case "all":
				cfg.UseSQLVariablesIn = VariablesInAll
			default:
				err = errors.Errorf("unknown use_sql_variables_in '%s'", value)
			}
		case "max_sescmd_history":
			cfg.MaxSescmdHistory, err = strconv.Atoi(value)
			if err == nil && cfg.MaxSescmdHistory < 0 {
				err = errors.Errorf("max_sescmd_history must not be negative")
			}
		case "disable_sescmd_history":
			cfg.DisableSescmdHistory, err = parseBool(value)
		case "master_accept_reads":
			cfg.MasterAcceptReads, err = parseBool(value)
		case "strict_multi_stmt":
			cfg.StrictMultiStmt, err = parseBool(value)
		case "master_failure_mode":
			switch value {
			case "fail_instantly":
				cfg.MasterFailureMode = FailInstantly
			case "fail_on_write":
				cfg.MasterFailureMode = FailOnWrite
			case "error_on_write":
				cfg.MasterFailureMode = ErrorOnWrite
			default:
				err = errors.Errorf("unknown master_failure_mode '%s'", value)
			}
		case "retry_failed_reads":
			cfg.RetryFailedReads, err = parseBool(value)
		case "connection_keepalive":
			cfg.ConnectionKeepalive, err = strconv.Atoi(value)
		default:
			err = errors.Errorf("unknown router option '%s'", key)
		}
		if err != nil {
			return cfg, errors.Annotatef(err, "router option %s=%s", key, value)
		}
	}
	return cfg, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "on", "yes", "1":
		return true, nil
	case "false", "off", "no", "0":
		return false, nil
	}
	return false, errors.Errorf("invalid boolean '%s'", value)
}

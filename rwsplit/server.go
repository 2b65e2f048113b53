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
	"fmt"

	"github.com/endink/go-rwsplit/util/sync2"
)

// Role is the replication role the monitor assigned to a server.
type Role int32

const (
	RoleUndefined Role = iota
	RoleMaster
	RoleSlave
	// RoleJoined marks a Galera node that has joined the cluster. Joined
	// nodes accept writes and are treated exactly like masters.
	RoleJoined = RoleMaster
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	}
	return "undefined"
}

// Server is one backend database server of the cluster. The monitor owns
// the role and health fields; the selector samples the counters without
// locking, so stale reads are expected and tolerated.
type Server struct {
	Name    string
	Address string
	Port    int

	role        sync2.AtomicInt32
	running     sync2.AtomicBool
	maintenance sync2.AtomicBool

	replicationLag    sync2.AtomicInt64
	globalConnections sync2.AtomicInt64
	routerConnections sync2.AtomicInt64
	currentOperations sync2.AtomicInt64
}

// NewServer creates a server entry in the running state with the given role.
func NewServer(name, address string, port int, role Role) *Server {
	s := &Server{
		Name:    name,
		Address: address,
		Port:    port,
		running: sync2.NewAtomicBool(true),
	}
	s.role.Set(int32(role))
	return s
}

func (s *Server) Role() Role          { return Role(s.role.Get()) }
func (s *Server) SetRole(role Role)   { s.role.Set(int32(role)) }
func (s *Server) IsRunning() bool     { return s.running.Get() }
func (s *Server) SetRunning(up bool)  { s.running.Set(up) }
func (s *Server) InMaintenance() bool { return s.maintenance.Get() }
func (s *Server) SetMaintenance(m bool) {
	s.maintenance.Set(m)
}

// IsMaster reports whether the server currently accepts writes. Joined
// Galera nodes share the master role value.
func (s *Server) IsMaster() bool { return s.Role() == RoleMaster }

// IsSlave reports whether the server is a replication slave.
func (s *Server) IsSlave() bool { return s.Role() == RoleSlave }

// IsUsable reports whether the server may receive new queries.
func (s *Server) IsUsable() bool { return s.IsRunning() && !s.InMaintenance() }

func (s *Server) ReplicationLag() int64       { return s.replicationLag.Get() }
func (s *Server) SetReplicationLag(lag int64) { s.replicationLag.Set(lag) }

func (s *Server) GlobalConnections() int64 { return s.globalConnections.Get() }
func (s *Server) RouterConnections() int64 { return s.routerConnections.Get() }
func (s *Server) CurrentOperations() int64 { return s.currentOperations.Get() }

func (s *Server) addGlobalConnection(delta int64) { s.globalConnections.Add(delta) }
func (s *Server) addRouterConnection(delta int64) { s.routerConnections.Add(delta) }
func (s *Server) addCurrentOperation(delta int64) { s.currentOperations.Add(delta) }

// SetCounters force-sets the advisory counters, for monitors and tests.
func (s *Server) SetCounters(global, router, operations int64) {
	s.globalConnections.Set(global)
	s.routerConnections.Set(router)
	s.currentOperations.Set(operations)
}

func (s *Server) String() string {
	return fmt.Sprintf("%s(%s:%d, %s)", s.Name, s.Address, s.Port, s.Role())
}

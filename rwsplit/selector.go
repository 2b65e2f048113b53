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
	"sort"
)

// Selector implements the slave selection policy. It reads advisory
// server counters without locking; stale values only skew the choice,
// never its correctness.
type Selector struct {
	cfg *Config
}

// NewSelector creates a selector bound to a config snapshot.
func NewSelector(cfg *Config) *Selector {
	return &Selector{cfg: cfg}
}

func (s *Selector) criterionValue(server *Server) int64 {
	switch s.cfg.SlaveSelectionCriteria {
	case LeastGlobalConnections:
		return server.GlobalConnections()
	case LeastRouterConnections:
		return server.RouterConnections()
	case LeastBehindMaster:
		return server.ReplicationLag()
	default:
		return server.CurrentOperations()
	}
}

func (s *Selector) lagAcceptable(server *Server) bool {
	if s.cfg.SlaveSelectionCriteria != LeastBehindMaster || s.cfg.MaxSlaveReplicationLag <= 0 {
		return true
	}
	return server.ReplicationLag() <= int64(s.cfg.MaxSlaveReplicationLag)
}

// SortCandidates orders usable slave servers ascending by the configured
// criterion, ties broken by name so the choice is deterministic.
func (s *Selector) SortCandidates(servers []*Server) []*Server {
	candidates := make([]*Server, 0, len(servers))
	for _, server := range servers {
		if server.IsSlave() && server.IsUsable() && s.lagAcceptable(server) {
			candidates = append(candidates, server)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		vi, vj := s.criterionValue(candidates[i]), s.criterionValue(candidates[j])
		if vi != vj {
			return vi < vj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}

// PickSlave chooses the best live, idle slave handle of a session.
// When no slave qualifies and master_accept_reads is set, the master
// handle is returned instead; otherwise ErrNoBackend.
func (s *Selector) PickSlave(backends []*Backend, master *Backend) (*Backend, error) {
	var best *Backend
	for _, b := range backends {
		if b == master || !b.IsLive() || !b.IsIdle() {
			continue
		}
		if !b.server.IsSlave() || !s.lagAcceptable(b.server) {
			continue
		}
		if best == nil {
			best = b
			continue
		}
		vb, vc := s.criterionValue(best.server), s.criterionValue(b.server)
		if vc < vb || (vc == vb && b.server.Name < best.server.Name) {
			best = b
		}
	}
	if best != nil {
		return best, nil
	}
	if s.cfg.MasterAcceptReads && master != nil && master.IsLive() {
		return master, nil
	}
	return nil, ErrNoBackend
}

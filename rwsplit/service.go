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
	"sync"

	"github.com/endink/go-rwsplit/util/sync2"
)

// RewriterFactory builds a per-session reply rewriter for the given
// client account, or nil when no rewriting applies.
type RewriterFactory func(user, host string) ReplyRewriter

// Service is the shared, cross-session side of one routing service: the
// server list, the current config and the statistics. Sessions copy the
// config; the version counter tells them when to re-copy.
type Service struct {
	Name string

	mu       sync.Mutex
	cfg      Config
	servers  []*Server
	sessions map[string]*Session

	cfgVersion sync2.AtomicInt64

	connector       Connector
	rewriterFactory RewriterFactory
	stats           *Stats
}

// NewService creates a service over a fixed server list. The monitor
// mutates server roles and health in place.
func NewService(name string, cfg Config, servers []*Server, connector Connector) *Service {
	return &Service{
		Name:      name,
		cfg:       cfg,
		servers:   servers,
		sessions:  make(map[string]*Session),
		connector: connector,
		stats:     NewStats(name),
	}
}

// SetRewriterFactory installs the reply rewriter hook, typically the
// masking filter.
func (svc *Service) SetRewriterFactory(f RewriterFactory) {
	svc.rewriterFactory = f
}

// UpdateConfig swaps the service config and bumps the version counter.
// Open sessions pick the new config up at their next quiescent point.
func (svc *Service) UpdateConfig(cfg Config) {
	svc.mu.Lock()
	svc.cfg = cfg
	svc.mu.Unlock()
	svc.cfgVersion.Add(1)
}

// ConfigSnapshot returns a copy of the current config.
func (svc *Service) ConfigSnapshot() Config {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.cfg
}

// ConfigVersion returns the config version counter.
func (svc *Service) ConfigVersion() int64 { return svc.cfgVersion.Get() }

// Servers returns the cluster's server list.
func (svc *Service) Servers() []*Server {
	return svc.servers
}

// Stats returns the service statistics.
func (svc *Service) Stats() *Stats { return svc.stats }

// NewSession opens a router session for one client connection: the
// master handle plus the configured number of slave handles.
func (svc *Service) NewSession(client ClientConn, user, host, defaultDB string) (*Session, error) {
	s := newSession(svc, client, user, host, defaultDB)
	if svc.rewriterFactory != nil {
		s.rewriter = svc.rewriterFactory(user, host)
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	svc.mu.Lock()
	svc.sessions[s.id] = s
	svc.mu.Unlock()
	svc.stats.addSession()
	return s, nil
}

func (svc *Service) removeSession(s *Session) {
	svc.mu.Lock()
	delete(svc.sessions, s.id)
	svc.mu.Unlock()
}

// Sessions snapshots the open sessions, for the admin surface.
func (svc *Service) Sessions() []*Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	out := make([]*Session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount returns the number of open sessions.
func (svc *Service) SessionCount() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.sessions)
}

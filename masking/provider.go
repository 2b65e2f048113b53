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
	"sync"
)

// Provider owns the active rule set of a service and supports reloading.
// A reload that fails to parse leaves the previous rule set in place.
type Provider struct {
	path string

	mu      sync.RWMutex
	current *Rules
}

// NewProvider loads the initial rule set from path.
func NewProvider(path string) (*Provider, error) {
	rules, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Provider{path: path, current: rules}, nil
}

// Current returns the active rule set.
func (p *Provider) Current() *Rules {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Reload re-reads the rules file. On a parse error the active rule set
// is kept and the error returned.
func (p *Provider) Reload() error {
	rules, err := Load(p.path)
	if err != nil {
		log.Errorf("reloading masking rules failed, keeping the previous rules: %v", err)
		return err
	}
	p.mu.Lock()
	p.current = rules
	p.mu.Unlock()
	log.Infof("masking rules reloaded: %d rules", rules.Len())
	return nil
}

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

package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/endink/go-rwsplit/logging"
	"github.com/pingcap/errors"
	"go.uber.org/config"
)

var logger = logging.GetLogger("config")

// Manager loads the proxy configuration from the conventional YAML
// locations, or from an explicit file.
type Manager struct {
	Proxy Proxy
}

// NewManager searches the default locations and loads every file found,
// later files overriding earlier ones.
func NewManager() (*Manager, error) {
	var sources []config.YAMLOption
	for _, f := range defaultFileLocations() {
		if fileExists(f) {
			sources = append(sources, config.File(f))
			logger.Infof("configuration file found: %s", f)
		} else {
			logger.Debugf("configuration file not found: %s", f)
		}
	}
	if len(sources) == 0 {
		return nil, errors.New("no configuration file found")
	}
	return newManager(sources)
}

// NewManagerFromFile loads an explicit configuration file.
func NewManagerFromFile(path string) (*Manager, error) {
	if !fileExists(path) {
		return nil, errors.Errorf("configuration file %s does not exist", path)
	}
	return newManager([]config.YAMLOption{config.File(path)})
}

func newManager(sources []config.YAMLOption) (*Manager, error) {
	yaml, err := config.NewYAML(sources...)
	if err != nil {
		return nil, errors.Annotate(err, "loading configuration")
	}
	m := &Manager{}
	if err := yaml.Get("proxy").Populate(&m.Proxy); err != nil {
		return nil, errors.Annotate(err, "populating proxy configuration")
	}
	if len(m.Proxy.Services) == 0 {
		return nil, errors.New("configuration defines no services")
	}
	return m, nil
}

func defaultFileLocations() []string {
	var files []string
	if runtime.GOOS != "windows" {
		files = append(files,
			"/etc/go-rwsplit/config.yaml",
			"/etc/go-rwsplit/config.yml",
		)
	}
	if dir, err := os.Getwd(); err == nil {
		files = append(files, filepath.Join(dir, "config.yaml"))
	} else {
		files = append(files, "config.yaml")
	}
	return files
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

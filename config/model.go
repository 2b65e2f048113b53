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

// Server describes one backend server of a service.
type Server struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Role    string `yaml:"role"`
}

// Service describes one routing service: its listener, its servers, the
// router options and the optional masking rules file.
type Service struct {
	Name          string            `yaml:"name"`
	Listen        string            `yaml:"listen"`
	Servers       []Server          `yaml:"servers"`
	RouterOptions map[string]string `yaml:"router_options"`
	MaskingRules  string            `yaml:"masking_rules"`
	User          string            `yaml:"user"`
	Password      string            `yaml:"password"`
}

// Proxy is the root configuration document.
type Proxy struct {
	AdminListen string    `yaml:"admin_listen"`
	Services    []Service `yaml:"services"`
}

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

package admin

import (
	"net/http"

	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/rwsplit"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

var log = logging.GetLogger("admin")

// resource is one JSON:API resource object.
type resource struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes"`
}

// collection is a JSON:API collection document.
type collection struct {
	Links map[string]string `json:"links"`
	Data  []resource        `json:"data"`
}

func newCollection(self string, data []resource) collection {
	if data == nil {
		data = []resource{}
	}
	return collection{
		Links: map[string]string{"self": self},
		Data:  data,
	}
}

// API is the read-only JSON:API admin surface. It lists the runtime
// objects of the proxy; it never mutates them.
type API struct {
	services []*rwsplit.Service
	modules  []string
	filters  []string
	users    []string
	monitors []string
	engine   *gin.Engine
}

// NewAPI builds the admin router over the given services.
func NewAPI(services []*rwsplit.Service) *API {
	gin.SetMode(gin.ReleaseMode)
	a := &API{
		services: services,
		modules:  []string{"readwritesplit", "masking"},
		users:    []string{"admin"},
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gzip.Gzip(gzip.DefaultCompression))

	v1 := engine.Group("/v1")
	v1.GET("/services", a.listServices)
	v1.GET("/servers", a.listServers)
	v1.GET("/sessions", a.listSessions)
	v1.GET("/monitors", a.listMonitors)
	v1.GET("/filters", a.listFilters)
	v1.GET("/modules", a.listModules)
	v1.GET("/users", a.listUsers)
	v1.GET("/commands", a.listCommands)

	a.engine = engine
	return a
}

// RegisterFilter adds a filter name to the listing.
func (a *API) RegisterFilter(name string) {
	a.filters = append(a.filters, name)
}

// RegisterMonitor adds a monitor name to the listing.
func (a *API) RegisterMonitor(name string) {
	a.monitors = append(a.monitors, name)
}

// Handler exposes the underlying http handler, for tests and embedding.
func (a *API) Handler() http.Handler { return a.engine }

// Serve blocks serving the admin API on addr.
func (a *API) Serve(addr string) error {
	log.Infof("admin REST listening on %s", addr)
	return a.engine.Run(addr)
}

func (a *API) listServices(c *gin.Context) {
	data := make([]resource, 0, len(a.services))
	for _, svc := range a.services {
		stats := svc.Stats().Snapshot()
		attributes := map[string]interface{}{
			"router":      "readwritesplit",
			"connections": svc.SessionCount(),
			"statistics":  stats,
		}
		data = append(data, resource{ID: svc.Name, Type: "services", Attributes: attributes})
	}
	c.JSON(http.StatusOK, newCollection(c.Request.URL.Path, data))
}

func (a *API) listServers(c *gin.Context) {
	var data []resource
	for _, svc := range a.services {
		for _, server := range svc.Servers() {
			data = append(data, resource{
				ID:   server.Name,
				Type: "servers",
				Attributes: map[string]interface{}{
					"address":            server.Address,
					"port":               server.Port,
					"role":               server.Role().String(),
					"running":            server.IsRunning(),
					"maintenance":        server.InMaintenance(),
					"replication_lag":    server.ReplicationLag(),
					"connections":        server.GlobalConnections(),
					"current_operations": server.CurrentOperations(),
				},
			})
		}
	}
	c.JSON(http.StatusOK, newCollection(c.Request.URL.Path, data))
}

func (a *API) listSessions(c *gin.Context) {
	var data []resource
	for _, svc := range a.services {
		for _, session := range svc.Sessions() {
			data = append(data, resource{
				ID:   session.ID(),
				Type: "sessions",
				Attributes: map[string]interface{}{
					"service":  svc.Name,
					"user":     session.User(),
					"backends": len(session.Backends()),
				},
			})
		}
	}
	c.JSON(http.StatusOK, newCollection(c.Request.URL.Path, data))
}

func (a *API) listMonitors(c *gin.Context) {
	c.JSON(http.StatusOK, newCollection(c.Request.URL.Path, namedResources(a.monitors, "monitors")))
}

func (a *API) listFilters(c *gin.Context) {
	c.JSON(http.StatusOK, newCollection(c.Request.URL.Path, namedResources(a.filters, "filters")))
}

func (a *API) listModules(c *gin.Context) {
	c.JSON(http.StatusOK, newCollection(c.Request.URL.Path, namedResources(a.modules, "modules")))
}

func (a *API) listUsers(c *gin.Context) {
	c.JSON(http.StatusOK, newCollection(c.Request.URL.Path, namedResources(a.users, "users")))
}

func (a *API) listCommands(c *gin.Context) {
	c.JSON(http.StatusOK, newCollection(c.Request.URL.Path, nil))
}

func namedResources(names []string, kind string) []resource {
	data := make([]resource, 0, len(names))
	for _, name := range names {
		data = append(data, resource{ID: name, Type: kind, Attributes: map[string]interface{}{}})
	}
	return data
}

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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/endink/go-rwsplit/admin"
	"github.com/endink/go-rwsplit/config"
	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/masking"
	"github.com/endink/go-rwsplit/proxy"
	"github.com/endink/go-rwsplit/rwsplit"
	"github.com/endink/go-rwsplit/telemetry"
)

var configFile = flag.String("config", "", "configuration file path")

var log = logging.GetLogger("rwsplit")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var manager *config.Manager
	var err error
	if *configFile != "" {
		manager, err = config.NewManagerFromFile(*configFile)
	} else {
		manager, err = config.NewManager()
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := telemetry.Start(ctx); err != nil {
		log.Warnf("telemetry disabled: %v", err)
	}
	defer telemetry.Shutdown()

	var services []*rwsplit.Service
	for _, svcCnf := range manager.Proxy.Services {
		svc, err := buildService(&svcCnf)
		if err != nil {
			return err
		}
		services = append(services, svc)
		log.Infof("service %s ready: %d servers", svc.Name, len(svc.Servers()))
	}

	api := admin.NewAPI(services)
	for _, svcCnf := range manager.Proxy.Services {
		if svcCnf.MaskingRules != "" {
			api.RegisterFilter(svcCnf.Name + "-masking")
		}
	}

	addr := manager.Proxy.AdminListen
	if addr == "" {
		addr = "127.0.0.1:8989"
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Serve(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received %v, shutting down", sig)
		return nil
	case err := <-errCh:
		return err
	}
}

func buildService(svcCnf *config.Service) (*rwsplit.Service, error) {
	routerCfg, err := rwsplit.ParseOptions(svcCnf.RouterOptions)
	if err != nil {
		return nil, err
	}

	var servers []*rwsplit.Server
	for _, serverCnf := range svcCnf.Servers {
		role := rwsplit.RoleSlave
		switch serverCnf.Role {
		case "master", "joined":
			role = rwsplit.RoleMaster
		case "slave", "":
			role = rwsplit.RoleSlave
		default:
			return nil, fmt.Errorf("server %s has unknown role '%s'", serverCnf.Name, serverCnf.Role)
		}
		servers = append(servers, rwsplit.NewServer(serverCnf.Name, serverCnf.Address, serverCnf.Port, role))
	}

	connector := func(server *rwsplit.Server) (rwsplit.BackendConn, error) {
		return proxy.Dial(fmt.Sprintf("%s:%d", server.Address, server.Port))
	}

	svc := rwsplit.NewService(svcCnf.Name, routerCfg, servers, connector)

	if svcCnf.MaskingRules != "" {
		provider, err := masking.NewProvider(svcCnf.MaskingRules)
		if err != nil {
			return nil, err
		}
		svc.SetRewriterFactory(func(user, host string) rwsplit.ReplyRewriter {
			return masking.NewFilter(provider.Current(), user, host)
		})
	}
	return svc, nil
}

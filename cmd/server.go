// Copyright 2021-2022 The fluxcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/fluxcast/apis"
	"github.com/alwitt/fluxcast/common"
	"github.com/alwitt/fluxcast/core"
	"github.com/alwitt/fluxcast/dataplane"
	"github.com/alwitt/fluxcast/storage"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the fluxcast API server
//
// natsClient is nil when the NATS bridge is disabled.
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Customer store

	store, err := storage.GetCustomerStore(config.Store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define customer store")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Customer store close failed")
		}
	}()

	// -------------------------------------------------------------------
	// Broadcast relay

	relay, err := dataplane.GetEventRelay[common.Customer](
		instance, dataplane.BufferPolicyFromConfig(config.Relay),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast relay")
		return err
	}
	defer relay.Close()

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	var publisher dataplane.Publisher[common.Customer]
	readyChecks := []apis.ReadinessCheck{}
	if natsClient != nil {
		bridge, err := dataplane.GetNATSBridge[common.Customer](
			localCtxt, natsClient, config.NATS.SubjectPrefix, relay,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS bridge")
			return err
		}
		if err := bridge.Start(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS bridge")
			return err
		}
		publisher = bridge
		readyChecks = append(readyChecks, func(context.Context) error {
			if !bridge.Ready() {
				return fmt.Errorf("NATS bridge not connected")
			}
			return nil
		})
	}

	if config.Relay.StatsLogInterval > 0 {
		statsTimer, err := common.GetIntervalTimerInstance("relay-stats", localCtxt, wg)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define relay stats timer")
			return err
		}
		if err := statsTimer.Start(
			time.Second*time.Duration(config.Relay.StatsLogInterval), func() error {
				log.WithFields(logTags).Infof("Broadcast subscribers: %d", relay.SubscriberCount())
				return nil
			},
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start relay stats timer")
			return err
		}
		defer func() {
			if err := statsTimer.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Relay stats timer stop failed")
			}
		}()
	}

	httpHandler, err := apis.GetAPIRestCustomerHandler(
		localCtxt,
		&config.Server.HTTPSetting,
		config.Server.Endpoints,
		config.Server.Demo,
		store,
		relay,
		publisher,
		readyChecks...,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := httpHandler.BuildRouter(config.Server.Endpoints.PathPrefix)

	serverCfg := config.Server.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown. This also ends open SSE streams, which
	// http.Server.Shutdown would otherwise wait on.
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	var runErr error
	select {
	case <-runtimeContext.Done():
	case runErr = <-serverErr:
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}

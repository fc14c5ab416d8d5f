// Copyright 2022 The notifyrelay Authors
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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/notifyrelay/apis"
	"github.com/alwitt/notifyrelay/common"
	"github.com/alwitt/notifyrelay/dataplane"
	"github.com/alwitt/notifyrelay/metrics"
	"github.com/alwitt/notifyrelay/relay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// connectionDrainTimeout max time to wait for open connections to finish teardown on shutdown
const connectionDrainTimeout = time.Second * 10

// RunRelayServer run the notification relay server
//
// Blocks until runtimeContext is cancelled. An error is returned only if
// the server could not start.
func RunRelayServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	backend dataplane.Backend,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	registry := relay.GetConnectionRegistry(instance)
	connWG := sync.WaitGroup{}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestRelayHandler(
		localCtxt,
		backend,
		registry,
		&config.HTTP,
		apis.RelayHandlerParams{
			HandshakeTimeout:  time.Second * time.Duration(config.Relay.HandshakeTimeout),
			KeepAliveInterval: time.Second * time.Duration(config.Relay.KeepAliveInterval),
			WriteTimeout:      time.Second * time.Duration(config.Relay.WriteTimeout),
			CloseTimeout:      time.Second * time.Duration(config.Relay.WriteTimeout),
			AllowedOrigins:    config.Relay.AllowedOrigins,
			SubscribeRetry: relay.RetryPolicy{
				MaxAttempts: config.Relay.SubscribeRetry.MaxAttempts,
				InitialInterval: time.Millisecond * time.Duration(
					config.Relay.SubscribeRetry.InitialInterval,
				),
				MaxInterval: time.Millisecond * time.Duration(
					config.Relay.SubscribeRetry.MaxInterval,
				),
			},
			Metrics: metrics.GetCollector(),
		},
		&connWG,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := apis.DefineRelayRouter(httpHandler, config.Relay.PathPrefix)

	// Add logging
	accessLog := apis.GetAccessLogWriter(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:              serverListen,
		ReadHeaderTimeout: time.Second * time.Duration(config.Relay.HandshakeTimeout),
		WriteTimeout:      time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		ReadTimeout:       time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		IdleTimeout:       time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:           h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	listener, err := net.Listen("tcp", serverListen)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to listen on %s", serverListen)
		return err
	}

	// Start the server
	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	log.WithFields(logTags).Infof(
		"Shutting down with %d connections across %d sessions",
		registry.Count(), len(registry.Sessions()),
	)

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Websocket connections are hijacked, so the HTTP server does not track them
	lclCancel()
	drained := make(chan struct{})
	go func() {
		connWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(connectionDrainTimeout):
		log.WithFields(logTags).Warnf(
			"%d connections still open after %s. Forcing close", registry.Count(), connectionDrainTimeout,
		)
		registry.CloseAll()
	}

	return nil
}

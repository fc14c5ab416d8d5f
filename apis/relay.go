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

package apis

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifyrelay/common"
	"github.com/alwitt/notifyrelay/dataplane"
	"github.com/alwitt/notifyrelay/metrics"
	"github.com/alwitt/notifyrelay/relay"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// RelayHandlerParams runtime parameters of the relay REST handler
type RelayHandlerParams struct {
	// HandshakeTimeout bounds the websocket upgrade
	HandshakeTimeout time.Duration
	// KeepAliveInterval interval between pings. A client silent for twice
	// this long is disconnected.
	KeepAliveInterval time.Duration
	// WriteTimeout bounds writing one event to a client
	WriteTimeout time.Duration
	// CloseTimeout bounds the unsubscribe during connection teardown
	CloseTimeout time.Duration
	// AllowedOrigins accepted websocket Origin values. Empty accepts any origin.
	AllowedOrigins []string
	// SubscribeRetry channel subscribe retry policy
	SubscribeRetry relay.RetryPolicy
	// Metrics collector for relay metrics. Nil disables the metrics.
	Metrics *metrics.Collector
}

// APIRestRelayHandler REST handler for the notification relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	backend     dataplane.Backend
	registry    *relay.ConnectionRegistry
	upgrader    websocket.Upgrader
	params      RelayHandlerParams
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	backend dataplane.Backend,
	registry *relay.ConnectionRegistry,
	httpConfig *common.HTTPConfig,
	params RelayHandlerParams,
	wg *sync.WaitGroup,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay",
	}
	allowed := map[string]bool{}
	for _, origin := range params.AllowedOrigins {
		allowed[origin] = true
	}
	return APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		backend:  backend,
		registry: registry,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: params.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
		params:      params,
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Notification socket

// -----------------------------------------------------------------------

// NotificationSocket godoc
// @Summary Subscribe to session notifications
// @Description Upgrade to a websocket streaming the notifications published for the caller's session
// @tags Relay
// @Param Cookie header string true "Must carry the sessionid cookie"
// @Success 101 {string} string "switching protocols"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ws [get]
func (h APIRestRelayHandler) NotificationSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	sessionID, err := relay.ExtractSessionID(r.Header)
	if err != nil {
		msg := "Connection refused"
		log.WithError(err).WithFields(localLogTags).Warnf("%s from %s", msg, r.RemoteAddr)
		h.params.Metrics.ConnectionRejected("unauthenticated")
		if err := h.WriteRESTResponse(
			w,
			http.StatusUnauthorized,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	// Tracked before the hijack so a server shutdown waits for this connection
	h.wg.Add(1)
	defer h.wg.Done()

	if h.baseContext.Err() != nil {
		msg := "Relay is shutting down"
		log.WithFields(localLogTags).Warnf("%s. Refusing %s", msg, r.RemoteAddr)
		h.params.Metrics.ConnectionRejected("shutting_down")
		if err := h.WriteRESTResponse(
			w,
			http.StatusServiceUnavailable,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusServiceUnavailable, msg, ""),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		h.params.Metrics.ConnectionRejected("handshake_failed")
		return
	}

	conn := relay.NewConnection(ws, sessionID, h.params.WriteTimeout)
	logTags := common.CopyLogTags(localLogTags, log.Fields{
		"connection": conn.ID, "channel": conn.Channel,
	})
	if err := h.registry.Register(conn); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register connection")
		_ = conn.Close()
		return
	}
	log.WithFields(logTags).Infof("Accepted connection from %s", r.RemoteAddr)
	h.params.Metrics.ConnectionOpened()
	defer h.params.Metrics.ConnectionClosed()

	manager, err := relay.GetSubscriptionManager(
		h.backend, conn, conn.ID, conn.Channel, h.params.SubscribeRetry, h.deliveryObserver(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription manager")
		_ = conn.Close()
		h.registry.Unregister(conn.ID)
		return
	}

	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	connWG := sync.WaitGroup{}
	keepAlive, err := common.GetIntervalTimerInstance(conn.ID, runtimeCtxt, &connWG)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define keepalive timer")
		cancel()
		_ = conn.Close()
		h.registry.Unregister(conn.ID)
		return
	}

	// Teardown, also on panic further down
	defer func() {
		cancel()
		closeCtxt, closeCancel := context.WithTimeout(context.Background(), h.params.CloseTimeout)
		defer closeCancel()
		if err := manager.Close(closeCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Subscription teardown failed")
		}
		_ = keepAlive.Stop()
		if err := conn.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Transport close failed")
		}
		connWG.Wait()
		h.registry.Unregister(conn.ID)
		log.WithFields(logTags).Infof("Connection closed after %s", time.Since(conn.CreatedAt))
	}()

	// Transport close ends the connection
	connWG.Add(1)
	go func() {
		defer connWG.Done()
		defer cancel()
		if err := conn.ReadPump(h.params.KeepAliveInterval * 2); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Transport terminated")
		}
	}()

	keepAliveHandler := h.keepAliveHandler(conn, cancel, logTags)
	if err := keepAlive.Start(h.params.KeepAliveInterval, keepAliveHandler, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start keepalive")
	}

	if err := manager.Open(runtimeCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"No active subscription. Connection stays open without notifications",
		)
	}

	manager.Run(runtimeCtxt)
}

// keepAliveHandler ping the client, ending the connection once a ping fails
func (h APIRestRelayHandler) keepAliveHandler(
	conn *relay.Connection, cancel context.CancelFunc, logTags log.Fields,
) common.TimeoutHandler {
	return func() error {
		if err := conn.Ping(); err != nil {
			log.WithError(err).WithFields(logTags).Debug("Keepalive ping failed")
			cancel()
		}
		return nil
	}
}

// deliveryObserver the metrics collector as a delivery observer, if enabled
func (h APIRestRelayHandler) deliveryObserver() relay.DeliveryObserver {
	if h.params.Metrics == nil {
		return nil
	}
	return h.params.Metrics
}

// NotificationSocketHandler Wrapper around NotificationSocket
func (h APIRestRelayHandler) NotificationSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotificationSocket(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Healthcheck godoc
// @Summary Process liveness check
// @Description Returns 200 with an empty body while the process is serving. Does not consult the pub/sub backend.
// @tags Relay
// @Success 200 {string} string ""
// @Router /healthcheck [get]
func (h APIRestRelayHandler) Healthcheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HealthcheckHandler Wrapper around Healthcheck
func (h APIRestRelayHandler) HealthcheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Healthcheck(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary Pub/sub backend readiness check
// @Description Will return success if the pub/sub backend is reachable
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ctxt, cancel := context.WithTimeout(r.Context(), time.Second*2)
	defer cancel()
	if err := h.backend.Ping(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Backend ping failed")
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// DefineRelayRouter register the relay end-points
//
// The liveness check always sits at /healthcheck and the metrics at /metrics;
// the rest live under pathPrefix.
func DefineRelayRouter(h APIRestRelayHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/healthcheck", MethodHandlers{
		"get": h.HealthcheckHandler(),
	})
	if h.params.Metrics != nil {
		_ = RegisterPathPrefix(router, "/metrics", MethodHandlers{
			"get": h.params.Metrics.Handler().ServeHTTP,
		})
	}
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)
	_ = RegisterPathPrefix(mainRouter, "/ws", MethodHandlers{
		"get": h.NotificationSocketHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	return router
}

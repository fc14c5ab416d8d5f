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
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/notifyrelay/common"
	"github.com/alwitt/notifyrelay/dataplane"
	"github.com/alwitt/notifyrelay/relay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func getDefaultConfig(t *testing.T) *common.SystemConfig {
	common.InstallDefaultConfigValues()
	var cfg common.SystemConfig
	assert.Nil(t, viper.Unmarshal(&cfg))
	return &cfg
}

func getFreePort(t *testing.T) uint16 {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

func TestDefineBackend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	// Case 0: memory
	{
		cfg := getDefaultConfig(t)
		cfg.Relay.Backend = common.BackendMemory
		backend, err := DefineBackend(cfg, "ut-backend-memory")
		assert.Nil(err)
		assert.Nil(backend.Ping(utCtxt))
		assert.Nil(backend.Close(utCtxt))
	}

	// Case 1: redis
	{
		redisSrv := miniredis.RunT(t)
		cfg := getDefaultConfig(t)
		cfg.Relay.Backend = common.BackendRedis
		cfg.Redis.URL = fmt.Sprintf("redis://%s", redisSrv.Addr())
		backend, err := DefineBackend(cfg, "ut-backend-redis")
		assert.Nil(err)
		assert.Nil(backend.Ping(utCtxt))
		assert.Nil(backend.Close(utCtxt))
	}

	// Case 2: redis with a malformed URL
	{
		cfg := getDefaultConfig(t)
		cfg.Relay.Backend = common.BackendRedis
		cfg.Redis.URL = "http://localhost:6379"
		_, err := DefineBackend(cfg, "ut-backend-redis-bad")
		assert.NotNil(err)
	}

	// Case 3: unreachable redis is not a definition failure
	{
		cfg := getDefaultConfig(t)
		cfg.Relay.Backend = common.BackendRedis
		cfg.Redis.URL = fmt.Sprintf("redis://127.0.0.1:%d", getFreePort(t))
		cfg.Redis.DialTimeout = 1
		backend, err := DefineBackend(cfg, "ut-backend-redis-down")
		assert.Nil(err)
		assert.NotNil(backend.Ping(utCtxt))
		assert.Nil(backend.Close(utCtxt))
	}

	// Case 4: NATS
	{
		natsSrv, err := server.NewServer(&server.Options{
			Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true,
		})
		assert.Nil(err)
		go natsSrv.Start()
		defer natsSrv.Shutdown()
		assert.True(natsSrv.ReadyForConnections(time.Second * 5))

		cfg := getDefaultConfig(t)
		cfg.Relay.Backend = common.BackendNATS
		cfg.NATS.ServerURI = natsSrv.ClientURL()
		backend, err := DefineBackend(cfg, "ut-backend-nats")
		assert.Nil(err)
		assert.Eventually(func() bool {
			return backend.Ping(utCtxt) == nil
		}, time.Second*5, time.Millisecond*50)
		assert.Nil(backend.Close(utCtxt))
	}

	// Case 5: unknown
	{
		cfg := getDefaultConfig(t)
		cfg.Relay.Backend = "kafka"
		_, err := DefineBackend(cfg, "ut-backend-unknown")
		assert.NotNil(err)
	}
}

func TestPublishNotification(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	backend := dataplane.GetMemoryBackend("ut-publish", 4)
	sessionID := uuid.New().String()
	sub, err := backend.OpenSubscriber(utCtxt, "ut-publish-sub")
	assert.Nil(err)
	defer sub.Close()
	assert.Nil(sub.Subscribe(utCtxt, relay.ResolveChannel(sessionID)))

	// Case 0: named event
	{
		assert.Nil(PublishNotification(utCtxt, backend, PublishParams{
			SessionID: sessionID, EventName: "alert", Message: `{"level":"high"}`,
		}))
		select {
		case msg := <-sub.Deliveries():
			event, err := relay.TranslateEnvelope(msg.Payload)
			assert.Nil(err)
			assert.Equal("alert", event.Event)
			assert.JSONEq(`{"level":"high"}`, string(event.Data))
		case <-time.After(time.Second):
			assert.Fail("no delivery")
		}
	}

	// Case 1: default event
	{
		assert.Nil(PublishNotification(utCtxt, backend, PublishParams{
			SessionID: sessionID, Message: `42`,
		}))
		select {
		case msg := <-sub.Deliveries():
			var envelope map[string]json.RawMessage
			assert.Nil(json.Unmarshal(msg.Payload, &envelope))
			_, hasEvent := envelope["event_name"]
			assert.False(hasEvent)
			assert.Equal("42", string(envelope["message"]))
		case <-time.After(time.Second):
			assert.Fail("no delivery")
		}
	}

	// Case 2: invalid inputs
	{
		assert.NotNil(PublishNotification(utCtxt, backend, PublishParams{
			SessionID: sessionID, Message: `{not json`,
		}))
		assert.NotNil(PublishNotification(utCtxt, backend, PublishParams{
			Message: `"ok"`,
		}))
	}

	// Case 3: backend down
	{
		backend.SetOffline(true)
		assert.NotNil(PublishNotification(utCtxt, backend, PublishParams{
			SessionID: sessionID, Message: `"ok"`,
		}))
	}
}

func TestRunRelayServer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cfg := getDefaultConfig(t)
	cfg.Relay.Backend = common.BackendMemory
	cfg.HTTP.Server.ListenOn = "127.0.0.1"
	cfg.HTTP.Server.Port = getFreePort(t)
	backend := dataplane.GetMemoryBackend("ut-run-relay", 4)

	runCtxt, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	result := make(chan error, 1)
	go func() {
		result <- RunRelayServer(runCtxt, cfg, "ut-run-relay", backend)
	}()

	baseURL := fmt.Sprintf("127.0.0.1:%d", cfg.HTTP.Server.Port)
	assert.Eventually(func() bool {
		resp, err := http.Get("http://" + baseURL + "/healthcheck")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second*5, time.Millisecond*50)

	// Case 0: a second server on the same port fails to start
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		assert.NotNil(RunRelayServer(ctxt, cfg, "ut-run-relay-dup", backend))
	}

	// Case 1: deliver through the running server
	sessionID := uuid.New().String()
	header := http.Header{}
	header.Set("Cookie", fmt.Sprintf("sessionid=%s", sessionID))
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+baseURL+"/ws", header)
	assert.Nil(err)
	defer ws.Close()
	assert.Eventually(func() bool {
		return backend.Stats(relay.ResolveChannel(sessionID)).Active == 1
	}, time.Second*2, time.Millisecond*10)
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Nil(PublishNotification(ctxt, backend, PublishParams{
			SessionID: sessionID, Message: `"hi"`,
		}))
		var event relay.ClientEvent
		assert.Nil(ws.SetReadDeadline(time.Now().Add(time.Second)))
		assert.Nil(ws.ReadJSON(&event))
		assert.Equal(relay.DefaultEventName, event.Event)
		assert.JSONEq(`"hi"`, string(event.Data))
	}

	// Case 2: shutdown closes open connections
	runCancel()
	select {
	case err := <-result:
		assert.Nil(err)
	case <-time.After(time.Second * 15):
		assert.Fail("server did not stop")
	}
	assert.Equal(
		dataplane.MemoryChannelStats{Subscribes: 1, Unsubscribes: 1, Active: 0},
		backend.Stats(relay.ResolveChannel(sessionID)),
	)
}

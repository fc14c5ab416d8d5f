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
	"fmt"
	"time"

	"github.com/alwitt/notifyrelay/common"
	"github.com/alwitt/notifyrelay/core"
	"github.com/alwitt/notifyrelay/dataplane"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// subscriberBufferSize per subscriber handle delivery buffer for the NATS and memory backends
const subscriberBufferSize = 64

// DefineBackend define the pub/sub backend selected by the config
//
// An unreachable server does not fail this call; connections are
// established lazily or retried in the background.
func DefineBackend(config *common.SystemConfig, instance string) (dataplane.Backend, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "backend",
		"instance":  instance,
	}

	switch config.Relay.Backend {
	case common.BackendRedis:
		client, err := core.GetRedisClient(core.RedisConnectParams{
			URL:         config.Redis.URL,
			PoolSize:    config.Redis.PoolSize,
			DialTimeout: time.Second * time.Duration(config.Redis.DialTimeout),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define Redis client with %s", config.Redis.URL,
			)
			return nil, err
		}
		return dataplane.GetRedisBackend(client, instance)

	case common.BackendNATS:
		natsCfg := config.NATS
		client, err := core.GetNATSClient(core.NATSConnectParams{
			ServerURI:           natsCfg.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(natsCfg.ConnectTimeout),
			MaxReconnectAttempt: natsCfg.Reconnect.MaxAttempts,
			ReconnectWait:       time.Second * time.Duration(natsCfg.Reconnect.WaitInterval),
			OnDisconnectCallback: func(_ *nats.Conn, e error) {
				log.WithError(e).WithFields(logTags).Errorf(
					"NATS client disconnected from server %s", natsCfg.ServerURI,
				)
			},
			OnReconnectCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Warnf(
					"NATS client reconnected with server %s", natsCfg.ServerURI,
				)
			},
			OnCloseCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Info("NATS client closed connection")
			},
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", natsCfg.ServerURI,
			)
			return nil, err
		}
		return dataplane.GetNATSBackend(client, instance, subscriberBufferSize)

	case common.BackendMemory:
		log.WithFields(logTags).Warn("Using in-process backend. Only local publishes are relayed")
		return dataplane.GetMemoryBackend(instance, subscriberBufferSize), nil

	default:
		return nil, fmt.Errorf("unsupported backend %s", config.Relay.Backend)
	}
}

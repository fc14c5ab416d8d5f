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

package dataplane

import (
	"context"
	"sync"

	"github.com/alwitt/notifyrelay/common"
	"github.com/alwitt/notifyrelay/core"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// redisBackendImpl implements Backend with Redis pub/sub
type redisBackendImpl struct {
	common.Component
	client *core.RedisClient
}

// GetRedisBackend define a new Redis backed Backend
func GetRedisBackend(client *core.RedisClient, instance string) (Backend, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "redis-backend", "instance": instance,
	}
	return &redisBackendImpl{
		Component: common.Component{LogTags: logTags}, client: client,
	}, nil
}

// Publish publish a message on a channel
func (b *redisBackendImpl) Publish(ctxt context.Context, channel string, payload []byte) error {
	receivers, err := b.client.Redis().Publish(ctxt, channel, payload).Result()
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to publish to %s", channel)
		return err
	}
	log.WithFields(b.LogTags).Debugf("Published %dB to %s (%d receivers)", len(payload), channel, receivers)
	return nil
}

// Ping verify the backend is reachable
func (b *redisBackendImpl) Ping(ctxt context.Context) error {
	return b.client.Ping(ctxt)
}

// Close release the backend client
func (b *redisBackendImpl) Close(_ context.Context) error {
	return b.client.Close()
}

// OpenSubscriber open a new subscriber handle
//
// Every handle is a dedicated redis.PubSub, holding its own connection.
func (b *redisBackendImpl) OpenSubscriber(ctxt context.Context, instance string) (Subscriber, error) {
	logTags := common.CopyLogTags(b.LogTags, log.Fields{
		"component": "redis-subscriber", "instance": instance,
	})
	// No channels yet; SUBSCRIBE is issued by Subscribe
	ps := b.client.Redis().Subscribe(ctxt)
	sub := &redisSubscriberImpl{
		Component: common.Component{LogTags: logTags},
		pubsub:    ps,
		output:    make(chan Delivery),
		done:      make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.pump(ps.Channel())
	return sub, nil
}

// ==============================================================================

// redisSubscriberImpl implements Subscriber with one redis.PubSub
type redisSubscriberImpl struct {
	common.Component
	pubsub    *redis.PubSub
	output    chan Delivery
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    bool
	lock      sync.Mutex
}

// pump forward messages from the redis.PubSub channel to the output
func (s *redisSubscriberImpl) pump(src <-chan *redis.Message) {
	defer s.wg.Done()
	defer close(s.output)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-src:
			if !ok {
				log.WithFields(s.LogTags).Debug("Redis message channel closed")
				return
			}
			delivery := Delivery{Channel: msg.Channel, Payload: []byte(msg.Payload)}
			select {
			case s.output <- delivery:
			case <-s.done:
				return
			}
		}
	}
}

// Subscribe start receiving messages published on a channel
func (s *redisSubscriberImpl) Subscribe(ctxt context.Context, channel string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	if err := s.pubsub.Subscribe(ctxt, channel); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("SUBSCRIBE %s failed", channel)
		return err
	}
	log.WithFields(s.LogTags).Debugf("Subscribed to %s", channel)
	return nil
}

// Unsubscribe stop receiving messages published on a channel
func (s *redisSubscriberImpl) Unsubscribe(ctxt context.Context, channel string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	if err := s.pubsub.Unsubscribe(ctxt, channel); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("UNSUBSCRIBE %s failed", channel)
		return err
	}
	log.WithFields(s.LogTags).Debugf("Unsubscribed from %s", channel)
	return nil
}

// Deliveries the stream of received messages
func (s *redisSubscriberImpl) Deliveries() <-chan Delivery {
	return s.output
}

// Close release the subscriber handle
func (s *redisSubscriberImpl) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.closed = true
		s.lock.Unlock()
		close(s.done)
		err = s.pubsub.Close()
		s.wg.Wait()
		log.WithFields(s.LogTags).Debug("Closed subscriber handle")
	})
	return err
}

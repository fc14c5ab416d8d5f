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
	"fmt"
	"sync"

	"github.com/alwitt/notifyrelay/common"
	"github.com/alwitt/notifyrelay/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsBackendImpl implements Backend with NATS core subjects
type natsBackendImpl struct {
	common.Component
	client    *core.NatsClient
	msgBuffer int
}

// GetNATSBackend define a new NATS backed Backend
//
// Channel names map one-to-one onto NATS subjects.
func GetNATSBackend(client *core.NatsClient, instance string, msgBuffer int) (Backend, error) {
	if msgBuffer < 1 {
		return nil, fmt.Errorf("invalid message buffer size %d", msgBuffer)
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-backend", "instance": instance,
	}
	return &natsBackendImpl{
		Component: common.Component{LogTags: logTags}, client: client, msgBuffer: msgBuffer,
	}, nil
}

// Publish publish a message on a channel
func (b *natsBackendImpl) Publish(ctxt context.Context, channel string, payload []byte) error {
	if err := b.client.NATs().Publish(channel, payload); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to publish to %s", channel)
		return err
	}
	if err := b.client.Flush(ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Flush after publish to %s failed", channel)
		return err
	}
	log.WithFields(b.LogTags).Debugf("Published %dB to %s", len(payload), channel)
	return nil
}

// Ping verify the backend is reachable
func (b *natsBackendImpl) Ping(ctxt context.Context) error {
	return b.client.Ping(ctxt)
}

// Close release the backend client
func (b *natsBackendImpl) Close(ctxt context.Context) error {
	b.client.Close(ctxt)
	return nil
}

// OpenSubscriber open a new subscriber handle
func (b *natsBackendImpl) OpenSubscriber(_ context.Context, instance string) (Subscriber, error) {
	logTags := common.CopyLogTags(b.LogTags, log.Fields{
		"component": "nats-subscriber", "instance": instance,
	})
	sub := &natsSubscriberImpl{
		Component: common.Component{LogTags: logTags},
		client:    b.client,
		subs:      make(map[string]*nats.Subscription),
		raw:       make(chan *nats.Msg, b.msgBuffer),
		output:    make(chan Delivery),
		done:      make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.pump()
	return sub, nil
}

// ==============================================================================

// natsSubscriberImpl implements Subscriber with NATS channel subscriptions
type natsSubscriberImpl struct {
	common.Component
	client    *core.NatsClient
	lock      sync.Mutex
	closed    bool
	subs      map[string]*nats.Subscription
	raw       chan *nats.Msg
	output    chan Delivery
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// pump forward messages from the NATS subscriptions to the output
func (s *natsSubscriberImpl) pump() {
	defer s.wg.Done()
	defer close(s.output)
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.raw:
			delivery := Delivery{Channel: msg.Subject, Payload: msg.Data}
			select {
			case s.output <- delivery:
			case <-s.done:
				return
			}
		}
	}
}

// Subscribe start receiving messages published on a channel
func (s *natsSubscriberImpl) Subscribe(ctxt context.Context, channel string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	if _, ok := s.subs[channel]; ok {
		return nil
	}
	sub, err := s.client.NATs().ChanSubscribe(channel, s.raw)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Subscribe %s failed", channel)
		return err
	}
	// Confirm the server registered the interest
	if err := s.client.Flush(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Subscribe %s not confirmed", channel)
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Rollback of %s subscribe failed", channel)
		}
		return err
	}
	s.subs[channel] = sub
	log.WithFields(s.LogTags).Debugf("Subscribed to %s", channel)
	return nil
}

// Unsubscribe stop receiving messages published on a channel
func (s *natsSubscriberImpl) Unsubscribe(_ context.Context, channel string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	sub, ok := s.subs[channel]
	if !ok {
		return fmt.Errorf("not subscribed to %s", channel)
	}
	delete(s.subs, channel)
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unsubscribe %s failed", channel)
		return err
	}
	log.WithFields(s.LogTags).Debugf("Unsubscribed from %s", channel)
	return nil
}

// Deliveries the stream of received messages
func (s *natsSubscriberImpl) Deliveries() <-chan Delivery {
	return s.output
}

// Close release the subscriber handle
func (s *natsSubscriberImpl) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.lock.Lock()
		s.closed = true
		for channel, sub := range s.subs {
			if uErr := sub.Unsubscribe(); uErr != nil {
				log.WithError(uErr).WithFields(s.LogTags).Errorf("Unsubscribe %s failed", channel)
				err = uErr
			}
		}
		s.subs = nil
		s.lock.Unlock()
		close(s.done)
		s.wg.Wait()
		log.WithFields(s.LogTags).Debug("Closed subscriber handle")
	})
	return err
}

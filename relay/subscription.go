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

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/notifyrelay/common"
	"github.com/alwitt/notifyrelay/dataplane"
	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounded exponential backoff for channel subscribe
type RetryPolicy struct {
	// MaxAttempts retries after the first failure. 0 disables retry.
	MaxAttempts int
	// InitialInterval wait before the first retry
	InitialInterval time.Duration
	// MaxInterval cap on the wait between retries
	MaxInterval time.Duration
}

// backOff build the backoff schedule for this policy
func (p RetryPolicy) backOff(ctxt context.Context) backoff.BackOff {
	if p.MaxAttempts <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctxt)
	}
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	// Bounded by attempt count instead
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts)), ctxt)
}

// Reasons a delivery is dropped
const (
	DropMalformed  = "malformed"
	DropEmitFailed = "emit_failed"
)

// DeliveryObserver receives the outcome of subscribes and deliveries
type DeliveryObserver interface {
	// SubscribeFailed the channel subscribe gave up
	SubscribeFailed()
	// Delivered one event reached the connection
	Delivered()
	// Dropped one message did not reach the connection
	Dropped(reason string)
}

// SubscriptionManager binds one subscriber handle to one connection for the
// connection's lifetime
type SubscriptionManager interface {
	// Open open the subscriber handle and subscribe to the connection's channel
	Open(ctxt context.Context) error
	// Run forward deliveries to the connection until the context ends
	Run(ctxt context.Context)
	// Close unsubscribe and release the subscriber handle. Safe to call many times.
	Close(ctxt context.Context) error
	// Subscribed whether the channel subscribe succeeded
	Subscribed() bool
}

// subscriptionManagerImpl implements SubscriptionManager
type subscriptionManagerImpl struct {
	common.Component
	backend      dataplane.Backend
	sink         EventSink
	connectionID string
	channel      string
	retry        RetryPolicy
	observer     DeliveryObserver
	// lock serializes Open and Close so a close waits for an in-flight subscribe
	lock       sync.Mutex
	handle     dataplane.Subscriber
	subscribed bool
	closed     bool
	closeOnce  sync.Once
	closing    atomic.Bool
	delivered  atomic.Uint64
	dropped    atomic.Uint64
}

// GetSubscriptionManager define a new SubscriptionManager for a connection
func GetSubscriptionManager(
	backend dataplane.Backend,
	sink EventSink,
	connectionID, channel string,
	retry RetryPolicy,
	observer DeliveryObserver,
) (SubscriptionManager, error) {
	if backend == nil || sink == nil {
		return nil, fmt.Errorf("subscription manager needs a backend and an event sink")
	}
	logTags := log.Fields{
		"module":    "relay",
		"component": "subscription-manager",
		"instance":  connectionID,
		"channel":   channel,
	}
	return &subscriptionManagerImpl{
		Component:    common.Component{LogTags: logTags},
		backend:      backend,
		sink:         sink,
		connectionID: connectionID,
		channel:      channel,
		retry:        retry,
		observer:     observer,
	}, nil
}

// Open open the subscriber handle and subscribe to the connection's channel
func (m *subscriptionManagerImpl) Open(ctxt context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return fmt.Errorf("%w: manager already closed", ErrBackendSubscribeFailure)
	}
	if m.handle != nil {
		return fmt.Errorf("already opened")
	}
	handle, err := m.backend.OpenSubscriber(ctxt, m.connectionID)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to open subscriber handle")
		if m.observer != nil {
			m.observer.SubscribeFailed()
		}
		return fmt.Errorf("%w: %s", ErrBackendSubscribeFailure, err.Error())
	}
	m.handle = handle

	attempt := 0
	subscribe := func() error {
		attempt++
		err := handle.Subscribe(ctxt, m.channel)
		if errors.Is(err, dataplane.ErrSubscriberClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(m.LogTags).Warnf(
			"Subscribe attempt %d failed, retrying in %s", attempt, wait,
		)
	}
	if err := backoff.RetryNotify(subscribe, m.retry.backOff(ctxt), notify); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Subscribe failed after %d attempts. Connection will receive no notifications", attempt,
		)
		if m.observer != nil {
			m.observer.SubscribeFailed()
		}
		return fmt.Errorf("%w: %s", ErrBackendSubscribeFailure, err.Error())
	}
	m.subscribed = true
	log.WithFields(m.LogTags).Infof("Subscribed after %d attempt(s)", attempt)
	return nil
}

// Subscribed whether the channel subscribe succeeded
func (m *subscriptionManagerImpl) Subscribed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.subscribed && !m.closed
}

// Run forward deliveries to the connection until the context ends
func (m *subscriptionManagerImpl) Run(ctxt context.Context) {
	m.lock.Lock()
	handle := m.handle
	active := m.subscribed && !m.closed
	m.lock.Unlock()

	if !active {
		// Nothing will ever arrive; hold the connection open until it ends
		<-ctxt.Done()
		return
	}

	log.WithFields(m.LogTags).Debug("Starting delivery loop")
	defer log.WithFields(m.LogTags).Debug("Delivery loop exiting")
	deliveries := handle.Deliveries()
	for {
		select {
		case <-ctxt.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				log.WithFields(m.LogTags).Warn("Subscriber handle stream ended")
				<-ctxt.Done()
				return
			}
			if ctxt.Err() != nil || m.closing.Load() {
				return
			}
			m.dispatch(msg)
		}
	}
}

// dispatch translate one delivery and emit it on the connection
func (m *subscriptionManagerImpl) dispatch(msg dataplane.Delivery) {
	event, err := TranslateEnvelope(msg.Payload)
	if err != nil {
		m.dropped.Add(1)
		m.observeDrop(DropMalformed)
		log.WithError(err).WithFields(m.LogTags).Warnf("Dropping %s", msg)
		return
	}
	if err := m.sink.Emit(event); err != nil {
		m.dropped.Add(1)
		m.observeDrop(DropEmitFailed)
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to emit %s", event)
		return
	}
	m.delivered.Add(1)
	if m.observer != nil {
		m.observer.Delivered()
	}
}

func (m *subscriptionManagerImpl) observeDrop(reason string) {
	if m.observer != nil {
		m.observer.Dropped(reason)
	}
}

// Close unsubscribe and release the subscriber handle
func (m *subscriptionManagerImpl) Close(ctxt context.Context) error {
	var result error
	m.closeOnce.Do(func() {
		m.closing.Store(true)
		m.lock.Lock()
		defer m.lock.Unlock()
		m.closed = true
		if m.handle == nil {
			return
		}
		if m.subscribed {
			if err := m.handle.Unsubscribe(ctxt, m.channel); err != nil {
				log.WithError(err).WithFields(m.LogTags).Error("Unsubscribe failed")
				result = err
			}
		}
		if err := m.handle.Close(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Subscriber handle close failed")
			if result == nil {
				result = err
			}
		}
		log.WithFields(m.LogTags).Infof(
			"Closed subscription. %d delivered, %d dropped",
			m.delivered.Load(), m.dropped.Load(),
		)
	})
	return result
}

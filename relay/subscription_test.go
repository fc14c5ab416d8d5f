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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/notifyrelay/dataplane"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// recordingSink EventSink which keeps every emitted event
type recordingSink struct {
	lock   sync.Mutex
	events []ClientEvent
	err    error
}

func (s *recordingSink) Emit(event ClientEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) received() []ClientEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]ClientEvent{}, s.events...)
}

// countingObserver DeliveryObserver which counts outcomes
type countingObserver struct {
	lock            sync.Mutex
	subscribeFailed int
	delivered       int
	dropped         map[string]int
}

func (o *countingObserver) SubscribeFailed() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.subscribeFailed++
}

func (o *countingObserver) Delivered() {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.delivered++
}

func (o *countingObserver) Dropped(reason string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.dropped == nil {
		o.dropped = map[string]int{}
	}
	o.dropped[reason]++
}

func (o *countingObserver) snapshot() (int, int, map[string]int) {
	o.lock.Lock()
	defer o.lock.Unlock()
	dropped := map[string]int{}
	for k, v := range o.dropped {
		dropped[k] = v
	}
	return o.subscribeFailed, o.delivered, dropped
}

var fastRetry = RetryPolicy{
	MaxAttempts: 2, InitialInterval: time.Millisecond * 5, MaxInterval: time.Millisecond * 10,
}

func TestSubscriptionManagerDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	backend := dataplane.GetMemoryBackend("ut-sub-mgmr-delivery", 16)
	sessionID := uuid.New().String()
	channel := ResolveChannel(sessionID)

	sink := &recordingSink{}
	observer := &countingObserver{}
	uut, err := GetSubscriptionManager(backend, sink, "conn-1", channel, fastRetry, observer)
	assert.Nil(err)

	// Case 0: open
	assert.Nil(uut.Open(utCtxt))
	assert.True(uut.Subscribed())
	assert.NotNil(uut.Open(utCtxt))
	assert.Equal(dataplane.MemoryChannelStats{Subscribes: 1, Active: 1}, backend.Stats(channel))

	runCtxt, runCancel := context.WithCancel(utCtxt)
	defer runCancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		uut.Run(runCtxt)
	}()

	// Case 1: default name, malformed, custom name, in order
	{
		assert.Nil(backend.Publish(utCtxt, channel, []byte(`{"message":{"a":1}}`)))
		assert.Nil(backend.Publish(utCtxt, channel, []byte(`this is not json`)))
		assert.Nil(backend.Publish(utCtxt, channel, []byte(`{"event_name":"no-message"}`)))
		assert.Nil(backend.Publish(utCtxt, channel, []byte(`{"message":{"a":1},"event_name":"custom"}`)))
		assert.Eventually(func() bool {
			return len(sink.received()) == 2
		}, time.Second, time.Millisecond*10)
		events := sink.received()
		assert.Equal("message", events[0].Event)
		assert.JSONEq(`{"a":1}`, string(events[0].Data))
		assert.Equal("custom", events[1].Event)
		assert.JSONEq(`{"a":1}`, string(events[1].Data))
	}

	// Case 2: sink failures do not stop the loop
	{
		sink.lock.Lock()
		sink.err = fmt.Errorf("write failed")
		sink.lock.Unlock()
		assert.Nil(backend.Publish(utCtxt, channel, []byte(`{"message":"lost"}`)))
		time.Sleep(time.Millisecond * 50)
		sink.lock.Lock()
		sink.err = nil
		sink.lock.Unlock()
		assert.Nil(backend.Publish(utCtxt, channel, []byte(`{"message":"kept"}`)))
		assert.Eventually(func() bool {
			return len(sink.received()) == 3
		}, time.Second, time.Millisecond*10)
		assert.Equal(`"kept"`, string(sink.received()[2].Data))

		subFailed, delivered, dropped := observer.snapshot()
		assert.Equal(0, subFailed)
		assert.Equal(3, delivered)
		assert.Equal(map[string]int{DropMalformed: 2, DropEmitFailed: 1}, dropped)
	}

	// Case 3: teardown
	{
		runCancel()
		assert.Nil(uut.Close(utCtxt))
		assert.Nil(uut.Close(utCtxt))
		assert.False(uut.Subscribed())
		assert.Equal(
			dataplane.MemoryChannelStats{Subscribes: 1, Unsubscribes: 1, Active: 0},
			backend.Stats(channel),
		)
		// Nothing reaches the connection after close
		assert.Nil(backend.Publish(utCtxt, channel, []byte(`{"message":"late"}`)))
		time.Sleep(time.Millisecond * 50)
		assert.Len(sink.received(), 3)
	}
}

func TestSubscriptionManagerFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	backend := dataplane.GetMemoryBackend("ut-sub-mgmr-fanout", 16)
	channel := ResolveChannel("abc")

	sinks := []*recordingSink{{}, {}}
	managers := []SubscriptionManager{}
	for idx, sink := range sinks {
		uut, err := GetSubscriptionManager(backend, sink, fmt.Sprintf("conn-%d", idx), channel, fastRetry, nil)
		assert.Nil(err)
		assert.Nil(uut.Open(utCtxt))
		managers = append(managers, uut)
		wg.Add(1)
		go func() {
			defer wg.Done()
			uut.Run(utCtxt)
		}()
	}
	assert.Equal(2, backend.Stats(channel).Active)

	assert.Nil(backend.Publish(utCtxt, channel, []byte(`{"message":{"notif":"x"}}`)))
	for _, sink := range sinks {
		assert.Eventually(func() bool {
			return len(sink.received()) == 1
		}, time.Second, time.Millisecond*10)
		event := sink.received()[0]
		assert.Equal("message", event.Event)
		assert.JSONEq(`{"notif":"x"}`, string(event.Data))
	}

	// Closing one leaves the other subscribed
	assert.Nil(managers[0].Close(utCtxt))
	assert.Equal(1, backend.Stats(channel).Active)
	assert.Nil(backend.Publish(utCtxt, channel, []byte(`{"message":2}`)))
	assert.Eventually(func() bool {
		return len(sinks[1].received()) == 2
	}, time.Second, time.Millisecond*10)
	assert.Len(sinks[0].received(), 1)

	utCtxtCancel()
	assert.Nil(managers[1].Close(context.Background()))
}

func TestSubscriptionManagerSubscribeFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	backend := dataplane.GetMemoryBackend("ut-sub-mgmr-failure", 16)
	backend.SetOffline(true)

	// Case 0: retries exhausted
	{
		channel := ResolveChannel(uuid.New().String())
		observer := &countingObserver{}
		uut, err := GetSubscriptionManager(backend, &recordingSink{}, "conn-0", channel, fastRetry, observer)
		assert.Nil(err)
		err = uut.Open(utCtxt)
		assert.ErrorIs(err, ErrBackendSubscribeFailure)
		assert.False(uut.Subscribed())
		subFailed, _, _ := observer.snapshot()
		assert.Equal(1, subFailed)
		// First attempt plus the retries
		assert.Equal(dataplane.MemoryChannelStats{Subscribes: 3}, backend.Stats(channel))

		// The manager idles until the connection ends
		runCtxt, runCancel := context.WithTimeout(utCtxt, time.Millisecond*50)
		uut.Run(runCtxt)
		runCancel()

		assert.Nil(uut.Close(utCtxt))
		assert.Equal(dataplane.MemoryChannelStats{Subscribes: 3}, backend.Stats(channel))
	}

	// Case 1: no retry configured
	{
		channel := ResolveChannel(uuid.New().String())
		uut, err := GetSubscriptionManager(
			backend, &recordingSink{}, "conn-1", channel, RetryPolicy{MaxAttempts: 0}, nil,
		)
		assert.Nil(err)
		assert.ErrorIs(uut.Open(utCtxt), ErrBackendSubscribeFailure)
		assert.Equal(dataplane.MemoryChannelStats{Subscribes: 1}, backend.Stats(channel))
		assert.Nil(uut.Close(utCtxt))
	}

	// Case 2: backend recovers during the retries
	{
		channel := ResolveChannel(uuid.New().String())
		uut, err := GetSubscriptionManager(
			backend, &recordingSink{}, "conn-2", channel,
			RetryPolicy{
				MaxAttempts: 20, InitialInterval: time.Millisecond * 10, MaxInterval: time.Millisecond * 20,
			},
			nil,
		)
		assert.Nil(err)
		go func() {
			time.Sleep(time.Millisecond * 60)
			backend.SetOffline(false)
		}()
		assert.Nil(uut.Open(utCtxt))
		assert.True(uut.Subscribed())
		assert.Equal(1, backend.Stats(channel).Active)
		assert.Nil(uut.Close(utCtxt))
		assert.Equal(0, backend.Stats(channel).Active)
		assert.Equal(1, backend.Stats(channel).Unsubscribes)
	}
}

func TestSubscriptionManagerCloseDuringSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	backend := dataplane.GetMemoryBackend("ut-sub-mgmr-close", 16)
	backend.SetOffline(true)
	channel := ResolveChannel(uuid.New().String())

	uut, err := GetSubscriptionManager(
		backend, &recordingSink{}, "conn-0", channel,
		RetryPolicy{MaxAttempts: 1000, InitialInterval: time.Millisecond * 20, MaxInterval: time.Millisecond * 20},
		nil,
	)
	assert.Nil(err)

	connCtxt, connCancel := context.WithCancel(utCtxt)
	openResult := make(chan error, 1)
	go func() {
		openResult <- uut.Open(connCtxt)
	}()
	time.Sleep(time.Millisecond * 50)

	// Connection closes while the subscribe is still being retried
	connCancel()
	assert.Nil(uut.Close(utCtxt))
	select {
	case err := <-openResult:
		assert.ErrorIs(err, ErrBackendSubscribeFailure)
	case <-time.After(time.Second):
		assert.Fail("in-flight subscribe did not settle")
	}
	assert.False(uut.Subscribed())
	assert.Equal(0, backend.Stats(channel).Unsubscribes)
	assert.Equal(0, backend.Stats(channel).Active)

	// A closed manager can not be reopened
	assert.ErrorIs(uut.Open(utCtxt), ErrBackendSubscribeFailure)
}

func TestSubscriptionManagerParams(t *testing.T) {
	assert := assert.New(t)

	_, err := GetSubscriptionManager(nil, &recordingSink{}, "conn", "ch", fastRetry, nil)
	assert.NotNil(err)
	_, err = GetSubscriptionManager(dataplane.GetMemoryBackend("ut", 1), nil, "conn", "ch", fastRetry, nil)
	assert.NotNil(err)
}

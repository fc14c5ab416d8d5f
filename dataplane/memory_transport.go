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
	"errors"
	"sync"

	"github.com/alwitt/notifyrelay/common"
	"github.com/apex/log"
)

// ErrBackendOffline is returned by a MemoryBackend placed offline
var ErrBackendOffline = errors.New("memory backend offline")

// MemoryChannelStats call counters for one channel of a MemoryBackend
type MemoryChannelStats struct {
	// Subscribes number of Subscribe calls, including failed ones
	Subscribes int
	// Unsubscribes number of Unsubscribe calls, including failed ones
	Unsubscribes int
	// Active number of subscriber handles currently subscribed
	Active int
}

// MemoryBackend is an in-process Backend. Every subscriber of a channel
// receives its own copy of each published message.
type MemoryBackend struct {
	common.Component
	lock      sync.RWMutex
	offline   bool
	msgBuffer int
	channels  map[string]map[*memorySubscriberImpl]bool
	stats     map[string]*MemoryChannelStats
}

// GetMemoryBackend define a new in-process Backend
func GetMemoryBackend(instance string, msgBuffer int) *MemoryBackend {
	logTags := log.Fields{
		"module": "dataplane", "component": "memory-backend", "instance": instance,
	}
	return &MemoryBackend{
		Component: common.Component{LogTags: logTags},
		msgBuffer: msgBuffer,
		channels:  make(map[string]map[*memorySubscriberImpl]bool),
		stats:     make(map[string]*MemoryChannelStats),
	}
}

// SetOffline simulate the backend becoming unreachable. While offline Ping,
// Publish and Subscribe fail.
func (b *MemoryBackend) SetOffline(offline bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.offline = offline
}

// Stats fetch the call counters for a channel
func (b *MemoryBackend) Stats(channel string) MemoryChannelStats {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if stat, ok := b.stats[channel]; ok {
		return *stat
	}
	return MemoryChannelStats{}
}

// statsFor must be called while holding the write lock
func (b *MemoryBackend) statsFor(channel string) *MemoryChannelStats {
	stat, ok := b.stats[channel]
	if !ok {
		stat = &MemoryChannelStats{}
		b.stats[channel] = stat
	}
	return stat
}

// Publish publish a message on a channel
func (b *MemoryBackend) Publish(ctxt context.Context, channel string, payload []byte) error {
	b.lock.RLock()
	if b.offline {
		b.lock.RUnlock()
		return ErrBackendOffline
	}
	receivers := make([]*memorySubscriberImpl, 0, len(b.channels[channel]))
	for sub := range b.channels[channel] {
		receivers = append(receivers, sub)
	}
	b.lock.RUnlock()

	log.WithFields(b.LogTags).Debugf("Publishing %dB to %s (%d receivers)", len(payload), channel, len(receivers))
	for _, sub := range receivers {
		// Every receiver gets a private copy
		msg := Delivery{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.output <- msg:
		case <-sub.done:
		case <-ctxt.Done():
			return ctxt.Err()
		}
	}
	return nil
}

// Ping verify the backend is reachable
func (b *MemoryBackend) Ping(_ context.Context) error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.offline {
		return ErrBackendOffline
	}
	return nil
}

// Close release the backend client
func (b *MemoryBackend) Close(_ context.Context) error {
	return nil
}

// OpenSubscriber open a new subscriber handle
func (b *MemoryBackend) OpenSubscriber(_ context.Context, instance string) (Subscriber, error) {
	logTags := common.CopyLogTags(b.LogTags, log.Fields{
		"component": "memory-subscriber", "instance": instance,
	})
	return &memorySubscriberImpl{
		Component: common.Component{LogTags: logTags},
		parent:    b,
		channels:  make(map[string]bool),
		output:    make(chan Delivery, b.msgBuffer),
		done:      make(chan struct{}),
	}, nil
}

// subscribe register a subscriber for a channel
func (b *MemoryBackend) subscribe(sub *memorySubscriberImpl, channel string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	stat := b.statsFor(channel)
	stat.Subscribes++
	if b.offline {
		return ErrBackendOffline
	}
	members, ok := b.channels[channel]
	if !ok {
		members = make(map[*memorySubscriberImpl]bool)
		b.channels[channel] = members
	}
	if !members[sub] {
		members[sub] = true
		stat.Active++
	}
	return nil
}

// unsubscribe remove a subscriber from a channel
func (b *MemoryBackend) unsubscribe(sub *memorySubscriberImpl, channel string, countCall bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	stat := b.statsFor(channel)
	if countCall {
		stat.Unsubscribes++
	}
	if members, ok := b.channels[channel]; ok && members[sub] {
		delete(members, sub)
		stat.Active--
		if len(members) == 0 {
			delete(b.channels, channel)
		}
	}
}

// ==============================================================================

// memorySubscriberImpl implements Subscriber for MemoryBackend
type memorySubscriberImpl struct {
	common.Component
	parent    *MemoryBackend
	lock      sync.Mutex
	closed    bool
	channels  map[string]bool
	output    chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe start receiving messages published on a channel
func (s *memorySubscriberImpl) Subscribe(_ context.Context, channel string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	if err := s.parent.subscribe(s, channel); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Subscribe %s failed", channel)
		return err
	}
	s.channels[channel] = true
	return nil
}

// Unsubscribe stop receiving messages published on a channel
func (s *memorySubscriberImpl) Unsubscribe(_ context.Context, channel string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	s.parent.unsubscribe(s, channel, true)
	delete(s.channels, channel)
	return nil
}

// Deliveries the stream of received messages
func (s *memorySubscriberImpl) Deliveries() <-chan Delivery {
	return s.output
}

// Close release the subscriber handle
//
// The output is left open since a concurrent Publish may still write into it.
func (s *memorySubscriberImpl) Close() error {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		s.closed = true
		for channel := range s.channels {
			s.parent.unsubscribe(s, channel, false)
		}
		s.channels = nil
		close(s.done)
	})
	return nil
}

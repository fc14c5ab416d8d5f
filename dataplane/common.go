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
	"fmt"
)

// ErrSubscriberClosed is returned when operating on a closed subscriber handle
var ErrSubscriberClosed = errors.New("subscriber handle closed")

// Delivery one message received on a subscribed channel
type Delivery struct {
	// Channel the message was published on
	Channel string
	// Payload the raw message body
	Payload []byte
}

// String toString function
func (d Delivery) String() string {
	return fmt.Sprintf("%s:MSG[%dB]", d.Channel, len(d.Payload))
}

// Subscriber is one subscription session against the pub/sub backend.
//
// A Subscriber must not be shared. Deliveries are handed out in the order the
// backend delivers them.
type Subscriber interface {
	// Subscribe start receiving messages published on a channel
	Subscribe(ctxt context.Context, channel string) error
	// Unsubscribe stop receiving messages published on a channel
	Unsubscribe(ctxt context.Context, channel string) error
	// Deliveries the stream of received messages. Implementations may close it
	// when the handle is closed; readers must not rely on that to stop.
	Deliveries() <-chan Delivery
	// Close release the subscriber handle
	Close() error
}

// Publisher publishes messages onto pub/sub channels
type Publisher interface {
	// Publish publish a message on a channel
	Publish(ctxt context.Context, channel string, payload []byte) error
}

// Backend is a pub/sub backend which can issue subscriber handles
type Backend interface {
	Publisher
	// OpenSubscriber open a new subscriber handle
	OpenSubscriber(ctxt context.Context, instance string) (Subscriber, error)
	// Ping verify the backend is reachable
	Ping(ctxt context.Context) error
	// Close release the backend client
	Close(ctxt context.Context) error
}

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
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultEventName the client event name used when an envelope names none
const DefaultEventName = "message"

// Envelope the notification body published on a session channel
type Envelope struct {
	// Message the payload forwarded verbatim to the client
	Message json.RawMessage `json:"message"`
	// EventName the client event name. Empty means DefaultEventName.
	EventName string `json:"event_name,omitempty"`
}

// ClientEvent a named event written to one websocket client
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// String toString function
func (e ClientEvent) String() string {
	return fmt.Sprintf("EVENT[%s %dB]", e.Event, len(e.Data))
}

// TranslateEnvelope convert a raw envelope received from the backend into a
// client event
func TranslateEnvelope(payload []byte) (ClientEvent, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ClientEvent{}, fmt.Errorf("%w: %s", ErrMalformedEnvelope, err.Error())
	}
	if envelope.Message == nil {
		return ClientEvent{}, fmt.Errorf("%w: missing message", ErrMalformedEnvelope)
	}
	eventName := envelope.EventName
	if eventName == "" {
		eventName = DefaultEventName
	}
	return ClientEvent{Event: eventName, Data: envelope.Message}, nil
}

// BuildEnvelope serialize a notification for publishing
func BuildEnvelope(message []byte, eventName string) ([]byte, error) {
	message = bytes.TrimSpace(message)
	if !json.Valid(message) {
		return nil, fmt.Errorf("%w: message is not valid JSON", ErrMalformedEnvelope)
	}
	return json.Marshal(Envelope{Message: message, EventName: eventName})
}

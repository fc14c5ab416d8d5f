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

	"github.com/alwitt/notifyrelay/dataplane"
	"github.com/alwitt/notifyrelay/relay"
	"github.com/apex/log"
)

// PublishParams parameters of one notification publish
type PublishParams struct {
	// SessionID target session
	SessionID string `validate:"required"`
	// EventName client side event name. Empty uses the default.
	EventName string
	// Message JSON message delivered verbatim to the client
	Message string `validate:"required"`
}

// PublishNotification publish one notification to every connection of a session
func PublishNotification(
	ctxt context.Context, publisher dataplane.Publisher, params PublishParams,
) error {
	if params.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if !json.Valid([]byte(params.Message)) {
		return fmt.Errorf("message is not valid JSON: %s", params.Message)
	}
	payload, err := relay.BuildEnvelope([]byte(params.Message), params.EventName)
	if err != nil {
		return err
	}
	channel := relay.ResolveChannel(params.SessionID)
	if err := publisher.Publish(ctxt, channel, payload); err != nil {
		return fmt.Errorf("publish to %s failed: %w", channel, err)
	}
	log.WithFields(log.Fields{
		"module": "cmd", "component": "publish", "channel": channel,
	}).Infof("Published %s", payload)
	return nil
}

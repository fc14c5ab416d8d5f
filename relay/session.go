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

// Package relay bridges per-session pub/sub channels to websocket clients.
package relay

import (
	"errors"
	"net/http"
)

var (
	// ErrUnauthenticated the handshake carried no usable session identifier
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrBackendSubscribeFailure the pub/sub backend could not be subscribed to
	ErrBackendSubscribeFailure = errors.New("backend subscribe failure")
	// ErrMalformedEnvelope a delivered message is not a valid notification envelope
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// SessionCookieName the cookie holding the session identifier
const SessionCookieName = "sessionid"

// ChannelNamespace the namespace prefix of every notification channel
const ChannelNamespace = "user-notifications"

// ExtractSessionID read the session identifier from the handshake's Cookie header
func ExtractSessionID(header http.Header) (string, error) {
	if len(header.Values("Cookie")) == 0 {
		return "", ErrUnauthenticated
	}
	req := http.Request{Header: header}
	cookie, err := req.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", ErrUnauthenticated
	}
	return cookie.Value, nil
}

// ResolveChannel derive the pub/sub channel of a session
func ResolveChannel(sessionID string) string {
	return ChannelNamespace + "." + sessionID
}

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
	"sync"
	"time"

	"github.com/alwitt/notifyrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventSink accepts client events for one connection
type EventSink interface {
	// Emit deliver one event to the client
	Emit(event ClientEvent) error
}

// Connection one live websocket client of the relay
type Connection struct {
	common.Component
	// ID process unique connection ID
	ID string
	// SessionID the authenticated session identifier
	SessionID string
	// Channel the pub/sub channel derived from SessionID
	Channel string
	// CreatedAt when the connection was accepted
	CreatedAt time.Time

	ws           *websocket.Conn
	writeLock    sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewConnection wrap an upgraded websocket as a relay connection
func NewConnection(ws *websocket.Conn, sessionID string, writeTimeout time.Duration) *Connection {
	connID := uuid.New().String()
	return &Connection{
		Component: common.Component{LogTags: log.Fields{
			"module": "relay", "component": "connection", "instance": connID,
		}},
		ID:           connID,
		SessionID:    sessionID,
		Channel:      ResolveChannel(sessionID),
		CreatedAt:    time.Now(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// Emit write one event to the client as a JSON text frame
func (c *Connection) Emit(event ClientEvent) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(&event); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to write %s", event)
		return err
	}
	log.WithFields(c.LogTags).Debugf("Sent %s", event)
	return nil
}

// Ping send a keepalive ping to the client
func (c *Connection) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// ReadPump consume client frames until the transport fails or closes.
//
// Clients do not send anything meaningful; frames are discarded. A missing
// pong within pongWait ends the pump.
func (c *Connection) ReadPump(pongWait time.Duration) error {
	c.ws.SetReadLimit(4096)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithFields(c.LogTags).Debug("Client closed connection")
				return nil
			}
			log.WithError(err).WithFields(c.LogTags).Debug("Read pump terminating")
			return err
		}
	}
}

// Close close the websocket, notifying the client when possible
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

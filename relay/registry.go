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
	"fmt"
	"sync"

	"github.com/alwitt/notifyrelay/common"
	"github.com/apex/log"
)

// ConnectionRegistry tracks every live connection of the process
type ConnectionRegistry struct {
	common.Component
	lock        sync.RWMutex
	connections map[string]*Connection
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) *ConnectionRegistry {
	return &ConnectionRegistry{
		Component: common.Component{LogTags: log.Fields{
			"module": "relay", "component": "connection-registry", "instance": instance,
		}},
		connections: make(map[string]*Connection),
	}
}

// Register record a newly accepted connection
func (r *ConnectionRegistry) Register(conn *Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.connections[conn.ID]; ok {
		return fmt.Errorf("connection %s already registered", conn.ID)
	}
	r.connections[conn.ID] = conn
	log.WithFields(r.LogTags).Infof(
		"Registered connection %s on %s (total: %d)", conn.ID, conn.Channel, len(r.connections),
	)
	return nil
}

// Unregister forget a connection
func (r *ConnectionRegistry) Unregister(connID string) (*Connection, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	conn, ok := r.connections[connID]
	if ok {
		delete(r.connections, connID)
		log.WithFields(r.LogTags).Infof(
			"Unregistered connection %s (total: %d)", connID, len(r.connections),
		)
	}
	return conn, ok
}

// Count number of live connections
func (r *ConnectionRegistry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}

// Sessions number of live connections per session ID
func (r *ConnectionRegistry) Sessions() map[string]int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make(map[string]int)
	for _, conn := range r.connections {
		result[conn.SessionID]++
	}
	return result
}

// CloseAll close the transport of every live connection. Each connection's
// own handler performs the teardown and unregisters it.
func (r *ConnectionRegistry) CloseAll() {
	r.lock.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.lock.RUnlock()
	log.WithFields(r.LogTags).Infof("Closing %d connections", len(conns))
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Debugf("Close of %s failed", conn.ID)
		}
	}
}

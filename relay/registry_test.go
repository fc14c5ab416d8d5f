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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionRegistry(t *testing.T) {
	assert := assert.New(t)

	uut := GetConnectionRegistry("ut-registry")

	conn1 := NewConnection(nil, "abc", time.Second)
	conn2 := NewConnection(nil, "abc", time.Second)
	conn3 := NewConnection(nil, "xyz", time.Second)
	assert.NotEqual(conn1.ID, conn2.ID)
	assert.Equal("user-notifications.abc", conn1.Channel)
	assert.Equal(conn1.Channel, conn2.Channel)

	// Case 0: register
	assert.Nil(uut.Register(conn1))
	assert.Nil(uut.Register(conn2))
	assert.Nil(uut.Register(conn3))
	assert.NotNil(uut.Register(conn1))
	assert.Equal(3, uut.Count())

	// Case 1: per session counts
	assert.Equal(map[string]int{"abc": 2, "xyz": 1}, uut.Sessions())

	// Case 2: unregister
	{
		removed, ok := uut.Unregister(conn1.ID)
		assert.True(ok)
		assert.Equal(conn1, removed)
		_, ok = uut.Unregister(conn1.ID)
		assert.False(ok)
		assert.Equal(2, uut.Count())
		assert.Equal(map[string]int{"abc": 1, "xyz": 1}, uut.Sessions())
		_, ok = uut.Unregister(conn3.ID)
		assert.True(ok)
		assert.Equal(map[string]int{"abc": 1}, uut.Sessions())
	}

	// Case 3: empty registry
	{
		_, ok := uut.Unregister(conn2.ID)
		assert.True(ok)
		assert.Equal(0, uut.Count())
		assert.Empty(uut.Sessions())
	}
}

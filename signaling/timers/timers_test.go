/*
 * Copyright 2019 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

func TestRegistryStart(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock)

	var fired int32
	r.Start("noAnswer", 30*time.Second, func() {
		atomic.AddInt32(&fired, 1)
	})
	assert.True(t, r.Has("noAnswer"))

	mock.Add(29 * time.Second)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, waitFor, time.Millisecond)
	assert.False(t, r.Has("noAnswer"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryReplace(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock)

	var first, second int32
	r.Start("retry", 3*time.Second, func() {
		atomic.AddInt32(&first, 1)
	})
	r.Start("retry", 6*time.Second, func() {
		atomic.AddInt32(&second, 1)
	})
	assert.Equal(t, 1, r.Len())

	mock.Add(6 * time.Second)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&second) == 1
	}, waitFor, time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&first))
}

func TestRegistryStopAll(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock)

	var fired int32
	for _, key := range []string{"noAnswer", "offerRetry1", "offerRetry2", "heartbeat"} {
		r.Start(key, time.Second, func() {
			atomic.AddInt32(&fired, 1)
		})
	}
	assert.Equal(t, 4, r.Len())
	assert.True(t, r.Stop("heartbeat"))
	assert.False(t, r.Stop("heartbeat"))

	r.StopAll()
	assert.Equal(t, 0, r.Len())

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

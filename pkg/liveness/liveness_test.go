// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/pmsvc/pkg/procs"
)

func TestMonitor(t *testing.T) {
	table := procs.NewFake(procs.Process{PID: 10}, procs.Process{PID: 20}, procs.Process{PID: 30})
	m := New(table, time.Second)
	now := time.Unix(1000, 0)

	_, ok := m.Next()
	require.False(t, ok)

	id10 := m.Watch(10, now)
	id20 := m.Watch(20, now.Add(100*time.Millisecond))
	m.Watch(30, now.Add(200*time.Millisecond))
	require.Equal(t, id10, m.Watch(10, now.Add(time.Hour)))
	require.NotEqual(t, id10, id20)
	require.Equal(t, 3, m.Len())

	next, ok := m.Next()
	require.True(t, ok)
	require.Equal(t, now.Add(750*time.Millisecond), next)

	// nothing is due yet
	require.Empty(t, m.Check(now.Add(500*time.Millisecond)))

	table.Kill(20)
	table.Kill(30)
	require.Equal(t, []int{20}, m.Check(now.Add(900*time.Millisecond)))
	require.False(t, m.Watching(20))
	require.True(t, m.Watching(10))
	require.True(t, m.Watching(30))

	next, _ = m.Next()
	require.Equal(t, now.Add(950*time.Millisecond), next)
	require.Equal(t, []int{30}, m.Check(now.Add(950*time.Millisecond)))

	// 10 was re-armed from the time of the check
	next, _ = m.Next()
	require.Equal(t, now.Add(1650*time.Millisecond), next)

	require.True(t, m.TornDown(20))
	require.False(t, m.TornDown(20))
	require.False(t, m.TornDown(10))

	m.Unwatch(10)
	m.Unwatch(10)
	require.Equal(t, 0, m.Len())
	_, ok = m.Next()
	require.False(t, ok)
}

func TestTombstones(t *testing.T) {
	table := procs.NewFake()
	m := New(table, 0)
	require.Equal(t, DefaultPeriod, m.Period())

	now := time.Unix(0, 0)
	for pid := 1; pid <= maxTombstones+10; pid++ {
		m.Watch(pid, now)
	}
	gone := m.Check(now.Add(DefaultPeriod))
	require.Len(t, gone, maxTombstones+10)
	require.Equal(t, 1, gone[0])

	require.False(t, m.TornDown(1))
	require.True(t, m.TornDown(maxTombstones+10))

	// a new watch for a reused pid drops its tombstone
	m.Watch(100, now)
	require.False(t, m.TornDown(100))
}

func TestDetectionBound(t *testing.T) {
	const period = time.Second
	start := time.Unix(1000, 0)

	// checks run every tick, with the client dying at various offsets
	// relative to them
	for offset := time.Duration(0); offset < 3*period; offset += 10 * time.Millisecond {
		table := procs.NewFake(procs.Process{PID: 10})
		m := New(table, period)
		tick := m.Tick()
		m.Watch(10, start)

		died := start.Add(offset)
		var found time.Time
		for now := start.Add(tick); found.IsZero(); now = now.Add(tick) {
			if !now.Before(died) {
				table.Kill(10)
			}
			if len(m.Check(now)) > 0 {
				found = now
			}
		}
		require.True(t, found.Sub(died) <= period, "client died at +%v, found at +%v",
			offset, found.Sub(start))
	}
}

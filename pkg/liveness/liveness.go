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

// Package liveness tracks whether session clients are still running.
package liveness

import (
	"container/heap"
	"time"

	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/procs"
)

const (
	// DefaultPeriod is the default interval between checks of a client.
	DefaultPeriod = time.Second
	// ticksPerPeriod is how many times per period Check is expected to run.
	ticksPerPeriod = 4
	// maxTombstones is the number of torn down clients remembered.
	maxTombstones = 256
)

var log = logger.NewLogger("liveness")

// Monitor schedules periodic liveness checks of client processes. It is
// not safe for concurrent use; the service serializes access to it.
type Monitor struct {
	procs      procs.Table
	period     time.Duration
	queue      watchQueue
	watches    map[int]*watch
	nextID     int
	tombstones []int
}

type watch struct {
	pid      int
	id       int
	deadline time.Time
	index    int
}

// New creates a liveness monitor checking clients every period.
func New(table procs.Table, period time.Duration) *Monitor {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Monitor{
		procs:   table,
		period:  period,
		watches: map[int]*watch{},
	}
}

// Period returns the longest time a vanished client may go unnoticed,
// provided Check is called every Tick.
func (m *Monitor) Period() time.Duration {
	return m.period
}

// Tick returns how often Check should be called.
func (m *Monitor) Tick() time.Duration {
	return m.period / ticksPerPeriod
}

// interval is the time between checks of a client. A check can run up to
// a tick late, so a client dying right after a check is found within one
// period.
func (m *Monitor) interval() time.Duration {
	return m.period - m.Tick()
}

// Watch arms a check for pid, returning its watch id. An existing
// watch for pid is kept.
func (m *Monitor) Watch(pid int, now time.Time) int {
	if w, ok := m.watches[pid]; ok {
		return w.id
	}
	m.nextID++
	w := &watch{pid: pid, id: m.nextID, deadline: now.Add(m.interval())}
	m.watches[pid] = w
	heap.Push(&m.queue, w)
	m.unbury(pid)
	log.Debug("watching process %d (#%d)", pid, w.id)
	return w.id
}

// Unwatch disarms the check for pid.
func (m *Monitor) Unwatch(pid int) {
	w, ok := m.watches[pid]
	if !ok {
		return
	}
	heap.Remove(&m.queue, w.index)
	delete(m.watches, pid)
	log.Debug("stopped watching process %d (#%d)", pid, w.id)
}

// Watching checks if pid is being watched.
func (m *Monitor) Watching(pid int) bool {
	_, ok := m.watches[pid]
	return ok
}

// Len returns the number of watched processes.
func (m *Monitor) Len() int {
	return len(m.watches)
}

// Next returns the earliest pending deadline.
func (m *Monitor) Next() (time.Time, bool) {
	if len(m.queue) == 0 {
		return time.Time{}, false
	}
	return m.queue[0].deadline, true
}

// Check checks every client with a deadline at or before now. Live
// clients are re-armed, the pids of vanished ones are unwatched,
// remembered as torn down and returned in deadline order.
func (m *Monitor) Check(now time.Time) []int {
	var gone []int
	for len(m.queue) > 0 && !m.queue[0].deadline.After(now) {
		w := m.queue[0]
		if m.procs.Alive(w.pid) {
			w.deadline = now.Add(m.interval())
			heap.Fix(&m.queue, 0)
			continue
		}
		heap.Pop(&m.queue)
		delete(m.watches, w.pid)
		m.bury(w.pid)
		log.Info("process %d is gone", w.pid)
		gone = append(gone, w.pid)
	}
	return gone
}

// TornDown checks if the monitor has found pid gone and forgets about it.
func (m *Monitor) TornDown(pid int) bool {
	return m.unbury(pid)
}

func (m *Monitor) bury(pid int) {
	if len(m.tombstones) >= maxTombstones {
		m.tombstones = m.tombstones[1:]
	}
	m.tombstones = append(m.tombstones, pid)
}

func (m *Monitor) unbury(pid int) bool {
	for i, p := range m.tombstones {
		if p == pid {
			m.tombstones = append(m.tombstones[:i], m.tombstones[i+1:]...)
			return true
		}
	}
	return false
}

// watchQueue is a min-heap of watches ordered by deadline.
type watchQueue []*watch

func (q watchQueue) Len() int { return len(q) }

func (q watchQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].id < q[j].id
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q watchQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *watchQueue) Push(x interface{}) {
	w := x.(*watch)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *watchQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

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

package procs

import (
	"fmt"
	"sync"
)

// Process is an entry in a Fake process table.
type Process struct {
	PID int
	SID int
	UID int
	GID int
}

// Fake is an in-memory Table for testing.
type Fake struct {
	sync.Mutex
	procs map[int]Process
}

// NewFake creates a fake process table with the given processes.
func NewFake(procs ...Process) *Fake {
	f := &Fake{procs: map[int]Process{}}
	for _, p := range procs {
		f.Add(p)
	}
	return f
}

// Add adds or replaces a process. A zero SID makes the process its own leader.
func (f *Fake) Add(p Process) {
	f.Lock()
	defer f.Unlock()
	if p.SID == 0 {
		p.SID = p.PID
	}
	f.procs[p.PID] = p
}

// Kill removes a process from the table.
func (f *Fake) Kill(pid int) {
	f.Lock()
	defer f.Unlock()
	delete(f.procs, pid)
}

func (f *Fake) Alive(pid int) bool {
	f.Lock()
	defer f.Unlock()
	_, ok := f.procs[pid]
	return ok
}

func (f *Fake) SessionID(pid int) (int, error) {
	f.Lock()
	defer f.Unlock()
	p, ok := f.procs[pid]
	if !ok {
		return 0, fmt.Errorf("getsid(%d): no such process", pid)
	}
	return p.SID, nil
}

func (f *Fake) Credentials(pid int) (int, int, error) {
	f.Lock()
	defer f.Unlock()
	p, ok := f.procs[pid]
	if !ok {
		return -1, -1, fmt.Errorf("process %d: no such process", pid)
	}
	return p.UID, p.GID, nil
}

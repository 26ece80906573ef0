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

package platform

import (
	"sync"

	"github.com/intel/pmsvc/pkg/api"
)

// Batcher implements batch access on top of single reads and writes.
type Batcher struct {
	sync.Mutex
	p        Platform
	signals  []api.Identifier
	values   []float64
	controls []api.Identifier
	settings []float64
	adjusted []bool
}

// NewBatcher creates a Batcher reading and writing through p.
func NewBatcher(p Platform) *Batcher {
	return &Batcher{p: p}
}

// PushSignal validates and adds a signal, returning its batch index. Pushing
// the same signal again returns the original index.
func (b *Batcher) PushSignal(name string, domain api.Domain, index int) (int, error) {
	id := api.Identifier{Name: name, Domain: domain, Index: index}
	if err := CheckSignal(b.p, id); err != nil {
		return -1, err
	}

	b.Lock()
	defer b.Unlock()
	for idx, s := range b.signals {
		if s == id {
			return idx, nil
		}
	}
	b.signals = append(b.signals, id)
	b.values = append(b.values, 0)
	return len(b.signals) - 1, nil
}

// PushControl validates and adds a control, returning its batch index.
func (b *Batcher) PushControl(name string, domain api.Domain, index int) (int, error) {
	id := api.Identifier{Name: name, Domain: domain, Index: index}
	if err := CheckControl(b.p, id); err != nil {
		return -1, err
	}

	b.Lock()
	defer b.Unlock()
	for idx, c := range b.controls {
		if c == id {
			return idx, nil
		}
	}
	b.controls = append(b.controls, id)
	b.settings = append(b.settings, 0)
	b.adjusted = append(b.adjusted, false)
	return len(b.controls) - 1, nil
}

// ReadBatch reads every pushed signal.
func (b *Batcher) ReadBatch() error {
	b.Lock()
	defer b.Unlock()
	for idx, s := range b.signals {
		v, err := b.p.ReadSignal(s.Name, s.Domain, s.Index)
		if err != nil {
			return err
		}
		b.values[idx] = v
	}
	return nil
}

// Sample returns the last value read for a pushed signal.
func (b *Batcher) Sample(batchIndex int) (float64, error) {
	b.Lock()
	defer b.Unlock()
	if batchIndex < 0 || batchIndex >= len(b.values) {
		return 0, api.InvalidArgument("signal batch index %d out of range", batchIndex)
	}
	return b.values[batchIndex], nil
}

// Adjust records a setting for a pushed control.
func (b *Batcher) Adjust(batchIndex int, value float64) error {
	b.Lock()
	defer b.Unlock()
	if batchIndex < 0 || batchIndex >= len(b.settings) {
		return api.InvalidArgument("control batch index %d out of range", batchIndex)
	}
	b.settings[batchIndex] = value
	b.adjusted[batchIndex] = true
	return nil
}

// WriteBatch writes all adjusted controls.
func (b *Batcher) WriteBatch() error {
	b.Lock()
	defer b.Unlock()
	for idx, c := range b.controls {
		if !b.adjusted[idx] {
			continue
		}
		if err := b.p.WriteControl(c.Name, c.Domain, c.Index, b.settings[idx]); err != nil {
			return err
		}
		b.adjusted[idx] = false
	}
	return nil
}

// ClearBatch forgets all pushed signals and controls.
func (b *Batcher) ClearBatch() {
	b.Lock()
	defer b.Unlock()
	b.signals, b.values = nil, nil
	b.controls, b.settings, b.adjusted = nil, nil, nil
}

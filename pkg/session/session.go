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

// Package session implements the registry of client sessions and their
// persisted records.
package session

import (
	"math"
	"time"

	"github.com/intel/pmsvc/pkg/api"
)

// State is the write state of a session.
type State int

const (
	// StateNone means there is no session.
	StateNone State = iota
	// StateReadOnly is a session without write authority.
	StateReadOnly
	// StateWritePending is a session waiting for the write lock.
	StateWritePending
	// StateWriteActive is the write session.
	StateWriteActive
	// StateClosing is a session being torn down.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateReadOnly:
		return "READ_ONLY"
	case StateWritePending:
		return "WRITE_PENDING"
	case StateWriteActive:
		return "WRITE_ACTIVE"
	case StateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// Session is the state of a single client session.
type Session struct {
	PID           int
	UID           int
	GID           int
	CreateTime    time.Time
	Signals       []api.Identifier
	Controls      []api.Identifier
	WatchID       int
	BatchServer   int
	ProfileName   string
	ActiveProfile string
	RefCount      int
	State         State
}

// Record is the persisted form of a Session.
type Record struct {
	ClientPID      int      `json:"client_pid"`
	ClientUID      int      `json:"client_uid"`
	ClientGID      int      `json:"client_gid"`
	CreateTime     float64  `json:"create_time"`
	Signals        []string `json:"signals"`
	Controls       []string `json:"controls"`
	WatchID        int      `json:"watch_id,omitempty"`
	BatchServer    int      `json:"batch_server,omitempty"`
	ProfileName    string   `json:"profile_name,omitempty"`
	ReferenceCount int      `json:"reference_count"`
}

// IsWriter checks if the session has pushed any controls.
func (s *Session) IsWriter() bool {
	return len(s.Controls) > 0
}

// HasSignal checks if a signal has been pushed.
func (s *Session) HasSignal(id api.Identifier) bool {
	return containsID(s.Signals, id)
}

// HasControl checks if a control has been pushed.
func (s *Session) HasControl(id api.Identifier) bool {
	return containsID(s.Controls, id)
}

// Record returns the persisted form of the session.
func (s *Session) Record() *Record {
	return &Record{
		ClientPID:      s.PID,
		ClientUID:      s.UID,
		ClientGID:      s.GID,
		CreateTime:     float64(s.CreateTime.UnixNano()) / float64(time.Second),
		Signals:        idStrings(s.Signals),
		Controls:       idStrings(s.Controls),
		WatchID:        s.WatchID,
		BatchServer:    s.BatchServer,
		ProfileName:    s.ProfileName,
		ReferenceCount: s.RefCount,
	}
}

// FromRecord recreates a session from its persisted form.
func FromRecord(r *Record) (*Session, error) {
	signals, err := parseIDs(r.Signals)
	if err != nil {
		return nil, err
	}
	controls, err := parseIDs(r.Controls)
	if err != nil {
		return nil, err
	}

	sec, frac := math.Modf(r.CreateTime)
	s := &Session{
		PID:         r.ClientPID,
		UID:         r.ClientUID,
		GID:         r.ClientGID,
		CreateTime:  time.Unix(int64(sec), int64(frac*float64(time.Second))),
		Signals:     signals,
		Controls:    controls,
		WatchID:     r.WatchID,
		BatchServer: r.BatchServer,
		ProfileName: r.ProfileName,
		RefCount:    r.ReferenceCount,
		State:       StateReadOnly,
	}
	if s.RefCount < 1 {
		s.RefCount = 1
	}
	if s.IsWriter() {
		s.State = StateWriteActive
	}
	return s, nil
}

func idStrings(ids []api.Identifier) []string {
	strs := make([]string, 0, len(ids))
	for _, id := range ids {
		strs = append(strs, id.String())
	}
	return strs
}

func parseIDs(strs []string) ([]api.Identifier, error) {
	ids := make([]api.Identifier, 0, len(strs))
	for _, str := range strs {
		id, err := api.ParseIdentifier(str)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func containsID(ids []api.Identifier, id api.Identifier) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

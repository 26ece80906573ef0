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

package session

import (
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/securefs"
)

const (
	// FilePrefix is the name prefix of session records.
	FilePrefix = "session-"
	// FileSuffix is the name suffix of session records.
	FileSuffix = ".json"
)

var log = logger.NewLogger("session")

// SchemaDocument is the JSON schema of session records.
const SchemaDocument = `{
    "$schema": "https://json-schema.org/draft/2020-12/schema",
    "type": "object",
    "properties": {
        "client_pid": {"type": "integer", "minimum": 1},
        "client_uid": {"type": "integer", "minimum": 0},
        "client_gid": {"type": "integer", "minimum": 0},
        "create_time": {"type": "number", "minimum": 0},
        "signals": {"type": "array", "items": {"type": "string"}},
        "controls": {"type": "array", "items": {"type": "string"}},
        "watch_id": {"type": "integer"},
        "batch_server": {"type": "integer"},
        "profile_name": {"type": "string"},
        "reference_count": {"type": "integer", "minimum": 0}
    },
    "required": ["client_pid", "client_uid", "client_gid", "create_time", "signals", "controls"],
    "additionalProperties": false
}`

// Schema is the compiled schema of session records.
var Schema = securefs.MustCompileSchema("session.json", SchemaDocument)

// Registry owns all sessions and keeps their records on disk.
type Registry struct {
	fs       *securefs.FS
	root     string
	sessions map[int]*Session
}

// NewRegistry creates a registry with records under root.
func NewRegistry(fs *securefs.FS, root string) *Registry {
	return &Registry{
		fs:       fs,
		root:     root,
		sessions: map[int]*Session{},
	}
}

// Path returns the path of the record of pid under root.
func Path(root string, pid int) string {
	return filepath.Join(root, FilePrefix+strconv.Itoa(pid)+FileSuffix)
}

// Path returns the path of the record of pid.
func (r *Registry) Path(pid int) string {
	return Path(r.root, pid)
}

// Create creates and persists a new session for pid.
func (r *Registry) Create(pid, uid, gid int, profile string) (*Session, error) {
	if _, ok := r.sessions[pid]; ok {
		return nil, api.Internal("session of process %d already exists", pid)
	}
	s := &Session{
		PID:         pid,
		UID:         uid,
		GID:         gid,
		CreateTime:  time.Now(),
		Signals:     []api.Identifier{},
		Controls:    []api.Identifier{},
		ProfileName: profile,
		RefCount:    1,
		State:       StateReadOnly,
	}
	if err := r.fs.WriteJSON(r.Path(pid), s.Record()); err != nil {
		return nil, err
	}
	r.sessions[pid] = s
	log.Info("created session of process %d (uid %d, profile %q)", pid, uid, profile)
	return s, nil
}

// Get returns the session of pid, or nil if there is none.
func (r *Registry) Get(pid int) *Session {
	return r.sessions[pid]
}

// Update persists the current state of a session.
func (r *Registry) Update(s *Session) error {
	if r.sessions[s.PID] != s {
		return api.Internal("session of process %d is not registered", s.PID)
	}
	return r.fs.WriteJSON(r.Path(s.PID), s.Record())
}

// Remove removes the record of pid and forgets the session.
func (r *Registry) Remove(pid int) error {
	delete(r.sessions, pid)
	if err := r.fs.Remove(r.Path(pid)); err != nil {
		return api.WrapError(api.KindInternal, err, "failed to remove session of process %d", pid)
	}
	log.Info("removed session of process %d", pid)
	return nil
}

// List returns all sessions sorted by pid.
func (r *Registry) List() []*Session {
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].PID < sessions[j].PID })
	return sessions
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Load reads every record under the root and registers the sessions.
// Records failing verification are quarantined.
func (r *Registry) Load() ([]*Session, error) {
	names, err := r.fs.List(r.root, FilePrefix, FileSuffix)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "failed to list sessions")
	}

	var loaded []*Session
	for _, name := range names {
		path := filepath.Join(r.root, name)
		rec := &Record{}
		if err := r.fs.ReadJSON(path, Schema, rec); err != nil {
			log.Warn("skipping session record %s: %v", path, err)
			continue
		}
		if filepath.Base(Path(r.root, rec.ClientPID)) != name {
			r.fs.Quarantine(path, sessionError("%s: record of process %d", path, rec.ClientPID))
			continue
		}
		s, err := FromRecord(rec)
		if err != nil {
			r.fs.Quarantine(path, sessionError("%s: %v", path, err))
			continue
		}
		r.sessions[s.PID] = s
		loaded = append(loaded, s)
		log.Info("loaded session of process %d", s.PID)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].PID < loaded[j].PID })
	return loaded, nil
}

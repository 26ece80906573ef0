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

// Package vault saves the settings of controls before a write session
// changes them, and restores them when the session ends.
package vault

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/platform"
	"github.com/intel/pmsvc/pkg/securefs"
)

const (
	// FilePrefix is the name prefix of saved-controls files.
	FilePrefix = "save-"
	// FileSuffix is the name suffix of saved-controls files.
	FileSuffix = ".json"
)

var log = logger.NewLogger("vault")

const schemaDoc = `{
    "$schema": "https://json-schema.org/draft/2020-12/schema",
    "type": "array",
    "items": {
        "type": "object",
        "properties": {
            "name": {"type": "string", "minLength": 1},
            "domain_type": {"type": "integer", "minimum": 0},
            "domain_index": {"type": "integer", "minimum": 0},
            "setting": {"type": "number"}
        },
        "required": ["name", "domain_type", "domain_index", "setting"],
        "additionalProperties": false
    }
}`

var schema = securefs.MustCompileSchema("vault.json", schemaDoc)

// Entry is the saved setting of a single control.
type Entry struct {
	Name    string     `json:"name"`
	Domain  api.Domain `json:"domain_type"`
	Index   int        `json:"domain_index"`
	Setting float64    `json:"setting"`
}

// Identifier returns the control identifier of the entry.
func (e Entry) Identifier() api.Identifier {
	return api.Identifier{Name: e.Name, Domain: e.Domain, Index: e.Index}
}

// Vault is the saved-controls file of a single write session.
type Vault struct {
	fs      *securefs.FS
	p       platform.Platform
	pid     int
	path    string
	entries []Entry
	adopted bool
}

// Path returns the path of the saved-controls file of pid under root.
func Path(root string, pid int) string {
	return filepath.Join(root, FilePrefix+strconv.Itoa(pid)+FileSuffix)
}

// PidOf returns the pid encoded in a saved-controls file name, or 0.
func PidOf(name string) int {
	base := filepath.Base(name)
	if len(base) <= len(FilePrefix)+len(FileSuffix) {
		return 0
	}
	pid, err := strconv.Atoi(base[len(FilePrefix) : len(base)-len(FileSuffix)])
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Open opens the vault of pid. An existing file, left behind by an earlier
// instance of the service, is adopted as is. An existing file which fails
// verification is quarantined and the vault starts out empty.
func Open(fs *securefs.FS, p platform.Platform, root string, pid int) (*Vault, error) {
	v := &Vault{
		fs:   fs,
		p:    p,
		pid:  pid,
		path: Path(root, pid),
	}

	entries, err := read(fs, v.path)
	switch {
	case err == nil:
		log.Warn("adopting existing saved controls %s (%d entries)", v.path, len(entries))
		v.entries = entries
		v.adopted = true
	case os.IsNotExist(err):
	case api.KindOf(err) == api.KindCorruptState:
		log.Warn("discarded unusable saved controls of process %d", pid)
	default:
		return nil, err
	}

	return v, nil
}

// Path returns the path of the saved-controls file.
func (v *Vault) Path() string {
	return v.path
}

// Adopted returns true if the vault was found on disk when opened.
func (v *Vault) Adopted() bool {
	return v.adopted
}

// Entries returns the saved entries in insertion order.
func (v *Vault) Entries() []Entry {
	return append([]Entry{}, v.entries...)
}

// Has checks if the setting of a control has been saved.
func (v *Vault) Has(id api.Identifier) bool {
	for _, e := range v.entries {
		if e.Identifier() == id {
			return true
		}
	}
	return false
}

// Save reads and records the current setting of every control not yet
// saved. A control addressed at an enclosing domain is saved per native
// instance, so instances with different settings are restored exactly.
// Recorded entries are never replaced. The file is written before Save
// returns, so no control can be changed before its setting is saved.
func (v *Vault) Save(controls []api.Identifier) error {
	var added []Entry
	for _, id := range controls {
		natives, err := nativeInstances(v.p, id)
		if err != nil {
			return err
		}
		for _, nid := range natives {
			if v.Has(nid) || containsEntry(added, nid) {
				continue
			}
			setting, err := v.p.ReadSignal(nid.Name, nid.Domain, nid.Index)
			if err != nil {
				return api.WrapError(api.KindBackend, err, "failed to save %s", nid)
			}
			if math.IsNaN(setting) {
				return api.NewError(api.KindBackend, "failed to save %s: setting is NaN", nid)
			}
			added = append(added, Entry{Name: nid.Name, Domain: nid.Domain, Index: nid.Index, Setting: setting})
		}
	}
	if len(added) == 0 {
		return nil
	}

	entries := append(append([]Entry{}, v.entries...), added...)
	if err := v.fs.WriteJSON(v.path, entries); err != nil {
		return err
	}
	v.entries = entries

	for _, e := range added {
		log.Debug("process %d: saved %s = %g", v.pid, e.Identifier(), e.Setting)
	}
	return nil
}

// nativeInstances expands id to the native-domain instances it covers.
func nativeInstances(p platform.Platform, id api.Identifier) ([]api.Identifier, error) {
	native, err := p.ControlDomainType(id.Name)
	if err != nil {
		return nil, err
	}
	if native == id.Domain {
		return []api.Identifier{id}, nil
	}
	indices := p.Nested(id.Domain, id.Index, native)
	if len(indices) == 0 {
		return nil, api.NewError(api.KindBackend, "failed to save %s: no %s instances", id, native)
	}
	ids := make([]api.Identifier, 0, len(indices))
	for _, idx := range indices {
		ids = append(ids, api.Identifier{Name: id.Name, Domain: native, Index: idx})
	}
	return ids, nil
}

// Apply writes the saved settings back but keeps them saved. The session
// may change the controls again, and Restore at its end must still put the
// original settings back.
func (v *Vault) Apply() error {
	if len(v.entries) == 0 {
		return nil
	}
	if err := apply(v.p, v.entries); err != nil {
		return err
	}
	log.Info("process %d: reapplied %d saved controls", v.pid, len(v.entries))
	return nil
}

// Restore writes the saved settings back in reverse order of saving. The
// file is removed only if every write succeeded.
func (v *Vault) Restore() error {
	err := Restore(v.fs, v.p, v.path)
	if err == nil || api.KindOf(err) == api.KindCorruptState {
		v.entries = nil
		v.adopted = false
	}
	return err
}

// Restore restores the saved-controls file at path. A missing file is not
// an error. A file failing verification is quarantined and nothing is
// restored.
func Restore(fs *securefs.FS, io platform.IO, path string) error {
	entries, err := read(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if api.KindOf(err) == api.KindCorruptState {
			log.Warn("not restoring controls from %s: %v", path, err)
		}
		return err
	}

	if err := apply(io, entries); err != nil {
		log.Warn("keeping %s for a later retry", path)
		return err
	}

	if err := fs.Remove(path); err != nil {
		return api.WrapError(api.KindInternal, err, "failed to remove %s", path)
	}
	log.Info("restored %d controls from %s", len(entries), path)
	return nil
}

// apply writes entries in reverse order of saving, continuing past failures.
func apply(io platform.IO, entries []Entry) error {
	var result *multierror.Error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := io.WriteControl(e.Name, e.Domain, e.Index, e.Setting); err != nil {
			log.Error("failed to restore %s = %g: %v", e.Identifier(), e.Setting, err)
			result = multierror.Append(result, err)
			continue
		}
		log.Debug("restored %s = %g", e.Identifier(), e.Setting)
	}
	if err := result.ErrorOrNil(); err != nil {
		return api.WrapError(api.KindBackend, err, "failed to restore %d of %d controls",
			len(result.Errors), len(entries))
	}
	return nil
}

// Exists checks if pid has a saved-controls file under root.
func Exists(root string, pid int) bool {
	_, err := os.Lstat(Path(root, pid))
	return err == nil
}

func read(fs *securefs.FS, path string) ([]Entry, error) {
	var entries []Entry
	if err := fs.ReadJSON(path, schema, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.Domain.IsValid() {
			return nil, fs.Quarantine(path, vaultError("%s: invalid domain %d", path, int(e.Domain)))
		}
	}
	return entries, nil
}

func containsEntry(entries []Entry, id api.Identifier) bool {
	for _, e := range entries {
		if e.Identifier() == id {
			return true
		}
	}
	return false
}

func vaultError(format string, args ...interface{}) error {
	return fmt.Errorf("vault: "+format, args...)
}

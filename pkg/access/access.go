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

// Package access implements the per-group signal and control allow-lists.
package access

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/platform"
	"github.com/intel/pmsvc/pkg/securefs"
)

const (
	// DefaultGroupDir holds the allow-lists of all users.
	DefaultGroupDir = "0.DEFAULT_ACCESS"
	// SignalsFile is the name of a signal allow-list.
	SignalsFile = "allowed_signals"
	// ControlsFile is the name of a control allow-list.
	ControlsFile = "allowed_controls"
)

var log = logger.NewLogger("access")

// Store reads and writes allow-lists under a configuration root.
type Store struct {
	fs   *securefs.FS
	root string
	dir  Directory
	io   platform.IO
}

// New creates an allow-list Store. Identifiers are checked against io.
func New(fs *securefs.FS, root string, dir Directory, io platform.IO) *Store {
	return &Store{
		fs:   fs,
		root: root,
		dir:  dir,
		io:   io,
	}
}

// Root returns the configuration root of the store.
func (s *Store) Root() string {
	return s.root
}

// Directory returns the user and group database used by the store.
func (s *Store) Directory() Directory {
	return s.dir
}

// CheckGroup checks that group is empty or a valid existing group.
func (s *Store) CheckGroup(group string) error {
	switch {
	case group == "":
		return nil
	case group[0] >= '0' && group[0] <= '9':
		return api.Configuration("group %q: name begins with a digit", group)
	case strings.ContainsAny(group, "/\x00") || group == "." || group == "..":
		return api.Configuration("group %q: invalid name", group)
	case !s.dir.GroupExists(group):
		return api.Configuration("group %q: no such group", group)
	}
	return nil
}

func (s *Store) groupDir(group string) string {
	if group == "" {
		return filepath.Join(s.root, DefaultGroupDir)
	}
	return filepath.Join(s.root, group)
}

// GetGroupAccess returns the allow-lists of a group, or the default ones.
func (s *Store) GetGroupAccess(group string) ([]string, []string, error) {
	if err := s.CheckGroup(group); err != nil {
		return nil, nil, err
	}
	signals, err := s.readList(filepath.Join(s.groupDir(group), SignalsFile))
	if err != nil {
		return nil, nil, err
	}
	controls, err := s.readList(filepath.Join(s.groupDir(group), ControlsFile))
	if err != nil {
		return nil, nil, err
	}
	return signals, controls, nil
}

// GetUserAccess returns the effective allow-lists of a user. This is the
// union of the default lists and the lists of every group of the user,
// limited to what the back-end exposes.
func (s *Store) GetUserAccess(user string) ([]string, []string, error) {
	groups, err := s.dir.UserGroups(user)
	if err != nil {
		return nil, nil, api.WrapError(api.KindInvalidArgument, err, "user %q", user)
	}
	sort.Strings(groups)

	signals, controls := map[string]struct{}{}, map[string]struct{}{}
	for _, group := range append([]string{""}, groups...) {
		if group != "" && s.CheckGroup(group) != nil {
			log.Debug("user %s: skipping group %q", user, group)
			continue
		}
		sigs, ctls, err := s.GetGroupAccess(group)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range sigs {
			signals[name] = struct{}{}
		}
		for _, name := range ctls {
			controls[name] = struct{}{}
		}
	}

	return intersect(signals, s.io.SignalNames()), intersect(controls, s.io.ControlNames()), nil
}

// GetAllAccess returns every signal and control the back-end exposes.
func (s *Store) GetAllAccess() ([]string, []string) {
	return platform.Sorted(s.io.SignalNames()), platform.Sorted(s.io.ControlNames())
}

// SetGroupAccess replaces the allow-lists of a group.
func (s *Store) SetGroupAccess(group string, signals, controls []string) error {
	if err := s.CheckGroup(group); err != nil {
		return err
	}

	signals, err := s.checkNames("signal", signals, s.io.SignalNames())
	if err != nil {
		return err
	}
	controls, err = s.checkNames("control", controls, s.io.ControlNames())
	if err != nil {
		return err
	}

	dir := s.groupDir(group)
	if err := s.fs.MakeDirectory(dir, securefs.DirMode); err != nil {
		return err
	}
	if err := s.writeList(filepath.Join(dir, SignalsFile), "signals", group, signals); err != nil {
		return err
	}
	if err := s.writeList(filepath.Join(dir, ControlsFile), "controls", group, controls); err != nil {
		return err
	}

	log.Info("updated access for %s: %d signals, %d controls", groupName(group),
		len(signals), len(controls))
	return nil
}

// DeleteGroupAccess removes the allow-lists of a group.
func (s *Store) DeleteGroupAccess(group string) error {
	if err := s.CheckGroup(group); err != nil {
		return err
	}
	dir := s.groupDir(group)
	for _, file := range []string{SignalsFile, ControlsFile} {
		if err := s.fs.Remove(filepath.Join(dir, file)); err != nil {
			return api.WrapError(api.KindInternal, err, "failed to delete access for %s", groupName(group))
		}
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove %s: %v", dir, err)
	}
	log.Info("deleted access for %s", groupName(group))
	return nil
}

// readList reads an allow-list. Missing lists are empty, corrupt ones are
// quarantined and treated as empty.
func (s *Store) readList(path string) ([]string, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) || api.KindOf(err) == api.KindCorruptState {
			return []string{}, nil
		}
		return nil, api.WrapError(api.KindInternal, err, "failed to read %s", path)
	}
	return ParseList(string(data)), nil
}

func (s *Store) writeList(path, kind, group string, names []string) error {
	return s.fs.WriteFile(path, []byte(FormatList(kind, group, names)))
}

// checkNames de-duplicates names and checks that each is exposed.
func (s *Store) checkNames(kind string, names, exposed []string) ([]string, error) {
	known := map[string]struct{}{}
	for _, name := range exposed {
		known[name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := known[name]; !ok {
			return nil, api.InvalidArgument("unknown %s %q", kind, name)
		}
	}
	return api.SortedUnique(names), nil
}

// ParseList parses the content of an allow-list file.
func ParseList(content string) []string {
	names := []string{}
	for _, line := range strings.Split(content, "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names
}

// FormatList produces the content of an allow-list file.
func FormatList(kind, group string, names []string) string {
	var b strings.Builder
	b.WriteString("# allowed " + kind + " for " + groupName(group) + "\n")
	b.WriteString("# one name per line, '#' starts a comment\n")
	for _, name := range names {
		b.WriteString(name + "\n")
	}
	return b.String()
}

func intersect(set map[string]struct{}, names []string) []string {
	result := []string{}
	for _, name := range names {
		if _, ok := set[name]; ok {
			result = append(result, name)
		}
	}
	return api.SortedUnique(result)
}

func groupName(group string) string {
	if group == "" {
		return "all users"
	}
	return "group " + group
}

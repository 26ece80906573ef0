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

package access

import (
	"os/user"
	"sort"
	"strconv"
	"sync"
)

// Directory is the user and group database.
type Directory interface {
	// UserName returns the name of the user with the given uid.
	UserName(uid int) (string, error)
	// UserGroups returns the sorted names of all groups of a user.
	UserGroups(user string) ([]string, error)
	// GroupExists checks if a group exists.
	GroupExists(group string) bool
}

type osDirectory struct{}

// OSDirectory returns the Directory of the running system.
func OSDirectory() Directory {
	return osDirectory{}
}

func (osDirectory) UserName(uid int) (string, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func (osDirectory) UserGroups(name string) ([]string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(gids))
	for _, gid := range gids {
		g, err := user.LookupGroupId(gid)
		if err != nil {
			log.Warn("user %s: failed to look up group %s: %v", name, gid, err)
			continue
		}
		groups = append(groups, g.Name)
	}
	sort.Strings(groups)
	return groups, nil
}

func (osDirectory) GroupExists(group string) bool {
	_, err := user.LookupGroup(group)
	return err == nil
}

// FakeDirectory is an in-memory Directory for tests.
type FakeDirectory struct {
	sync.Mutex
	users  map[string]int
	groups map[string][]string
}

// NewFakeDirectory creates an empty FakeDirectory.
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{
		users:  map[string]int{},
		groups: map[string][]string{},
	}
}

// AddUser adds a user with the given uid.
func (d *FakeDirectory) AddUser(name string, uid int) {
	d.Lock()
	defer d.Unlock()
	d.users[name] = uid
}

// AddGroup adds a group with the given members.
func (d *FakeDirectory) AddGroup(name string, members ...string) {
	d.Lock()
	defer d.Unlock()
	d.groups[name] = append(d.groups[name], members...)
}

func (d *FakeDirectory) UserName(uid int) (string, error) {
	d.Lock()
	defer d.Unlock()
	for name, id := range d.users {
		if id == uid {
			return name, nil
		}
	}
	return "", user.UnknownUserIdError(uid)
}

func (d *FakeDirectory) UserGroups(name string) ([]string, error) {
	d.Lock()
	defer d.Unlock()
	if _, ok := d.users[name]; !ok {
		return nil, user.UnknownUserError(name)
	}
	groups := []string{}
	for group, members := range d.groups {
		for _, m := range members {
			if m == name {
				groups = append(groups, group)
				break
			}
		}
	}
	sort.Strings(groups)
	return groups, nil
}

func (d *FakeDirectory) GroupExists(group string) bool {
	d.Lock()
	defer d.Unlock()
	_, ok := d.groups[group]
	return ok
}

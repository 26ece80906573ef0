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

// Package procs answers questions about other processes of the host:
// whether they still exist, which session they belong to, and which
// credentials they run with.
package procs

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Table is the set of process queries we need.
type Table interface {
	// Alive checks if the process exists and has not exited.
	Alive(pid int) bool
	// SessionID returns the pid of the session leader of the process.
	SessionID(pid int) (int, error)
	// Credentials returns the effective uid and gid of the process.
	Credentials(pid int) (uid, gid int, err error)
}

// procRoot is where procfs is mounted.
const procRoot = "/proc"

type system struct {
	root string
}

// System returns the Table of the running host.
func System() Table {
	return &system{root: procRoot}
}

// Alive checks the process with a null signal, treating zombies as dead.
func (s *system) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		return false
	}
	state, err := s.state(pid)
	if err != nil {
		return !os.IsNotExist(errors.Cause(err))
	}
	return state != 'Z' && state != 'X'
}

// SessionID returns getsid(2) for the process.
func (s *system) SessionID(pid int) (int, error) {
	sid, err := unix.Getsid(pid)
	if err != nil {
		return 0, errors.Wrapf(err, "getsid(%d) failed", pid)
	}
	return sid, nil
}

// Credentials parses the effective ids from /proc/<pid>/status.
func (s *system) Credentials(pid int) (int, int, error) {
	path := filepath.Join(s.root, strconv.Itoa(pid), "status")
	data, err := os.ReadFile(path)
	if err != nil {
		return -1, -1, errors.Wrapf(err, "failed to read credentials of process %d", pid)
	}

	uid, gid := -1, -1
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			uid, err = effectiveID(line)
		case strings.HasPrefix(line, "Gid:"):
			gid, err = effectiveID(line)
		}
		if err != nil {
			return -1, -1, errors.Wrapf(err, "%s", path)
		}
	}
	if uid < 0 || gid < 0 {
		return -1, -1, fmt.Errorf("%s: no Uid/Gid entries", path)
	}
	return uid, gid, nil
}

// state returns the single letter process state from /proc/<pid>/stat.
func (s *system) state(pid int) (byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	// comm may contain spaces or parentheses, the state follows the last ')'
	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 || idx+2 >= len(data) {
		return 0, fmt.Errorf("malformed stat for process %d", pid)
	}
	return data[idx+2], nil
}

// effectiveID returns the second (effective) id of a Uid: or Gid: line.
func effectiveID(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return -1, fmt.Errorf("malformed line %q", line)
	}
	return strconv.Atoi(fields[2])
}

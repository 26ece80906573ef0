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

// Package writelock implements the machine-wide write lock. The lock is a
// file holding the decimal PID of the client allowed to write controls, or
// nothing when no client holds it.
package writelock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
	"github.com/intel/pmsvc/pkg/procs"
	"github.com/intel/pmsvc/pkg/securefs"
)

// FileName is the name of the lock file in the run root.
const FileName = "CONTROL_LOCK"

var log = logger.NewLogger("writelock")

// Lock is an open handle to a write lock file.
type Lock struct {
	mu    sync.Mutex
	fs    *securefs.FS
	path  string
	procs procs.Table
}

// paths of the currently open locks, to refuse nested handles
var (
	openMu sync.Mutex
	opened = map[string]struct{}{}
)

// Open opens the lock file at path, creating an unlocked one if necessary.
// Opening a path which already has an open handle in this process fails.
func Open(fs *securefs.FS, path string, table procs.Table) (*Lock, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, api.WrapError(api.KindInternal, err, "invalid lock path %q", path)
	}

	openMu.Lock()
	defer openMu.Unlock()

	if _, ok := opened[abs]; ok {
		return nil, api.Internal("write lock %q is already open", abs)
	}

	l := &Lock{
		fs:    fs,
		path:  abs,
		procs: table,
	}
	if _, err := l.read(); err != nil {
		return nil, err
	}

	opened[abs] = struct{}{}
	return l, nil
}

// Close releases the handle. The lock state itself persists.
func (l *Lock) Close() error {
	openMu.Lock()
	defer openMu.Unlock()
	delete(opened, l.path)
	return nil
}

// Path returns the path of the lock file.
func (l *Lock) Path() string {
	return l.path
}

// Holder returns the PID of the current holder, or 0 if unlocked. The holder
// is returned even if it has exited.
func (l *Lock) Holder() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// TryLock tries to take the lock for pid and returns the resulting holder:
// pid on success, or the PID of the live process holding the lock. A holder
// which has exited is replaced.
func (l *Lock) TryLock(pid int) (int, error) {
	if pid <= 0 {
		return 0, api.InvalidArgument("invalid write lock PID %d", pid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	holder, err := l.read()
	if err != nil {
		return 0, err
	}

	switch {
	case holder == pid:
		return pid, nil
	case holder != 0 && l.procs.Alive(holder):
		log.Debug("write lock for %d denied, held by %d", pid, holder)
		return holder, nil
	case holder != 0:
		log.Warn("reclaiming write lock from exited process %d", holder)
	}

	if err := l.write(pid); err != nil {
		return 0, err
	}
	log.Info("write lock taken by process %d", pid)
	return pid, nil
}

// Unlock releases the lock if pid holds it. Otherwise nothing is changed and
// a warning is logged.
func (l *Lock) Unlock(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, err := l.read()
	if err != nil {
		return err
	}
	if holder != pid {
		log.Warn("process %d tried to release write lock held by %d", pid, holder)
		return nil
	}

	if err := l.write(0); err != nil {
		return err
	}
	log.Info("write lock released by process %d", pid)
	return nil
}

// read returns the holder recorded in the lock file. A missing or untrusted
// file is replaced by an unlocked one.
func (l *Lock) read() (int, error) {
	data, err := l.fs.ReadFile(l.path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return 0, l.write(0)
	case api.KindOf(err) == api.KindCorruptState:
		return 0, l.write(0)
	default:
		return 0, api.WrapError(api.KindInternal, err, "failed to read write lock")
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(content)
	if err != nil || pid <= 0 {
		l.fs.Quarantine(l.path, errors.Errorf("invalid write lock content %q", content))
		return 0, l.write(0)
	}

	return pid, nil
}

func (l *Lock) write(pid int) error {
	content := ""
	if pid > 0 {
		content = strconv.Itoa(pid)
	}
	if err := l.fs.WriteFile(l.path, []byte(content)); err != nil {
		return api.WrapError(api.KindInternal, errors.Cause(err), "failed to update write lock")
	}
	return nil
}

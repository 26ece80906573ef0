// Copyright 2019-2021 Intel Corporation. All Rights Reserved.
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

// Package pidfile keeps the daemon from running more than once per run root.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultName is the name of the PID file in the run root.
const DefaultName = "pmsvcd.pid"

var (
	pidFilePath = filepath.Join("/run", DefaultName)
	pidFile     *os.File
)

// GetPath returns the current pidfile path.
func GetPath() string {
	return pidFilePath
}

// SetPath sets the pidfile path to the given one.
func SetPath(path string) {
	release()
	pidFilePath = path
}

// Write exclusively creates the PID file and writes os.Getpid() to it. If the
// PID file already exists Write fails. On success the file is kept open until
// Remove.
func Write() error {
	if pidFile != nil {
		return nil
	}

	f, err := os.OpenFile(pidFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY|unix.O_NOFOLLOW, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to create PID file")
	}
	if _, err = fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(pidFilePath)
		return errors.Wrap(err, "failed to write PID file")
	}

	pidFile = f
	return nil
}

// Acquire writes the PID file, first removing it if its owner has exited.
func Acquire() error {
	err := Write()
	if err == nil || !os.IsExist(errors.Cause(err)) {
		return err
	}

	owner, oerr := OwnerPid()
	switch {
	case oerr != nil:
		return oerr
	case owner > 0:
		return errors.Errorf("already running as process %d (%s)", owner, pidFilePath)
	}

	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove stale PID file")
	}
	return Write()
}

// Read returns the process ID in the PID file, 0 if the file does not exist
// and -1 with an error if the file can't be read or parsed.
func Read() (int, error) {
	buf, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return -1, errors.Wrap(err, "failed to read PID file")
	}

	str := strings.TrimSpace(string(buf))
	if str == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(str)
	if err != nil || pid < 0 {
		return -1, errors.Errorf("invalid PID (%q) in PID file", string(buf))
	}

	return pid, nil
}

// release closes the PID file and truncates it to zero length.
func release() {
	if pidFile != nil {
		pidFile.Truncate(0)
		pidFile.Close()
		pidFile = nil
	}
}

// Remove removes the PID file unconditionally.
func Remove() error {
	release()
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove PID file")
	}
	return nil
}

// OwnerPid returns the ID of the live process owning the PID file, 0 if no
// live process owns it, or -1 and an error if this could not be determined.
func OwnerPid() (int, error) {
	pid, err := Read()
	if err != nil || pid == 0 {
		return pid, err
	}

	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
		return pid, nil
	case unix.ESRCH:
		return 0, nil
	default:
		return -1, errors.Wrapf(err, "failed to check process %d", pid)
	}
}

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

// Package securefs reads and writes the service's persistent state so that
// only files and directories owned by the service user, with the exact
// expected permissions, are ever trusted. Anything else is renamed aside
// with an -INVALID suffix and treated as missing.
package securefs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
)

const (
	// DirMode is the mode of directories holding service state.
	DirMode os.FileMode = 0o711
	// FileMode is the mode of files holding service state.
	FileMode os.FileMode = 0o600
	// InvalidSuffix is appended to the name of quarantined files.
	InvalidSuffix = "-INVALID"
)

var log = logger.NewLogger("securefs")

// FS performs checked file operations on behalf of a single owner.
type FS struct {
	uid int
}

// New creates an FS which trusts only entries owned by uid.
func New(uid int) *FS {
	return &FS{uid: uid}
}

// Default creates an FS for the effective user of this process.
func Default() *FS {
	return New(os.Geteuid())
}

// UID returns the owner this FS trusts.
func (fs *FS) UID() int {
	return fs.uid
}

// MakeDirectory creates path with mode, including any missing parents.
// Parents which already exist must be real directories owned by the service
// user, or by root and not writable by others unless sticky. Missing parents
// are created with mode and checked like path itself. If path exists but is
// a symbolic link, is not a directory, has the wrong owner, or does not have
// exactly mode, it is renamed aside and re-created.
func (fs *FS) MakeDirectory(path string, mode os.FileMode) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return securefsError("invalid directory %q: %v", path, err)
	}

	if err := fs.makeParents(filepath.Dir(path), mode); err != nil {
		return err
	}

	if err := fs.checkDir(path, mode); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			aside, rerr := fs.renameAside(path)
			if rerr != nil {
				log.Error("%v (%v)", err, rerr)
				return rerr
			}
			log.Warn("%v, renamed to %q", err, aside)
		}
		return fs.mkdir(path, mode)
	}

	return nil
}

// makeParents walks dir from the root down, checking the directories found
// and creating the missing ones.
func (fs *FS) makeParents(dir string, mode os.FileMode) error {
	var chain []string
	for d := dir; ; d = filepath.Dir(d) {
		chain = append(chain, d)
		if d == filepath.Dir(d) {
			break
		}
	}

	for i := len(chain) - 1; i >= 0; i-- {
		d := chain[i]
		var st unix.Stat_t
		if err := unix.Lstat(d, &st); err != nil {
			if err != unix.ENOENT {
				return securefsError("failed to stat %q: %v", d, err)
			}
			if err := fs.mkdir(d, mode); err != nil {
				return err
			}
			continue
		}
		if err := fs.checkParent(d, &st); err != nil {
			log.Error("%v", err)
			return api.WrapError(api.KindCorruptState, err, "untrusted parent directory")
		}
	}
	return nil
}

// checkParent verifies an existing ancestor of a service directory.
func (fs *FS) checkParent(path string, st *unix.Stat_t) error {
	switch {
	case st.Mode&unix.S_IFMT == unix.S_IFLNK:
		return securefsError("parent %q is a symbolic link", path)
	case st.Mode&unix.S_IFMT != unix.S_IFDIR:
		return securefsError("parent %q is not a directory", path)
	case int(st.Uid) == fs.uid:
		return nil
	case st.Uid != 0:
		return securefsError("parent %q is owned by uid %d, expected %d or root", path, st.Uid, fs.uid)
	case st.Mode&0o022 != 0 && st.Mode&unix.S_ISVTX == 0:
		return securefsError("parent %q is writable by others", path)
	}
	return nil
}

// mkdir creates a single directory with exactly mode and verifies it.
func (fs *FS) mkdir(path string, mode os.FileMode) error {
	if err := os.Mkdir(path, mode); err != nil {
		return securefsError("failed to create directory %q: %v", path, err)
	}
	// Mkdir is subject to umask.
	if err := os.Chmod(path, mode); err != nil {
		return securefsError("failed to set mode of %q: %v", path, err)
	}
	if err := fs.checkDir(path, mode); err != nil {
		return api.WrapError(api.KindCorruptState, err, "created directory failed verification")
	}
	return nil
}

// checkDir opens path as a directory without following symlinks and
// verifies its owner and permissions on the descriptor.
func (fs *FS) checkDir(path string, mode os.FileMode) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		switch err {
		case unix.ENOENT:
			return errors.WithStack(os.ErrNotExist)
		case unix.ELOOP:
			return securefsError("directory %q is a symbolic link", path)
		case unix.ENOTDIR:
			return securefsError("%q is not a directory", path)
		}
		return securefsError("failed to open directory %q: %v", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return securefsError("failed to stat directory %q: %v", path, err)
	}
	if int(st.Uid) != fs.uid {
		return securefsError("directory %q is owned by uid %d, expected %d", path, st.Uid, fs.uid)
	}
	if perm := os.FileMode(st.Mode & 0o7777); perm != mode {
		return securefsError("directory %q has mode %#o, expected %#o", path, perm, mode)
	}
	return nil
}

// ReadFile returns the content of path. It returns an error satisfying
// os.IsNotExist if path is missing, and an api.KindCorruptState error if the
// file failed verification, in which case it has been renamed aside.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		if errors.Is(err, unix.ELOOP) {
			return nil, fs.quarantine(path, securefsError("%q is a symbolic link", path))
		}
		return nil, securefsError("failed to open %q: %v", path, err)
	}
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, securefsError("failed to stat %q: %v", path, err)
	}

	switch {
	case st.Mode&unix.S_IFMT != unix.S_IFREG:
		return nil, fs.quarantine(path, securefsError("%q is not a regular file", path))
	case int(st.Uid) != fs.uid:
		return nil, fs.quarantine(path,
			securefsError("%q is owned by uid %d, expected %d", path, st.Uid, fs.uid))
	case os.FileMode(st.Mode&0o7777) != FileMode:
		return nil, fs.quarantine(path,
			securefsError("%q has mode %#o, expected %#o", path, st.Mode&0o7777, FileMode))
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, securefsError("failed to read %q: %v", path, err)
	}
	return data, nil
}

// WriteFile atomically replaces path with data. The content is written to an
// exclusively created temporary file in the same directory which is then
// renamed over path.
func (fs *FS) WriteFile(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp := filepath.Join(dir, "."+base+"-"+uuid.New().String()+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC, FileMode)
	if err != nil {
		return securefsError("failed to create %q: %v", tmp, err)
	}

	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Chmod(FileMode); err != nil {
		return fail(securefsError("failed to set mode of %q: %v", tmp, err))
	}
	if _, err := f.Write(data); err != nil {
		return fail(securefsError("failed to write %q: %v", tmp, err))
	}
	if err := f.Sync(); err != nil {
		return fail(securefsError("failed to sync %q: %v", tmp, err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return securefsError("failed to close %q: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return securefsError("failed to rename %q to %q: %v", tmp, path, err)
	}

	syncDirectory(dir)
	return nil
}

// Remove removes path. A missing path is not an error.
func (fs *FS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return securefsError("failed to remove %q: %v", path, err)
	}
	return nil
}

// RenameAside renames path to a unique name ending in InvalidSuffix and
// returns the new name.
func (fs *FS) RenameAside(path string) (string, error) {
	aside, err := fs.renameAside(path)
	if err != nil {
		return "", err
	}
	log.Warn("renamed %q to %q", path, aside)
	return aside, nil
}

func (fs *FS) renameAside(path string) (string, error) {
	aside := path + "-" + uuid.New().String() + InvalidSuffix
	if err := os.Rename(path, aside); err != nil {
		return "", securefsError("failed to rename %q aside: %v", path, err)
	}
	return aside, nil
}

// List returns the names of entries in dir matching prefix and suffix,
// skipping quarantined ones. A missing dir has no entries.
func (fs *FS) List(dir, prefix, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, securefsError("failed to read directory %q: %v", dir, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) &&
			!strings.HasSuffix(name, InvalidSuffix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Quarantine renames path aside because of reason, logs a single warning
// and returns a corrupt-state error.
func (fs *FS) Quarantine(path string, reason error) error {
	return fs.quarantine(path, reason)
}

// quarantine renames a file that failed verification aside and returns a
// corrupt-state error describing why.
func (fs *FS) quarantine(path string, reason error) error {
	aside, err := fs.renameAside(path)
	if err != nil {
		log.Error("%v (%v)", reason, err)
	} else {
		log.Warn("%v, renamed to %q", reason, aside)
	}
	return api.WrapError(api.KindCorruptState, reason, "untrusted file")
}

// syncDirectory flushes directory metadata, best effort.
func syncDirectory(dir string) {
	if dir == "" {
		dir = "."
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// securefsError returns a formatted package-specific error.
func securefsError(format string, args ...interface{}) error {
	return fmt.Errorf("securefs: "+format, args...)
}

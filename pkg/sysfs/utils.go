// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Get the trailing enumeration part of a name.
func getEnumeratedID(name string) int {
	id := 0
	base := 1
	for idx := len(name) - 1; idx >= 0; idx-- {
		d := name[idx]
		if '0' <= d && d <= '9' {
			id += base * int(d-'0')
			base *= 10
			continue
		}
		break
	}
	if base == 1 {
		return -1
	}
	return id
}

// readSysfsEntry reads a sysfs entry, parsing it according to the type of ptr.
func readSysfsEntry(base, entry string, ptr interface{}) (string, error) {
	path := filepath.Join(base, entry)

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", sysfsError(path, "failed to read sysfs entry: %v", err)
	}
	buf := strings.TrimSpace(string(blob))

	switch p := ptr.(type) {
	case nil:
	case *string:
		*p = buf
	case *int:
		v, err := strconv.Atoi(buf)
		if err != nil {
			return "", sysfsError(path, "invalid integer %q", buf)
		}
		*p = v
	case *uint64:
		v, err := strconv.ParseUint(buf, 10, 64)
		if err != nil {
			return "", sysfsError(path, "invalid unsigned integer %q", buf)
		}
		*p = v
	default:
		return "", sysfsError(path, "unsupported sysfs entry type %T", ptr)
	}

	return buf, nil
}

// writeSysfsEntry writes an unsigned integer value to a sysfs entry.
func writeSysfsEntry(base, entry string, val uint64) error {
	path := filepath.Join(base, entry)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return sysfsError(path, "cannot open: %v", err)
	}
	defer f.Close()

	if _, err = f.WriteString(strconv.FormatUint(val, 10) + "\n"); err != nil {
		return sysfsError(path, "cannot write: %v", err)
	}
	return nil
}

// sysfsError returns a formatted sysfs-specific error.
func sysfsError(path, format string, args ...interface{}) error {
	return fmt.Errorf("sysfs %s: "+format, append([]interface{}{path}, args...)...)
}

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

// Package version tags built binaries with version metadata. The values are
// overridden at link time, for instance
//
//	go build -ldflags "-X=github.com/intel/pmsvc/pkg/version.Version=<version> \
//	  -X=github.com/intel/pmsvc/pkg/version.Build=<build-id>"
package version

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Default values of variables we'll override with the linker.
var (
	// Version is our version as given by 'git describe'.
	Version = "unknown"
	// Build is the SHA1 of the repository we've been built from.
	Build = "unknown"
)

// Fprint writes version information about this binary to w.
func Fprint(w io.Writer) {
	fmt.Fprintf(w, "%s version information:\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(w, "  - version: %s\n", Version)
	fmt.Fprintf(w, "  - build:   %s\n", Build)
}

// PrintVersionInfo prints version information about this binary.
func PrintVersionInfo() {
	Fprint(os.Stdout)
}

// version hooks into flag.Value.Set of -version during command line parsing.
type version struct{}

// IsBoolFlag tells flag that we only have optional arguments.
func (version) IsBoolFlag() bool {
	return true
}

// Set prints version information and exits if value is true.
func (version) Set(value string) error {
	print, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	if print {
		PrintVersionInfo()
		os.Exit(0)
	}
	return nil
}

func (version) String() string {
	return "false"
}

// RegisterFlag puts in place a '-version' option in fs.
func RegisterFlag(fs *flag.FlagSet) {
	fs.Var(version{}, "version", "Print version information about "+filepath.Base(os.Args[0]))
}

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

// Command pmsvc-access shows and edits the access lists of the telemetry
// session daemon.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/intel/pmsvc/pkg/access"
	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/client"
	"github.com/intel/pmsvc/pkg/version"
)

// accessClient is the part of the daemon API we use.
type accessClient interface {
	GetGroupAccess(group string) ([]string, []string, error)
	SetGroupAccess(group string, signals, controls []string) error
	DeleteGroupAccess(group string) error
	GetAllAccess() ([]string, []string, error)
	Close() error
}

// options are our parsed command line options.
type options struct {
	signals  bool
	controls bool
	group    string
	all      bool
	write    bool
	dryRun   bool
	delete   bool
	version  bool
}

// connectFn connects to the daemon.
type connectFn func() (accessClient, error)

func main() {
	connect := func() (accessClient, error) {
		c, err := client.Connect("")
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, connect))
}

// run runs the command and returns its exit status.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer, connect connectFn) int {
	opt, err := parseArgs(args, stderr)
	if err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if opt.version {
		version.Fprint(stdout)
		return 0
	}

	c, err := connect()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer c.Close()

	if err := execute(opt, c, stdin, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// parseArgs parses and cross-checks the command line.
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opt := &options{}

	fs := pflag.NewFlagSet("pmsvc-access", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVarP(&opt.signals, "signals", "s", false, "show or edit the signal access list")
	fs.BoolVarP(&opt.controls, "controls", "c", false, "show or edit the control access list")
	fs.StringVarP(&opt.group, "group", "g", "", "group to show or edit, the default list if omitted")
	fs.BoolVarP(&opt.all, "all", "a", false, "show everything the back-end exposes")
	fs.BoolVarP(&opt.write, "write", "w", false, "replace the list with the names read from stdin, one per line")
	fs.BoolVarP(&opt.dryRun, "dry-run", "n", false, "with --write, validate and print the list but do not write it")
	fs.BoolVarP(&opt.delete, "delete", "D", false, "with --group, remove the access lists of the group")
	fs.BoolVar(&opt.version, "version", false, "print version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch {
	case opt.version:
		return opt, nil
	case fs.NArg() != 0:
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	case opt.signals == opt.controls:
		return nil, fmt.Errorf("exactly one of --signals and --controls is required")
	case opt.all && (opt.write || opt.delete):
		return nil, fmt.Errorf("--all can't be used with --write or --delete")
	case opt.write && opt.delete:
		return nil, fmt.Errorf("--write and --delete are mutually exclusive")
	case opt.dryRun && !opt.write:
		return nil, fmt.Errorf("--dry-run requires --write")
	case opt.delete && opt.group == "":
		return nil, fmt.Errorf("--delete requires --group")
	}

	return opt, nil
}

// execute carries out the parsed command.
func execute(opt *options, c accessClient, stdin io.Reader, stdout io.Writer) error {
	kind := "signals"
	if opt.controls {
		kind = "controls"
	}

	switch {
	case opt.delete:
		return c.DeleteGroupAccess(opt.group)

	case opt.all:
		signals, controls, err := c.GetAllAccess()
		if err != nil {
			return err
		}
		return printList(stdout, opt.pick(signals, controls))

	case opt.write:
		raw, err := io.ReadAll(bufio.NewReader(stdin))
		if err != nil {
			return fmt.Errorf("failed to read %s list: %v", kind, err)
		}
		names := access.ParseList(string(raw))

		if opt.dryRun {
			if err := validate(c, opt, names); err != nil {
				return err
			}
			_, err := io.WriteString(stdout, access.FormatList(kind, opt.group, names))
			return err
		}

		signals, controls, err := c.GetGroupAccess(opt.group)
		if err != nil {
			return err
		}
		if opt.signals {
			signals = names
		} else {
			controls = names
		}
		return c.SetGroupAccess(opt.group, signals, controls)

	default:
		signals, controls, err := c.GetGroupAccess(opt.group)
		if err != nil {
			return err
		}
		return printList(stdout, opt.pick(signals, controls))
	}
}

// validate checks that every name is exposed by the back-end.
func validate(c accessClient, opt *options, names []string) error {
	signals, controls, err := c.GetAllAccess()
	if err != nil {
		return err
	}
	exposed := map[string]struct{}{}
	for _, name := range opt.pick(signals, controls) {
		exposed[name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := exposed[name]; !ok {
			return api.InvalidArgument("%q is not exposed by the back-end", name)
		}
	}
	return nil
}

func (o *options) pick(signals, controls []string) []string {
	if o.signals {
		return signals
	}
	return controls
}

func printList(w io.Writer, names []string) error {
	for _, name := range names {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}

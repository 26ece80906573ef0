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

package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/pmsvc/pkg/api"
)

type fakeClient struct {
	signals  map[string][]string
	controls map[string][]string
	closed   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		signals:  map[string][]string{"": {"TIME"}, "g1": {"TIME", "CPU_ENERGY"}},
		controls: map[string][]string{"": {}, "g1": {"CPU_FREQUENCY_MAX_CONTROL"}},
	}
}

func (f *fakeClient) GetGroupAccess(group string) ([]string, []string, error) {
	if group == "1bad" {
		return nil, nil, api.NewError(api.KindConfiguration, "invalid group %q", group)
	}
	return f.signals[group], f.controls[group], nil
}

func (f *fakeClient) SetGroupAccess(group string, signals, controls []string) error {
	f.signals[group] = signals
	f.controls[group] = controls
	return nil
}

func (f *fakeClient) DeleteGroupAccess(group string) error {
	delete(f.signals, group)
	delete(f.controls, group)
	return nil
}

func (f *fakeClient) GetAllAccess() ([]string, []string, error) {
	return []string{"CPU_ENERGY", "CPU_FREQUENCY_STATUS", "TIME"},
		[]string{"CPU_FREQUENCY_MAX_CONTROL", "CPU_POWER_LIMIT_CONTROL"}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func runWith(t *testing.T, c *fakeClient, stdin string, args ...string) (int, string, string) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	connect := func() (accessClient, error) { return c, nil }
	status := run(args, strings.NewReader(stdin), stdout, stderr, connect)
	return status, stdout.String(), stderr.String()
}

func TestArguments(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"-s", "-c"},
		{"-s", "-a", "-w"},
		{"-c", "-n"},
		{"-s", "-D"},
		{"-s", "-g", "g1", "-w", "-D"},
		{"-s", "extra"},
		{"--bogus"},
	} {
		status, _, stderr := runWith(t, newFakeClient(), "", args...)
		require.Equal(t, 2, status, "%v", args)
		require.NotEmpty(t, stderr, "%v", args)
	}
}

func TestShow(t *testing.T) {
	c := newFakeClient()

	status, out, _ := runWith(t, c, "", "-s")
	require.Equal(t, 0, status)
	require.Equal(t, "TIME\n", out)
	require.True(t, c.closed)

	status, out, _ = runWith(t, c, "", "--signals", "--group", "g1")
	require.Equal(t, 0, status)
	require.Equal(t, "TIME\nCPU_ENERGY\n", out)

	status, out, _ = runWith(t, c, "", "-c", "-a")
	require.Equal(t, 0, status)
	require.Equal(t, "CPU_FREQUENCY_MAX_CONTROL\nCPU_POWER_LIMIT_CONTROL\n", out)

	status, _, stderr := runWith(t, c, "", "-c", "-g", "1bad")
	require.Equal(t, 1, status)
	require.Equal(t, "Error: configuration: invalid group \"1bad\"\n", stderr)
}

func TestWrite(t *testing.T) {
	c := newFakeClient()

	status, _, _ := runWith(t, c, "CPU_POWER_LIMIT_CONTROL\n# comment\n\n", "-c", "-g", "g1", "-w")
	require.Equal(t, 0, status)
	require.Empty(t, cmp.Diff([]string{"CPU_POWER_LIMIT_CONTROL"}, c.controls["g1"]))
	require.Empty(t, cmp.Diff([]string{"TIME", "CPU_ENERGY"}, c.signals["g1"]), "signals untouched")
}

func TestDryRun(t *testing.T) {
	c := newFakeClient()

	status, out, _ := runWith(t, c, "TIME\nCPU_ENERGY\n", "-s", "-w", "-n")
	require.Equal(t, 0, status)
	require.Contains(t, out, "TIME\nCPU_ENERGY\n")
	require.Equal(t, []string{"TIME"}, c.signals[""], "nothing written")

	status, _, stderr := runWith(t, c, "NOT_A_SIGNAL\n", "-s", "-w", "-n")
	require.Equal(t, 1, status)
	require.Contains(t, stderr, "invalid-argument")
}

func TestDelete(t *testing.T) {
	c := newFakeClient()

	status, _, _ := runWith(t, c, "", "-s", "-g", "g1", "-D")
	require.Equal(t, 0, status)
	_, ok := c.signals["g1"]
	require.False(t, ok)
}

func TestConnectFailure(t *testing.T) {
	stderr := &bytes.Buffer{}
	connect := func() (accessClient, error) { return nil, errors.New("no bus") }
	require.Equal(t, 1, run([]string{"-s"}, strings.NewReader(""), &bytes.Buffer{}, stderr, connect))
	require.Equal(t, "Error: no bus\n", stderr.String())
}

func TestVersion(t *testing.T) {
	status, out, _ := runWith(t, newFakeClient(), "", "--version")
	require.Equal(t, 0, status)
	require.Contains(t, out, "version information")
}

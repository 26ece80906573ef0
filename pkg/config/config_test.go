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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testOptions struct {
	Root     string   `json:"root"`
	Interval Duration `json:"interval"`
	Names    []string `json:"names,omitempty"`
}

var (
	testOpts    = &testOptions{}
	testNotices []Event
)

func testDefaults() interface{} {
	return &testOptions{
		Root:     "/run/test",
		Interval: Duration(time.Second),
	}
}

func init() {
	Register("test", "Test module.\nSecond line.", testOpts, testDefaults,
		WithNotify(func(e Event, _ Source) error {
			testNotices = append(testNotices, e)
			return nil
		}))
}

func TestSetFromData(t *testing.T) {
	tcs := []struct {
		name     string
		data     string
		expected testOptions
		fail     bool
	}{
		{
			name:     "empty data gives defaults",
			data:     "",
			expected: testOptions{Root: "/run/test", Interval: Duration(time.Second)},
		},
		{
			name: "partial override",
			data: "test:\n  interval: 250ms\n",
			expected: testOptions{
				Root:     "/run/test",
				Interval: Duration(250 * time.Millisecond),
			},
		},
		{
			name: "full override",
			data: "test:\n  root: /tmp/x\n  interval: 2s\n  names: [a, b]\n",
			expected: testOptions{
				Root:     "/tmp/x",
				Interval: Duration(2 * time.Second),
				Names:    []string{"a", "b"},
			},
		},
		{
			name: "unknown module",
			data: "nosuchmodule:\n  foo: bar\n",
			fail: true,
		},
		{
			name: "unknown field",
			data: "test:\n  bogus: 1\n",
			fail: true,
		},
		{
			name: "invalid duration",
			data: "test:\n  interval: forever\n",
			fail: true,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, ResetToDefaults())
			err := SetFromData([]byte(tc.data))
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, *testOpts)
		})
	}
}

func TestSetFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("test:\n  root: /from/file\n"), 0600))

	testNotices = nil
	require.NoError(t, SetFromFile(path))
	require.Equal(t, "/from/file", testOpts.Root)
	require.Equal(t, []Event{UpdateEvent}, testNotices)

	require.NoError(t, ResetToDefaults())
	require.Equal(t, "/run/test", testOpts.Root)
	require.Equal(t, []Event{UpdateEvent, RevertEvent}, testNotices)

	require.Error(t, SetFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestDescribe(t *testing.T) {
	help := Describe("test")
	require.True(t, strings.HasPrefix(help, "- test:\n"))
	require.Contains(t, help, "    Second line.\n")
	require.Contains(t, Describe("missing"), "no such module")
}

func TestDump(t *testing.T) {
	require.NoError(t, ResetToDefaults())
	dump, err := Dump()
	require.NoError(t, err)
	require.Contains(t, dump, "interval: 1s")
}

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

package securefs

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/pmsvc/pkg/api"
	logger "github.com/intel/pmsvc/pkg/log"
)

// warnings captures log output and returns a function counting warnings.
func warnings(t *testing.T) func() int {
	buf := &bytes.Buffer{}
	old := logger.SetFmtOutput(buf)
	t.Cleanup(func() { logger.SetFmtOutput(old) })
	return func() int {
		n := strings.Count(buf.String(), "W: ")
		buf.Reset()
		return n
	}
}

// invalid returns the quarantined siblings of path.
func invalid(t *testing.T, path string) []string {
	matches, err := filepath.Glob(path + "-*" + InvalidSuffix)
	require.NoError(t, err)
	return matches
}

func mode(t *testing.T, path string) os.FileMode {
	info, err := os.Lstat(path)
	require.NoError(t, err)
	return info.Mode().Perm()
}

func TestWriteReadFile(t *testing.T) {
	fs := Default()
	path := filepath.Join(t.TempDir(), "CONTROL_LOCK")

	require.NoError(t, fs.WriteFile(path, []byte("1234")))
	require.Equal(t, FileMode, mode(t, path))

	data, err := fs.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "1234", string(data))

	require.NoError(t, fs.WriteFile(path, nil))
	data, err = fs.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files left behind")
}

func TestReadMissing(t *testing.T) {
	_, err := Default().ReadFile(filepath.Join(t.TempDir(), "missing"))
	require.True(t, os.IsNotExist(err))
}

func TestReadFileQuarantine(t *testing.T) {
	tcs := []struct {
		name    string
		prepare func(t *testing.T, path string)
		uid     int
	}{
		{
			name: "wrong mode",
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
				require.NoError(t, os.Chmod(path, 0644))
			},
			uid: os.Geteuid(),
		},
		{
			name: "wrong owner",
			prepare: func(t *testing.T, path string) {
				require.NoError(t, Default().WriteFile(path, []byte("x")))
			},
			uid: os.Geteuid() + 1,
		},
		{
			name: "symbolic link",
			prepare: func(t *testing.T, path string) {
				target := path + ".target"
				require.NoError(t, Default().WriteFile(target, []byte("x")))
				require.NoError(t, os.Symlink(target, path))
			},
			uid: os.Geteuid(),
		},
		{
			name: "directory",
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.Mkdir(path, 0700))
			},
			uid: os.Geteuid(),
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			count := warnings(t)
			path := filepath.Join(t.TempDir(), "session-1.json")
			tc.prepare(t, path)

			_, err := New(tc.uid).ReadFile(path)
			require.Error(t, err)
			require.Equal(t, api.KindCorruptState, api.KindOf(err))

			_, err = os.Lstat(path)
			require.True(t, os.IsNotExist(err), "untrusted file not renamed")
			require.Len(t, invalid(t, path), 1)
			require.Equal(t, 1, count())
		})
	}
}

func TestMakeDirectory(t *testing.T) {
	fs := Default()

	t.Run("create with parents", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a", "b")
		require.NoError(t, fs.MakeDirectory(path, DirMode))
		require.Equal(t, DirMode, mode(t, path))
		require.Equal(t, DirMode, mode(t, filepath.Dir(path)))
		require.NoError(t, fs.MakeDirectory(path, DirMode))
		require.Empty(t, invalid(t, path))
	})

	t.Run("symbolic link parent", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "shared")
		require.NoError(t, os.Mkdir(target, 0777))
		require.NoError(t, os.Chmod(target, 0777))
		require.NoError(t, os.Symlink(target, filepath.Join(dir, "link")))

		err := fs.MakeDirectory(filepath.Join(dir, "link", "run"), DirMode)
		require.Equal(t, api.KindCorruptState, api.KindOf(err))
		_, err = os.Lstat(filepath.Join(target, "run"))
		require.True(t, os.IsNotExist(err), "directory created through the link")
	})

	t.Run("foreign parent", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("every parent is owned by root")
		}
		other := New(os.Geteuid() + 1)
		path := filepath.Join(t.TempDir(), "run")
		err := other.MakeDirectory(path, DirMode)
		require.Equal(t, api.KindCorruptState, api.KindOf(err))
		_, err = os.Lstat(path)
		require.True(t, os.IsNotExist(err))
	})

	t.Run("wrong mode", func(t *testing.T) {
		count := warnings(t)
		path := filepath.Join(t.TempDir(), "run")
		require.NoError(t, os.Mkdir(path, 0755))
		require.NoError(t, os.Chmod(path, 0755))
		require.NoError(t, fs.MakeDirectory(path, DirMode))
		require.Equal(t, DirMode, mode(t, path))
		require.Len(t, invalid(t, path), 1)
		require.Equal(t, 1, count())
	})

	t.Run("symbolic link", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "elsewhere")
		require.NoError(t, os.Mkdir(target, 0711))
		require.NoError(t, os.Chmod(target, 0711))
		path := filepath.Join(dir, "run")
		require.NoError(t, os.Symlink(target, path))

		require.NoError(t, fs.MakeDirectory(path, DirMode))
		info, err := os.Lstat(path)
		require.NoError(t, err)
		require.True(t, info.IsDir())
		require.Len(t, invalid(t, path), 1)
	})

	t.Run("regular file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run")
		require.NoError(t, os.WriteFile(path, nil, 0600))
		require.NoError(t, fs.MakeDirectory(path, DirMode))
		require.Equal(t, DirMode, mode(t, path))
		require.Len(t, invalid(t, path), 1)
	})
}

const testSchema = `{
    "type": "object",
    "properties": {
        "pid": {"type": "integer", "minimum": 1}
    },
    "required": ["pid"],
    "additionalProperties": false
}`

func TestJSON(t *testing.T) {
	fs := Default()
	schema := MustCompileSchema("test.schema.json", testSchema)
	dir := t.TempDir()

	type record struct {
		PID int `json:"pid"`
	}

	path := filepath.Join(dir, "good.json")
	require.NoError(t, fs.WriteJSON(path, &record{PID: 42}))
	r := record{}
	require.NoError(t, fs.ReadJSON(path, schema, &r))
	require.Equal(t, 42, r.PID)

	for name, content := range map[string]string{
		"extra.json":    `{"pid": 1, "extra": true}`,
		"missing.json":  `{}`,
		"broken.json":   `{"pid": `,
		"negative.json": `{"pid": -1}`,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, fs.WriteFile(path, []byte(content)))
		err := fs.ReadJSON(path, schema, &r)
		require.Error(t, err, name)
		require.Equal(t, api.KindCorruptState, api.KindOf(err), name)
		require.Len(t, invalid(t, path), 1, name)
	}

	_, err := CompileSchema("bad.json", "{")
	require.Error(t, err)
}

func TestList(t *testing.T) {
	fs := Default()
	dir := t.TempDir()
	for _, name := range []string{"session-1.json", "session-2.json", "save-1.json", "session-3.json-x-INVALID"} {
		require.NoError(t, fs.WriteFile(filepath.Join(dir, name), nil))
	}
	names, err := fs.List(dir, "session-", ".json")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"session-1.json", "session-2.json"}, names)

	require.NoError(t, fs.Remove(filepath.Join(dir, "save-1.json")))
	require.NoError(t, fs.Remove(filepath.Join(dir, "save-1.json")))

	names, err = fs.List(filepath.Join(dir, "missing"), "session-", ".json")
	require.NoError(t, err)
	require.Empty(t, names)
}

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

package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/pmsvc/pkg/api"
	"github.com/intel/pmsvc/pkg/platform/fake"
	"github.com/intel/pmsvc/pkg/securefs"
	"github.com/intel/pmsvc/pkg/sysfs"
)

var (
	fmax = api.Identifier{Name: "CPU_FREQUENCY_MAX_CONTROL", Domain: api.DomainCPU, Index: 1}
	fmin = api.Identifier{Name: "CPU_FREQUENCY_MIN_CONTROL", Domain: api.DomainCPU, Index: 1}
	plim = api.Identifier{Name: "CPU_POWER_LIMIT_CONTROL", Domain: api.DomainPackage, Index: 0}
)

func TestPidOf(t *testing.T) {
	require.Equal(t, 1234, PidOf(Path("/run/pmsvc", 1234)))
	require.Equal(t, 0, PidOf("save-.json"))
	require.Equal(t, 0, PidOf("save-abc.json"))
	require.Equal(t, 0, PidOf("save--1.json"))
}

func TestSaveRestore(t *testing.T) {
	root, fs, p := t.TempDir(), securefs.Default(), fake.New()

	v, err := Open(fs, p, root, 1234)
	require.NoError(t, err)
	require.False(t, v.Adopted())
	require.False(t, Exists(root, 1234))

	require.NoError(t, v.Save([]api.Identifier{fmax, fmin, fmax}))
	require.True(t, Exists(root, 1234))
	require.Len(t, v.Entries(), 2)

	require.NoError(t, p.WriteControl(fmax.Name, fmax.Domain, fmax.Index, 2.5e9))
	require.NoError(t, p.WriteControl(fmin.Name, fmin.Domain, fmin.Index, 2.0e9))

	// later pushes append, recorded settings are kept
	require.NoError(t, v.Save([]api.Identifier{fmin, plim}))
	expected := []Entry{
		{Name: fmax.Name, Domain: fmax.Domain, Index: fmax.Index, Setting: 3.0e9},
		{Name: fmin.Name, Domain: fmin.Domain, Index: fmin.Index, Setting: 1.0e9},
		{Name: plim.Name, Domain: plim.Domain, Index: plim.Index, Setting: 200},
	}
	if diff := cmp.Diff(expected, v.Entries()); diff != "" {
		t.Errorf("unexpected entries (-want +got):\n%s", diff)
	}

	info, err := os.Stat(v.Path())
	require.NoError(t, err)
	require.Equal(t, securefs.FileMode, info.Mode().Perm())

	p.ResetWrites()
	require.NoError(t, v.Restore())
	require.False(t, Exists(root, 1234))
	require.Empty(t, v.Entries())

	writes := p.Writes()
	require.Len(t, writes, 3)
	require.Equal(t, []api.Identifier{plim, fmin, fmax},
		[]api.Identifier{writes[0].Identifier, writes[1].Identifier, writes[2].Identifier})
	require.Equal(t, 3.0e9, p.Value(fmax))
	require.Equal(t, 1.0e9, p.Value(fmin))

	require.NoError(t, v.Restore())
}

func TestApplyKeepsSaved(t *testing.T) {
	root, fs, p := t.TempDir(), securefs.Default(), fake.New()

	v, err := Open(fs, p, root, 1234)
	require.NoError(t, err)
	require.NoError(t, v.Save([]api.Identifier{fmax}))

	require.NoError(t, p.WriteControl(fmax.Name, fmax.Domain, fmax.Index, 2.5e9))
	require.NoError(t, v.Apply())
	require.Equal(t, 3.0e9, p.Value(fmax))
	require.True(t, Exists(root, 1234))
	require.Len(t, v.Entries(), 1)

	// writes after Apply are still undone at the end
	require.NoError(t, p.WriteControl(fmax.Name, fmax.Domain, fmax.Index, 1.4e9))
	require.NoError(t, v.Restore())
	require.Equal(t, 3.0e9, p.Value(fmax))
	require.False(t, Exists(root, 1234))
}

// mkSysfs creates a sysfs tree of two packages with two CPUs each.
func mkSysfs(t *testing.T, maxKHz []int, limitUW []int) string {
	root := t.TempDir()
	write := func(path string, value int) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(value)+"\n"), 0644))
	}
	for cpu, khz := range maxKHz {
		dir := filepath.Join(root, "devices/system/cpu/cpu"+strconv.Itoa(cpu))
		write(filepath.Join(dir, "topology/physical_package_id"), cpu/2)
		write(filepath.Join(dir, "topology/core_id"), cpu%2)
		write(filepath.Join(dir, "cpufreq/cpuinfo_min_freq"), 800000)
		write(filepath.Join(dir, "cpufreq/cpuinfo_max_freq"), 3000000)
		write(filepath.Join(dir, "cpufreq/scaling_min_freq"), 800000)
		write(filepath.Join(dir, "cpufreq/scaling_max_freq"), khz)
		write(filepath.Join(dir, "cpufreq/scaling_cur_freq"), 1000000)
	}
	for pkg, uw := range limitUW {
		zone := filepath.Join(root, "class/powercap/intel-rapl:"+strconv.Itoa(pkg))
		require.NoError(t, os.MkdirAll(zone, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(zone, "name"), []byte("package-"+strconv.Itoa(pkg)+"\n"), 0644))
		write(filepath.Join(zone, "energy_uj"), 1000000)
		write(filepath.Join(zone, "constraint_0_power_limit_uw"), uw)
	}
	return root
}

func TestSaveNativeInstances(t *testing.T) {
	sysRoot := mkSysfs(t, []int{3000000, 1000000, 3000000, 2000000}, []int{100000000, 150000000})
	p, err := sysfs.New(sysRoot)
	require.NoError(t, err)

	entry := func(path string) string {
		data, err := os.ReadFile(filepath.Join(sysRoot, path))
		require.NoError(t, err)
		return strings.TrimSpace(string(data))
	}

	boardMax := api.Identifier{Name: "CPU_FREQUENCY_MAX_CONTROL", Domain: api.DomainBoard}
	boardLimit := api.Identifier{Name: "CPU_POWER_LIMIT_CONTROL", Domain: api.DomainBoard}
	pkgMax := api.Identifier{Name: "CPU_FREQUENCY_MAX_CONTROL", Domain: api.DomainPackage, Index: 1}

	root, fs := t.TempDir(), securefs.Default()
	v, err := Open(fs, p, root, 77)
	require.NoError(t, err)
	require.NoError(t, v.Save([]api.Identifier{boardMax, boardLimit, pkgMax}))
	require.Len(t, v.Entries(), 6, "one entry per CPU and per package")
	for _, e := range v.Entries() {
		require.NotEqual(t, api.DomainBoard, e.Domain)
	}

	require.NoError(t, p.WriteControl(boardMax.Name, boardMax.Domain, 0, 2.0e9))
	require.NoError(t, p.WriteControl(boardLimit.Name, boardLimit.Domain, 0, 400))
	require.Equal(t, "2000000", entry("devices/system/cpu/cpu1/cpufreq/scaling_max_freq"))

	require.NoError(t, v.Restore())
	for cpu, khz := range []string{"3000000", "1000000", "3000000", "2000000"} {
		require.Equal(t, khz, entry("devices/system/cpu/cpu"+strconv.Itoa(cpu)+"/cpufreq/scaling_max_freq"),
			"cpu%d", cpu)
	}
	require.Equal(t, "100000000", entry("class/powercap/intel-rapl:0/constraint_0_power_limit_uw"))
	require.Equal(t, "150000000", entry("class/powercap/intel-rapl:1/constraint_0_power_limit_uw"))
}

func TestAdopt(t *testing.T) {
	root, fs, p := t.TempDir(), securefs.Default(), fake.New()

	saved := []Entry{{Name: fmax.Name, Domain: fmax.Domain, Index: fmax.Index, Setting: 2.2e9}}
	require.NoError(t, fs.WriteJSON(Path(root, 42), saved))
	p.SetValue(fmax, 1.1e9)

	v, err := Open(fs, p, root, 42)
	require.NoError(t, err)
	require.True(t, v.Adopted())

	require.NoError(t, v.Save([]api.Identifier{fmax, plim}))
	entries := v.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, 2.2e9, entries[0].Setting)

	require.NoError(t, v.Restore())
	require.Equal(t, 2.2e9, p.Value(fmax))
}

func TestSaveFailure(t *testing.T) {
	root, fs, p := t.TempDir(), securefs.Default(), fake.New()

	v, err := Open(fs, p, root, 7)
	require.NoError(t, err)

	p.FailRead(plim.Name, fmt.Errorf("msr read failed"))
	err = v.Save([]api.Identifier{fmax, plim})
	require.Equal(t, api.KindBackend, api.KindOf(err))
	require.False(t, Exists(root, 7))
	require.Empty(t, v.Entries())
}

func TestRestoreFailure(t *testing.T) {
	root, fs, p := t.TempDir(), securefs.Default(), fake.New()

	v, err := Open(fs, p, root, 7)
	require.NoError(t, err)
	require.NoError(t, v.Save([]api.Identifier{fmax, fmin, plim}))

	p.FailWrite(fmin.Name, fmt.Errorf("device busy"))
	p.ResetWrites()
	err = v.Restore()
	require.Error(t, err)
	require.Equal(t, api.KindBackend, api.KindOf(err))
	require.True(t, Exists(root, 7))
	require.Len(t, p.Writes(), 2)

	// a later retry succeeds and removes the file
	p.FailWrite(fmin.Name, nil)
	require.NoError(t, Restore(fs, p, v.Path()))
	require.False(t, Exists(root, 7))
}

func TestCorruptVault(t *testing.T) {
	tcs := map[string]string{
		"not json":       "[{",
		"extra key":      `[{"name": "X", "domain_type": 0, "domain_index": 0, "setting": 1, "other": 1}]`,
		"missing key":    `[{"name": "X", "domain_type": 0, "domain_index": 0}]`,
		"wrong type":     `{"name": "X"}`,
		"invalid domain": `[{"name": "X", "domain_type": 99, "domain_index": 0, "setting": 1}]`,
	}
	for name, content := range tcs {
		t.Run(name, func(t *testing.T) {
			root, fs, p := t.TempDir(), securefs.Default(), fake.New()
			path := Path(root, 99)
			require.NoError(t, fs.WriteFile(path, []byte(content)))

			err := Restore(fs, p, path)
			require.Equal(t, api.KindCorruptState, api.KindOf(err))
			require.Empty(t, p.Writes())
			require.False(t, Exists(root, 99))

			invalid, err := filepath.Glob(path + "-*" + securefs.InvalidSuffix)
			require.NoError(t, err)
			require.Len(t, invalid, 1)
			data, err := os.ReadFile(invalid[0])
			require.NoError(t, err)
			require.Equal(t, content, string(data))
		})
	}

	// a corrupt file found at open is discarded
	root, fs, p := t.TempDir(), securefs.Default(), fake.New()
	require.NoError(t, fs.WriteFile(Path(root, 5), []byte("garbage")))
	v, err := Open(fs, p, root, 5)
	require.NoError(t, err)
	require.False(t, v.Adopted())
	require.Empty(t, v.Entries())
}

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

package api

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseDomain(t *testing.T) {
	tcs := []struct {
		value    string
		expected Domain
		fail     bool
	}{
		{value: "board", expected: DomainBoard},
		{value: "CPU", expected: DomainCPU},
		{value: " package ", expected: DomainPackage},
		{value: "3", expected: DomainCPU},
		{value: "gpu_chip", expected: DomainGPUChip},
		{value: "42", fail: true},
		{value: "socket", fail: true},
	}
	for _, tc := range tcs {
		t.Run(tc.value, func(t *testing.T) {
			d, err := ParseDomain(tc.value)
			if tc.fail {
				require.Error(t, err)
				require.Equal(t, KindInvalidArgument, KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, d)
			require.Equal(t, d, mustParse(t, d.String()))
		})
	}
}

func mustParse(t *testing.T, name string) Domain {
	d, err := ParseDomain(name)
	require.NoError(t, err)
	return d
}

func TestErrorKinds(t *testing.T) {
	err := WriteDenied("lock held by %d", 42)
	require.Equal(t, "write-denied: lock held by 42", err.Error())
	require.True(t, errors.Is(err, ErrWriteDenied))
	require.False(t, errors.Is(err, ErrNoSession))

	wrapped := fmt.Errorf("request failed: %w", err)
	require.Equal(t, KindWriteDenied, KindOf(wrapped))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))

	cause := errors.New("EIO")
	err = WrapError(KindBackend, cause, "write %s", "CPU_FREQUENCY_CONTROL")
	require.Equal(t, "backend-error: write CPU_FREQUENCY_CONTROL: EIO", err.Error())
	require.True(t, errors.Is(err, cause))
	require.Nil(t, WrapError(KindBackend, nil, "nothing"))

	for _, k := range Kinds {
		parsed, ok := ParseKind(string(k))
		require.True(t, ok)
		require.Equal(t, k, parsed)
	}
	_, ok := ParseKind("bogus")
	require.False(t, ok)
}

func TestNames(t *testing.T) {
	ids := []Identifier{
		{Name: "TIME", Domain: DomainBoard},
		{Name: "CPU_ENERGY", Domain: DomainPackage, Index: 1},
		{Name: "CPU_ENERGY", Domain: DomainPackage, Index: 0},
	}
	require.Equal(t, []string{"CPU_ENERGY", "TIME"}, Names(ids))
	require.Equal(t, []string{"a", "b"}, SortedUnique([]string{"b", "", "a", "b"}))
	require.Equal(t, "CPU_ENERGY@package[1]", ids[1].String())
}

func TestParseIdentifier(t *testing.T) {
	for _, id := range []Identifier{
		{Name: "TIME", Domain: DomainBoard},
		{Name: "CPU_ENERGY", Domain: DomainPackage, Index: 1},
		{Name: "GPU@X", Domain: DomainGPUChip, Index: 12},
	} {
		parsed, err := ParseIdentifier(id.String())
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	}

	parsed, err := ParseIdentifier("CPU_ENERGY@1[0]")
	require.NoError(t, err)
	require.Equal(t, Identifier{Name: "CPU_ENERGY", Domain: DomainPackage}, parsed)

	for _, bad := range []string{"TIME", "@board[0]", "TIME@board", "TIME@nowhere[0]", "TIME@board[-1]", "TIME@board[x]"} {
		_, err := ParseIdentifier(bad)
		require.Equal(t, KindInvalidArgument, KindOf(err), bad)
	}
}

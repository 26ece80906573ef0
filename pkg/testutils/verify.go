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

// Package testutils has assertions shared by package tests.
package testutils

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
)

// VerifyDeepEqual fails the test with a diff if seen differs from exp.
func VerifyDeepEqual(t *testing.T, name string, exp, seen interface{}, opts ...cmp.Option) bool {
	t.Helper()
	diff := cmp.Diff(exp, seen, opts...)
	if diff == "" {
		return true
	}
	t.Errorf("%s mismatch (-expected +seen):\n%s", name, diff)
	return false
}

// VerifyError fails the test unless err carries count errors and mentions
// every one of substrings. A single non-multierror counts as one, nil as zero.
func VerifyError(t *testing.T, err error, count int, substrings []string) bool {
	t.Helper()

	seen := 0
	var merr *multierror.Error
	switch {
	case err == nil:
	case errors.As(err, &merr):
		seen = len(merr.Errors)
	default:
		seen = 1
	}
	if seen != count {
		t.Errorf("expected %d errors, got %d: %v", count, seen, err)
		return false
	}

	ok := true
	for _, s := range substrings {
		if err == nil || !strings.Contains(err.Error(), s) {
			t.Errorf("error %q does not mention %q", err, s)
			ok = false
		}
	}
	return ok
}

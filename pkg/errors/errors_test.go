// Copyright 2026 fanjia1024
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

package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "msg"))

	wrapped := Wrap(ErrDuplicateTrigger, "submit review_1")
	require.Error(t, wrapped)
	assert.True(t, Is(wrapped, ErrDuplicateTrigger))
	assert.Equal(t, "submit review_1: duplicate trigger id", wrapped.Error())
}

func TestWrapf(t *testing.T) {
	assert.Nil(t, Wrapf(nil, "format %s", "x"))

	base := errors.New("disk full")
	wrapped := Wrapf(base, "write %s", "settings.json")
	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "write settings.json")
}

func TestSentinelsAreDistinct(t *testing.T) {
	all := []error{ErrNotFound, ErrInvalidArg, ErrDuplicateTrigger, ErrCancelled, ErrUnknownTool, ErrUnavailable}
	for i, a := range all {
		for j, b := range all {
			assert.Equal(t, i == j, errors.Is(a, b), "%v vs %v", a, b)
		}
	}
}

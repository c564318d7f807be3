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

package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "review-gate/pkg/errors"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	st, err := NewFileStore(filepath.Join(t.TempDir(), "review-gate-v2", "settings.json"))
	require.NoError(t, err)
	return st
}

func TestFileStore_MissingFileGivesDefaults(t *testing.T) {
	st := newTestStore(t)
	got, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), got)
}

func TestFileStore_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	want := Defaults()
	want.Timeout = 120
	want.AutoMessage = "looks good"
	require.NoError(t, st.Save(ctx, want))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStore_PartialFileMergedWithDefaults(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(st.Path()), 0o755))
	require.NoError(t, os.WriteFile(st.Path(), []byte(`{"timeout": 90}`), 0o644))

	got, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90, got.Timeout)
	assert.Equal(t, DefaultAutoMessage, got.AutoMessage)
	assert.Equal(t, DefaultTheme, got.Theme)
	assert.True(t, got.UseWebInterface)
}

func TestFileStore_OutOfRangeTimeoutNormalized(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(st.Path()), 0o755))
	require.NoError(t, os.WriteFile(st.Path(), []byte(`{"timeout": 5}`), 0o644))

	got, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, got.Timeout)
}

func TestFileStore_CorruptFile(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(st.Path()), 0o755))
	require.NoError(t, os.WriteFile(st.Path(), []byte(`{not json`), 0o644))

	got, err := st.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, Defaults(), got)
}

func TestFileStore_SavePreservesUnknownKeys(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(st.Path()), 0o755))
	require.NoError(t, os.WriteFile(st.Path(), []byte(`{"window":{"width":800},"timeout":60}`), 0o644))

	_, err := st.Update(context.Background(), func(s *Settings) { s.Timeout = 240 })
	require.NoError(t, err)

	data, err := os.ReadFile(st.Path())
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, float64(240), raw["timeout"])
	assert.Equal(t, map[string]any{"width": float64(800)}, raw["window"])
}

func TestValidateTimeout(t *testing.T) {
	tests := []struct {
		timeout int
		ok      bool
	}{
		{29, false},
		{30, true},
		{300, true},
		{600, true},
		{601, false},
		{700, false},
	}
	for _, tt := range tests {
		err := ValidateTimeout(tt.timeout)
		if tt.ok {
			assert.NoError(t, err, tt.timeout)
		} else {
			assert.True(t, pkgerrors.Is(err, pkgerrors.ErrInvalidArg), tt.timeout)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore(Defaults())
	s, _ := m.Load(context.Background())
	s.Theme = "light"
	require.NoError(t, m.Save(context.Background(), s))
	got, _ := m.Load(context.Background())
	assert.Equal(t, "light", got.Theme)
}

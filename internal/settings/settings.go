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

// Package settings 持久化用户级设置（弹窗超时、自动回复文本、主题、是否启用浏览器界面）。
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	pkgerrors "review-gate/pkg/errors"
)

// 超时上下限与默认值（秒）
const (
	MinTimeout         = 30
	MaxTimeout         = 600
	DefaultTimeout     = 300
	DefaultAutoMessage = "继续"
	DefaultTheme       = "dark"
)

// Settings 用户设置；JSON 字段名即设置文件中的 key
type Settings struct {
	Timeout         int    `json:"timeout"`
	AutoMessage     string `json:"auto_message"`
	Theme           string `json:"theme"`
	UseWebInterface bool   `json:"use_web_interface"`
}

// Defaults 返回默认设置
func Defaults() Settings {
	return Settings{
		Timeout:         DefaultTimeout,
		AutoMessage:     DefaultAutoMessage,
		Theme:           DefaultTheme,
		UseWebInterface: true,
	}
}

// ValidateTimeout 超时必须落在 [MinTimeout, MaxTimeout]
func ValidateTimeout(timeout int) error {
	if timeout < MinTimeout || timeout > MaxTimeout {
		return pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "timeout must be between %d and %d seconds, got %d", MinTimeout, MaxTimeout, timeout)
	}
	return nil
}

// normalize 把文件中越界的超时值替换为默认值
func (s Settings) normalize() Settings {
	if ValidateTimeout(s.Timeout) != nil {
		s.Timeout = DefaultTimeout
	}
	return s
}

// Store 设置存储；Load 对缺失字段补默认值
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// DefaultDir 平台默认设置目录：Windows 为 %APPDATA%\ReviewGateV2，其他为 ~/.config/review-gate-v2
func DefaultDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "ReviewGateV2"), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "review-gate-v2"), nil
}

// DefaultPath 默认设置文件路径
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// FileStore 基于 JSON 文件的 Store；写入时保留文件中未知的 key
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore 创建 FileStore；path 为空时使用 DefaultPath
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &FileStore{path: path}, nil
}

// Path 设置文件路径
func (f *FileStore) Path() string { return f.path }

// Load 读取设置。文件不存在返回默认值；文件损坏时返回默认值与错误，调用方可记录后继续。
func (f *FileStore) Load(ctx context.Context) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *FileStore) loadLocked() (Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, pkgerrors.Wrap(err, "read settings")
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return Defaults(), pkgerrors.Wrapf(err, "decode settings %s", f.path)
	}
	return s.normalize(), nil
}

// Save 合并写入设置文件（原子替换）
func (f *FileStore) Save(ctx context.Context, s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(s)
}

func (f *FileStore) saveLocked(s Settings) error {
	raw := map[string]json.RawMessage{}
	if data, err := os.ReadFile(f.path); err == nil {
		// 旧文件损坏时直接覆盖
		_ = json.Unmarshal(data, &raw)
	}
	known, err := json.Marshal(s)
	if err != nil {
		return pkgerrors.Wrap(err, "encode settings")
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &fields); err != nil {
		return pkgerrors.Wrap(err, "encode settings")
	}
	for k, v := range fields {
		raw[k] = v
	}
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "encode settings")
	}
	return writeFileAtomic(f.path, append(out, '\n'))
}

// Update 在同一把锁内读取、修改并保存设置
func (f *FileStore) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.loadLocked()
	if err != nil {
		s = Defaults()
	}
	fn(&s)
	if err := f.saveLocked(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrap(err, "create settings dir")
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return pkgerrors.Wrap(err, "create temp settings file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrap(err, "write temp settings file")
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrap(err, "chmod temp settings file")
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrap(err, "close temp settings file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return pkgerrors.Wrap(err, "replace settings file")
	}
	return nil
}

// MemoryStore 进程内 Store（测试与无磁盘场景）
type MemoryStore struct {
	mu sync.Mutex
	s  Settings
}

// NewMemoryStore 以 initial 为初始值
func NewMemoryStore(initial Settings) *MemoryStore {
	return &MemoryStore{s: initial}
}

func (m *MemoryStore) Load(ctx context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, nil
}

func (m *MemoryStore) Save(ctx context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

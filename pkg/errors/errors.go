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

// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 哨兵错误；各包通过 Wrap 附加上下文，调用方用 errors.Is 判断
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArg       = errors.New("invalid argument")
	ErrDuplicateTrigger = errors.New("duplicate trigger id")
	ErrCancelled        = errors.New("review request cancelled")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrUnavailable      = errors.New("channel unavailable")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is 转发标准库 errors.Is，避免调用方同时导入两个 errors 包
func Is(err, target error) bool {
	return errors.Is(err, target)
}

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

package app

import (
	"context"
	"errors"
	"fmt"

	"review-gate/internal/messagelog"
	"review-gate/internal/settings"
	"review-gate/pkg/config"
	"review-gate/pkg/log"
)

// Bootstrap 统一初始化：供 serve 与 history 等命令复用，避免在 cmd 内写存储初始化
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Settings settings.Store
	Messages messagelog.Store
}

// NewBootstrap 根据配置创建 Bootstrap（日志、设置文件、消息日志）；cfg 为 nil 时使用默认配置
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	st, err := settings.NewFileStore(cfg.Settings.Path)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("初始化设置存储失败: %w", err)
	}

	messages, err := messagelog.NewStore(ctx, cfg.MessageLog)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("初始化消息日志失败: %w", err)
	}
	logger.Info("存储已就绪", "settings", st.Path(), "message_log", storeType(cfg.MessageLog.Type))

	return &Bootstrap{
		Config:   cfg,
		Logger:   logger,
		Settings: st,
		Messages: messages,
	}, nil
}

func storeType(t string) string {
	if t == "" {
		return "sqlite"
	}
	return t
}

// Close 关闭消息日志与日志文件
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Messages != nil {
		errs = append(errs, b.Messages.Close())
	}
	if b.Logger != nil {
		errs = append(errs, b.Logger.Close())
	}
	return errors.Join(errs...)
}

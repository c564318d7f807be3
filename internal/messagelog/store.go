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

package messagelog

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"review-gate/internal/settings"
	"review-gate/pkg/config"
)

// NewStore 根据配置创建消息日志存储
func NewStore(ctx context.Context, cfg config.MessageLogConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			dir, err := settings.DefaultDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "messages.db")
		}
		return NewSQLiteStore(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("message_log.type=postgres 需要配置 message_log.dsn")
		}
		return NewPostgresStore(ctx, cfg.DSN)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
		}
		return NewRedisStore(client, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("不支持的消息日志存储类型: %s", cfg.Type)
	}
}

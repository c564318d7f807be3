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

// Package messagelog 记录每次审阅请求与用户回复，供浏览器查询历史与搜索。
package messagelog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// 查询默认条数
const (
	DefaultRecentLimit = 50
	DefaultDateLimit   = 100
	DefaultSearchLimit = 50
)

// TimestampLayout 本地时钟的 ISO-8601 时间戳（微秒精度，字典序即时间序）
const TimestampLayout = "2006-01-02T15:04:05.000000"

// DateLayout 归档日期
const DateLayout = "2006-01-02"

// Kind 记录类型
type Kind string

const (
	KindSystem Kind = "system" // agent 发出的审阅请求
	KindUser   Kind = "user"   // 用户回复
	KindPlain  Kind = "plain"  // 文件通道收到的纯文本回复
)

// Attachment 浏览器上传的图片附件
type Attachment struct {
	ID         string `json:"id,omitempty"`
	FileName   string `json:"fileName"`
	MimeType   string `json:"mimeType"`
	Base64Data string `json:"base64Data"`
	Size       int64  `json:"size,omitempty"`
}

// IsImage 是否为图片附件
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Record 一条日志记录；同 ID 重复写入为覆盖
type Record struct {
	ID             string       `json:"id"`
	TriggerID      string       `json:"trigger_id"`
	Kind           Kind         `json:"type"`
	Content        string       `json:"content"`
	Timestamp      string       `json:"timestamp"`
	Date           string       `json:"date"`
	HasAttachments bool         `json:"has_attachments"`
	Attachments    []Attachment `json:"attachments"`
}

// NewRecord 按本地时钟生成记录。
// 用户记录 ID 为 msg_<unixms>_<trigger>，系统记录追加 _system 后缀。
func NewRecord(triggerID string, kind Kind, content string, attachments []Attachment, now time.Time) Record {
	now = now.Local()
	id := fmt.Sprintf("msg_%d_%s", now.UnixMilli(), triggerID)
	if kind == KindSystem {
		id += "_system"
	}
	if attachments == nil {
		attachments = []Attachment{}
	}
	return Record{
		ID:             id,
		TriggerID:      triggerID,
		Kind:           kind,
		Content:        content,
		Timestamp:      now.Format(TimestampLayout),
		Date:           now.Format(DateLayout),
		HasAttachments: len(attachments) > 0,
		Attachments:    attachments,
	}
}

// Store 消息日志存储
type Store interface {
	// Save 按 ID upsert
	Save(ctx context.Context, r Record) error
	// Recent 最近 limit 条，时间倒序
	Recent(ctx context.Context, limit int) ([]Record, error)
	// ByDate 指定日期的记录，时间倒序
	ByDate(ctx context.Context, date string, limit int) ([]Record, error)
	// Dates 有记录的日期，倒序
	Dates(ctx context.Context) ([]string, error)
	// Search 内容子串匹配（ASCII 大小写不敏感），时间倒序
	Search(ctx context.Context, query string, limit int) ([]Record, error)
	Close() error
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

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

package gateway

import "review-gate/internal/messagelog"

// 浏览器 → 服务端消息类型
const (
	TypeResponse       = "response"
	TypeGetHistory     = "get_history"
	TypeSearchMessages = "search_messages"
	TypeUpdateSettings = "update_settings"
)

// 服务端 → 浏览器消息类型
const (
	TypeStatus          = "status"
	TypeRequest         = "request"
	TypeCountdown       = "countdown"
	TypeTimeout         = "timeout"
	TypeCancel          = "cancel"
	TypeHistoryMessages = "history_messages"
	TypeHistoryDates    = "history_dates"
	TypeSearchResults   = "search_results"
	TypeSettingsUpdated = "settings_updated"
	TypeSettingsError   = "settings_error"
	TypeError           = "error"
)

// get_history 的 request_type
const (
	HistoryRecent = "recent"
	HistoryByDate = "by_date"
	HistoryDates  = "dates"
)

// Inbound 浏览器发来的消息；按 Type 取用相应字段
type Inbound struct {
	Type string `json:"type"`

	// response
	TriggerID   string                  `json:"trigger_id,omitempty"`
	Text        string                  `json:"text,omitempty"`
	Attachments []messagelog.Attachment `json:"attachments,omitempty"`

	// get_history / search_messages
	RequestType string `json:"request_type,omitempty"`
	Date        string `json:"date,omitempty"`
	Query       string `json:"query,omitempty"`

	// update_settings
	Timeout     *int    `json:"timeout,omitempty"`
	AutoMessage *string `json:"auto_message,omitempty"`
	SaveToFile  *bool   `json:"save_to_file,omitempty"`
}

// StatusMessage 连接建立后的首条消息
type StatusMessage struct {
	Type      string `json:"type"`
	MCPActive bool   `json:"mcp_active"`
	Message   string `json:"message"`
}

// RequestMessage 新的审阅请求
type RequestMessage struct {
	Type      string `json:"type"`
	TriggerID string `json:"trigger_id"`
	Message   string `json:"message"`
	Title     string `json:"title"`
	Context   string `json:"context"`
	Urgent    bool   `json:"urgent"`
	Timeout   int    `json:"timeout"`
}

// CountdownMessage 剩余秒数
type CountdownMessage struct {
	Type      string `json:"type"`
	TriggerID string `json:"trigger_id"`
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
}

// NoticeMessage timeout / cancel 提示
type NoticeMessage struct {
	Type      string `json:"type"`
	TriggerID string `json:"trigger_id"`
}

// HistoryMessages 历史记录
type HistoryMessages struct {
	Type        string              `json:"type"`
	RequestType string              `json:"request_type"`
	Messages    []messagelog.Record `json:"messages"`
}

// HistoryDatesMessage 有记录的日期
type HistoryDatesMessage struct {
	Type  string   `json:"type"`
	Dates []string `json:"dates"`
}

// SearchResults 搜索结果
type SearchResults struct {
	Type     string              `json:"type"`
	Query    string              `json:"query"`
	Messages []messagelog.Record `json:"messages"`
}

// SettingsUpdated 设置已生效
type SettingsUpdated struct {
	Type        string `json:"type"`
	Timeout     int    `json:"timeout"`
	AutoMessage string `json:"auto_message"`
	SavedToFile bool   `json:"saved_to_file"`
	Message     string `json:"message"`
}

// ErrorMessage settings_error / error
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

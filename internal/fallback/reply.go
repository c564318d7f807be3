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

package fallback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"review-gate/internal/messagelog"
	pkgerrors "review-gate/pkg/errors"
)

// Reply 回复文件解析结果：StructuredReply 或 PlainText
type Reply interface {
	// Text 去除首尾空白后的回复文本
	Text() string
	isReply()
}

// StructuredReply JSON 对象形式的回复
type StructuredReply struct {
	TriggerID   string
	Body        string
	Attachments []messagelog.Attachment
}

func (r StructuredReply) Text() string { return r.Body }
func (StructuredReply) isReply()       {}

// PlainText 非 JSON 的整段文本回复
type PlainText string

func (p PlainText) Text() string { return strings.TrimSpace(string(p)) }
func (PlainText) isReply()       {}

// 文本字段按此顺序取第一个出现的 key
var textKeys = []string{"user_input", "response", "message"}

// ParseReply 以 '{' 开头的内容按 JSON 对象解析，否则整体视为纯文本
func ParseReply(body []byte) (Reply, error) {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return PlainText(trimmed), nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, pkgerrors.Wrap(err, "decode structured reply")
	}

	var r StructuredReply
	if v, ok := raw["trigger_id"]; ok {
		if err := json.Unmarshal(v, &r.TriggerID); err != nil {
			return nil, pkgerrors.Wrap(err, "decode trigger_id")
		}
	}
	for _, key := range textKeys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(v, &text); err != nil {
			return nil, pkgerrors.Wrapf(err, "decode %s", key)
		}
		r.Body = strings.TrimSpace(text)
		break
	}
	if v, ok := raw["attachments"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &r.Attachments); err != nil {
			return nil, pkgerrors.Wrap(err, "decode attachments")
		}
	}
	if r.Attachments == nil {
		r.Attachments = []messagelog.Attachment{}
	}
	return r, nil
}

// Matches 结构化回复携带了不同的 trigger_id 时返回 false
func Matches(r Reply, triggerID string) bool {
	s, ok := r.(StructuredReply)
	if !ok || s.TriggerID == "" {
		return true
	}
	return s.TriggerID == triggerID
}

// String 便于日志输出
func (r StructuredReply) String() string {
	return fmt.Sprintf("structured(trigger=%q, %d chars, %d attachments)", r.TriggerID, len(r.Body), len(r.Attachments))
}

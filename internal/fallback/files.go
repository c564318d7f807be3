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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type triggerData struct {
	Tool                string `json:"tool"`
	Message             string `json:"message"`
	Title               string `json:"title"`
	Context             string `json:"context"`
	Urgent              bool   `json:"urgent"`
	TriggerID           string `json:"trigger_id"`
	Timestamp           string `json:"timestamp"`
	ImmediateActivation bool   `json:"immediate_activation"`
}

func newTriggerData(req Request, now time.Time) triggerData {
	return triggerData{
		Tool:                toolName,
		Message:             req.Message,
		Title:               req.Title,
		Context:             req.Context,
		Urgent:              req.Urgent,
		TriggerID:           req.TriggerID,
		Timestamp:           now.Format(time.RFC3339Nano),
		ImmediateActivation: true,
	}
}

type triggerFile struct {
	Timestamp           string      `json:"timestamp"`
	System              string      `json:"system"`
	Editor              string      `json:"editor"`
	Data                triggerData `json:"data"`
	PID                 int         `json:"pid"`
	ActiveWindow        bool        `json:"active_window"`
	MCPIntegration      bool        `json:"mcp_integration"`
	ImmediateActivation bool        `json:"immediate_activation"`
}

type backupTriggerFile struct {
	BackupID            int         `json:"backup_id"`
	Timestamp           string      `json:"timestamp"`
	System              string      `json:"system"`
	Data                triggerData `json:"data"`
	MCPIntegration      bool        `json:"mcp_integration"`
	ImmediateActivation bool        `json:"immediate_activation"`
}

type ackFile struct {
	Acknowledged bool `json:"acknowledged"`
}

// TriggerPath 主触发文件
func (c *Channel) TriggerPath() string { return filepath.Join(c.opts.Dir, TriggerFile) }

// BackupTriggerPath 第 i 个备份触发文件
func (c *Channel) BackupTriggerPath(i int) string {
	return filepath.Join(c.opts.Dir, fmt.Sprintf(backupTriggerFmt, i))
}

// AckPath 扩展写入的确认文件
func (c *Channel) AckPath(triggerID string) string {
	return filepath.Join(c.opts.Dir, fmt.Sprintf(ackFileFmt, triggerID))
}

func (c *Channel) responsePath(triggerID string) string {
	return filepath.Join(c.opts.Dir, fmt.Sprintf(responseFileFmt, triggerID))
}

func (c *Channel) mcpResponsePath(triggerID string) string {
	return filepath.Join(c.opts.Dir, fmt.Sprintf(mcpResponseFmt, triggerID))
}

// ResponsePaths 候选回复文件，按检查顺序
func (c *Channel) ResponsePaths(triggerID string) []string {
	return []string{
		c.responsePath(triggerID),
		filepath.Join(c.opts.Dir, genericResponse),
		c.mcpResponsePath(triggerID),
		filepath.Join(c.opts.Dir, genericMCPResponse),
	}
}

// WriteAck 写确认文件（供命令行工具模拟扩展）
func WriteAck(dir, triggerID string, acknowledged bool) error {
	return writeJSONAtomic(filepath.Join(dir, fmt.Sprintf(ackFileFmt, triggerID)), ackFile{Acknowledged: acknowledged})
}

// ResponseBody 结构化回复文件内容
type ResponseBody struct {
	TriggerID   string `json:"trigger_id,omitempty"`
	UserInput   string `json:"user_input"`
	Attachments []any  `json:"attachments,omitempty"`
}

// WriteResponse 写以 trigger_id 命名的结构化回复文件（供命令行工具模拟扩展）
func WriteResponse(dir, triggerID, text string) error {
	path := filepath.Join(dir, fmt.Sprintf(responseFileFmt, triggerID))
	return writeJSONAtomic(path, ResponseBody{TriggerID: triggerID, UserInput: text})
}

// ReadTrigger 读取主触发文件中的 trigger_id；无文件时返回 os.ErrNotExist
func ReadTrigger(dir string) (string, error) {
	body, err := os.ReadFile(filepath.Join(dir, TriggerFile))
	if err != nil {
		return "", err
	}
	var t triggerFile
	if err := json.Unmarshal(body, &t); err != nil {
		return "", err
	}
	return t.Data.TriggerID, nil
}

// writeJSONAtomic 先写临时文件再 rename，读方不会看到半个文件
func writeJSONAtomic(path string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

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

// Package fallback 在浏览器不可用时通过临时目录中的约定文件与编辑器扩展交换审阅请求与回复。
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"review-gate/internal/messagelog"
	"review-gate/pkg/config"
	pkgerrors "review-gate/pkg/errors"
	"review-gate/pkg/metrics"
)

// 约定文件名
const (
	TriggerFile        = "review_gate_trigger.json"
	backupTriggerFmt   = "review_gate_trigger_%d.json"
	ackFileFmt         = "review_gate_ack_%s.json"
	responseFileFmt    = "review_gate_response_%s.json"
	genericResponse    = "review_gate_response.json"
	mcpResponseFmt     = "mcp_response_%s.json"
	genericMCPResponse = "mcp_response.json"

	systemName = "review-gate-v2"
	editorName = "cursor"
	toolName   = "review_gate_chat"
)

// 默认值
const (
	DefaultBackupCount   = 3
	DefaultAckTimeout    = 30 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultRetryInterval = 500 * time.Millisecond
)

// State 单个请求在文件通道上的阶段
type State string

const (
	StateIdle          State = "idle"
	StateTriggered     State = "triggered"
	StateAwaitingAck   State = "awaiting_ack"
	StateAwaitingInput State = "awaiting_input"
	StateComplete      State = "complete"
)

// Options 文件通道参数
type Options struct {
	Dir           string
	BackupCount   int
	AckTimeout    time.Duration
	PollInterval  time.Duration
	RetryInterval time.Duration
	// DisableWatch 只轮询，不使用 fsnotify 提前唤醒
	DisableWatch bool
}

// OptionsFromConfig 将配置转换为 Options
func OptionsFromConfig(cfg config.FallbackConfig) Options {
	return Options{
		Dir:          cfg.Dir,
		BackupCount:  cfg.BackupCount,
		AckTimeout:   config.ParseDuration(cfg.AckTimeout, DefaultAckTimeout),
		PollInterval: config.ParseDuration(cfg.PollInterval, DefaultPollInterval),
	}
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = DefaultDir()
	}
	if o.BackupCount < 0 {
		o.BackupCount = 0
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// DefaultDir 非 Windows 固定为 /tmp，扩展端按同样规则查找
func DefaultDir() string {
	if runtime.GOOS == "windows" {
		return os.TempDir()
	}
	return "/tmp"
}

// Request 写入触发文件的请求内容
type Request struct {
	TriggerID string
	Message   string
	Title     string
	Context   string
	Urgent    bool
	// OnTriggered 触发文件写入成功后调用一次
	OnTriggered func()
}

// Result 文件通道收到的回复
type Result struct {
	Text        string
	Attachments []messagelog.Attachment
	// Plain 回复来自非 JSON 文本
	Plain bool
}

// Channel 文件兜底通道
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	states   map[string]State
	triggers map[string]struct{} // 本进程发出过的 trigger_id，Cleanup 时清理其 ack/response 文件
}

// New 创建文件通道；opts 中的零值使用默认值
func New(opts Options, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:     opts.withDefaults(),
		logger:   logger,
		states:   make(map[string]State),
		triggers: make(map[string]struct{}),
	}
}

// Dir 交换目录
func (c *Channel) Dir() string { return c.opts.Dir }

// State 返回请求当前阶段；未知请求为 StateIdle
func (c *Channel) State(triggerID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[triggerID]; ok {
		return s
	}
	return StateIdle
}

func (c *Channel) setState(triggerID string, s State) {
	c.mu.Lock()
	c.states[triggerID] = s
	c.mu.Unlock()
}

// Run 发出触发文件，等待 ack，再等待回复。
// 返回前删除本请求写入的触发文件；ctx 取消时返回 ErrCancelled。
func (c *Channel) Run(ctx context.Context, req Request) (*Result, error) {
	if req.TriggerID == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "trigger id is empty")
	}
	defer func() {
		c.removeTriggers(req.TriggerID)
		c.mu.Lock()
		delete(c.states, req.TriggerID)
		c.mu.Unlock()
	}()

	if err := c.Trigger(req); err != nil {
		return nil, err
	}
	if req.OnTriggered != nil {
		req.OnTriggered()
	}

	c.setState(req.TriggerID, StateAwaitingAck)
	acked, err := c.WaitAck(ctx, req.TriggerID)
	if err != nil {
		return nil, err
	}
	if !acked {
		c.logger.Warn("未收到扩展确认，继续等待回复", "trigger_id", req.TriggerID)
	}

	c.setState(req.TriggerID, StateAwaitingInput)
	res, err := c.WaitInput(ctx, req.TriggerID)
	if err != nil {
		return nil, err
	}
	c.setState(req.TriggerID, StateComplete)
	return res, nil
}

// Trigger 写主触发文件与备份触发文件。主文件写失败即返回错误，备份失败只记录日志。
func (c *Channel) Trigger(req Request) error {
	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return pkgerrors.Wrapf(pkgerrors.ErrUnavailable, "create fallback dir: %v", err)
	}
	now := time.Now()
	data := newTriggerData(req, now)

	primary := triggerFile{
		Timestamp:           now.Format(time.RFC3339Nano),
		System:              systemName,
		Editor:              editorName,
		Data:                data,
		PID:                 os.Getpid(),
		ActiveWindow:        true,
		MCPIntegration:      true,
		ImmediateActivation: true,
	}
	if err := writeJSONAtomic(c.TriggerPath(), primary); err != nil {
		return pkgerrors.Wrapf(pkgerrors.ErrUnavailable, "write trigger file: %v", err)
	}

	c.mu.Lock()
	c.states[req.TriggerID] = StateTriggered
	c.triggers[req.TriggerID] = struct{}{}
	c.mu.Unlock()

	for i := 0; i < c.opts.BackupCount; i++ {
		backup := backupTriggerFile{
			BackupID:            i,
			Timestamp:           now.Format(time.RFC3339Nano),
			System:              systemName,
			Data:                data,
			MCPIntegration:      true,
			ImmediateActivation: true,
		}
		if err := writeJSONAtomic(c.BackupTriggerPath(i), backup); err != nil {
			c.logger.Warn("写备份触发文件失败", "index", i, "error", err)
		}
	}
	c.logger.Info("已写入触发文件", "trigger_id", req.TriggerID, "dir", c.opts.Dir)
	return nil
}

// WaitAck 等待 ack 文件，看到即删除。
// 确认为 true 返回 true；超时返回 false；ctx 取消返回 ErrCancelled。
func (c *Channel) WaitAck(ctx context.Context, triggerID string) (bool, error) {
	path := c.AckPath(triggerID)
	deadline := time.Now().Add(c.opts.AckTimeout)
	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	w := c.watch()
	defer w.close()

	for {
		delay := c.opts.PollInterval
		body, err := os.ReadFile(path)
		switch {
		case err == nil:
			_ = os.Remove(path)
			var ack ackFile
			if jerr := json.Unmarshal(body, &ack); jerr != nil {
				c.logger.Warn("ack 文件解析失败", "path", path, "error", jerr)
				delay = c.opts.RetryInterval
			} else if ack.Acknowledged {
				c.logger.Info("扩展已确认", "trigger_id", triggerID)
				return true, nil
			}
		case !errors.Is(err, fs.ErrNotExist):
			c.logger.Warn("读取 ack 文件失败", "path", path, "error", err)
			delay = c.opts.RetryInterval
		}

		if !time.Now().Before(deadline) {
			metrics.FallbackAckTimeoutTotal.Inc()
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, pkgerrors.Wrapf(pkgerrors.ErrCancelled, "wait ack: %v", ctx.Err())
		case <-timer.C:
		case <-w.events:
		case <-time.After(delay):
		}
	}
}

// WaitInput 按顺序轮询回复文件，直到取得非空回复或 ctx 结束。
func (c *Channel) WaitInput(ctx context.Context, triggerID string) (*Result, error) {
	paths := c.ResponsePaths(triggerID)

	w := c.watch()
	defer w.close()

	for {
		delay := c.opts.PollInterval
		for _, path := range paths {
			res, retry := c.consume(path, triggerID)
			if res != nil {
				return res, nil
			}
			if retry {
				delay = c.opts.RetryInterval
			}
		}
		select {
		case <-ctx.Done():
			return nil, pkgerrors.Wrapf(pkgerrors.ErrCancelled, "wait input: %v", ctx.Err())
		case <-w.events:
		case <-time.After(delay):
		}
	}
}

// consume 处理一个候选回复文件。
// 已接受且非空时返回结果；retry 表示出现读取或解析错误。
func (c *Channel) consume(path, triggerID string) (res *Result, retry bool) {
	body, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("读取回复文件失败", "path", path, "error", err)
			return nil, true
		}
		return nil, false
	}

	reply, err := ParseReply(body)
	if err != nil {
		// 可能是写了一半的文件，保留待下次读取
		c.logger.Warn("回复文件解析失败", "path", path, "error", err)
		return nil, true
	}
	if !Matches(reply, triggerID) {
		return nil, false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("删除回复文件失败", "path", path, "error", err)
	}

	text := reply.Text()
	if text == "" {
		c.logger.Debug("忽略空回复", "path", path)
		return nil, false
	}
	out := &Result{Text: text, Attachments: []messagelog.Attachment{}}
	switch r := reply.(type) {
	case StructuredReply:
		out.Attachments = r.Attachments
	case PlainText:
		out.Plain = true
	}
	c.logger.Info("收到文件回复", "trigger_id", triggerID, "path", filepath.Base(path), "plain", out.Plain)
	return out, false
}

// Cleanup 删除所有触发文件以及本进程发出过的请求对应的 ack/response 文件。不存在的文件忽略。
func (c *Channel) Cleanup() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.triggers))
	for id := range c.triggers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	paths := []string{c.TriggerPath()}
	for i := 0; i < c.opts.BackupCount; i++ {
		paths = append(paths, c.BackupTriggerPath(i))
	}
	for _, id := range ids {
		paths = append(paths, c.AckPath(id), c.responsePath(id), c.mcpResponsePath(id))
	}

	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.triggers, id)
	}
	c.mu.Unlock()
	return errors.Join(errs...)
}

// removeTriggers 只删除仍属于 triggerID 的触发文件，后发出的请求不受影响
func (c *Channel) removeTriggers(triggerID string) {
	paths := []string{c.TriggerPath()}
	for i := 0; i < c.opts.BackupCount; i++ {
		paths = append(paths, c.BackupTriggerPath(i))
	}
	for _, p := range paths {
		body, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var probe struct {
			Data triggerData `json:"data"`
		}
		if json.Unmarshal(body, &probe) == nil && probe.Data.TriggerID != triggerID {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("删除触发文件失败", "path", p, "error", err)
		}
	}
}

// watcher 目录变化时提前唤醒轮询；不可用时 events 为 nil，仅靠轮询
type watcher struct {
	fw     *fsnotify.Watcher
	events chan struct{}
	done   chan struct{}
}

func (c *Channel) watch() *watcher {
	w := &watcher{}
	if c.opts.DisableWatch {
		return w
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Debug("fsnotify 不可用，退回轮询", "error", err)
		return w
	}
	if err := fw.Add(c.opts.Dir); err != nil {
		_ = fw.Close()
		c.logger.Debug("无法监听目录，退回轮询", "dir", c.opts.Dir, "error", err)
		return w
	}
	w.fw = fw
	w.events = make(chan struct{}, 1)
	w.done = make(chan struct{})
	go func() {
		for {
			select {
			case <-w.done:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
					select {
					case w.events <- struct{}{}:
					default:
					}
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w
}

func (w *watcher) close() {
	if w.fw == nil {
		return
	}
	close(w.done)
	_ = w.fw.Close()
}

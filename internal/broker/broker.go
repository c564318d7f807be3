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

// Package broker 会合点：agent 提交审阅请求后阻塞，直到某个浏览器会话给出回复。
// 同一时刻只有一个"当前请求"；回复按 trigger_id 匹配，先到者胜。
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"review-gate/internal/messagelog"
	pkgerrors "review-gate/pkg/errors"
	"review-gate/pkg/metrics"
)

// SubmitRequest 提交参数；DisplayTimeout 为浏览器倒计时秒数（仅展示用）
type SubmitRequest struct {
	TriggerID      string
	Message        string
	Title          string
	Context        string
	Urgent         bool
	DisplayTimeout int
}

// Reply 用户回复
type Reply struct {
	Text        string
	Attachments []messagelog.Attachment
}

// PendingRequest 当前请求的只读快照
type PendingRequest struct {
	TriggerID string
	Message   string
	Title     string
	Context   string
	Urgent    bool
	CreatedAt time.Time
}

// NoticeKind 提示类通知
type NoticeKind string

const (
	NoticeTimeout NoticeKind = "timeout"
	NoticeCancel  NoticeKind = "cancel"
)

// Notifier 把 broker 事件推给浏览器会话；实现方负责序列化与广播
type Notifier interface {
	// Announce 通知新请求；defaultTimeout 为调用方给出的展示超时，会话自身配置优先
	Announce(ctx context.Context, req PendingRequest, defaultTimeout int)
	Countdown(ctx context.Context, triggerID string, remaining, total int)
	Notice(ctx context.Context, kind NoticeKind, triggerID string)
}

// pending 一个被跟踪的请求，带单次写入的结果槽
type pending struct {
	snapshot PendingRequest
	result   chan Reply // 容量 1
	aborted  chan struct{}
	once     sync.Once
	resolved bool // 受 Broker.mu 保护
}

func (p *pending) abort() {
	p.once.Do(func() { close(p.aborted) })
}

// Option Broker 选项
type Option func(*Broker)

// WithTickInterval 倒计时步长，默认 1s
func WithTickInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.tick = d
		}
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// Broker 会合代理
type Broker struct {
	mu       sync.Mutex
	tracked  map[string]*pending
	current  *pending
	notifier Notifier

	store  messagelog.Store
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time
}

// New 创建 Broker；store 为 nil 时不记录日志
func New(store messagelog.Store, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		tracked: make(map[string]*pending),
		store:   store,
		logger:  logger,
		tick:    time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetNotifier 注入通知方（网关创建后回填）
func (b *Broker) SetNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

func (b *Broker) getNotifier() Notifier {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifier
}

// Submit 登记请求为当前请求、写系统记录、通知会话并阻塞等待回复。
// ctx 取消或 CancelAll 时返回 ErrCancelled；同一 trigger_id 仍在跟踪时返回 ErrDuplicateTrigger。
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (*Reply, error) {
	if req.TriggerID == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "trigger_id is required")
	}
	now := b.now()
	p := &pending{
		snapshot: PendingRequest{
			TriggerID: req.TriggerID,
			Message:   req.Message,
			Title:     req.Title,
			Context:   req.Context,
			Urgent:    req.Urgent,
			CreatedAt: now,
		},
		result:  make(chan Reply, 1),
		aborted: make(chan struct{}),
	}

	b.mu.Lock()
	if _, dup := b.tracked[req.TriggerID]; dup {
		b.mu.Unlock()
		return nil, pkgerrors.Wrapf(pkgerrors.ErrDuplicateTrigger, "submit %s", req.TriggerID)
	}
	b.tracked[req.TriggerID] = p
	b.current = p
	notifier := b.notifier
	b.mu.Unlock()
	defer b.untrack(p)

	b.logger.Info("审阅请求已登记", "trigger_id", req.TriggerID, "title", req.Title, "urgent", req.Urgent)
	b.appendRecord(ctx, messagelog.NewRecord(req.TriggerID, messagelog.KindSystem, req.Message, nil, now))

	tickCtx, stopTicker := context.WithCancel(ctx)
	defer stopTicker()
	if notifier != nil {
		notifier.Announce(ctx, p.snapshot, req.DisplayTimeout)
		go b.countdown(tickCtx, notifier, req.TriggerID, req.DisplayTimeout)
	}

	select {
	case r := <-p.result:
		return &r, nil
	case <-p.aborted:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrCancelled, "request %s aborted", req.TriggerID)
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w: %w", req.TriggerID, pkgerrors.ErrCancelled, ctx.Err())
	}
}

// untrack Submit 返回时调用：移除跟踪，若仍是当前请求则清空
func (b *Broker) untrack(p *pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tracked[p.snapshot.TriggerID] == p {
		delete(b.tracked, p.snapshot.TriggerID)
	}
	if b.current == p {
		b.current = nil
	}
}

// Resolve 仅当 triggerID 与当前请求匹配且尚未完成时生效，返回是否被接受。
// 接受时先写用户记录（text 非空），再唤醒 Submit。
func (b *Broker) Resolve(ctx context.Context, triggerID, text string, attachments []messagelog.Attachment) bool {
	b.mu.Lock()
	p := b.current
	if p == nil || p.snapshot.TriggerID != triggerID || p.resolved {
		b.mu.Unlock()
		metrics.ResolveTotal.WithLabelValues("rejected").Inc()
		b.logger.Debug("忽略不匹配的回复", "trigger_id", triggerID)
		return false
	}
	p.resolved = true
	b.current = nil
	b.mu.Unlock()

	if text != "" {
		b.appendRecord(ctx, messagelog.NewRecord(triggerID, messagelog.KindUser, text, attachments, b.now()))
	}
	p.result <- Reply{Text: text, Attachments: attachments}
	metrics.ResolveTotal.WithLabelValues("accepted").Inc()
	b.logger.Info("审阅请求已完成", "trigger_id", triggerID, "attachments", len(attachments))
	return true
}

// Cancel 向会话广播取消提示；不影响等待中的 Submit
func (b *Broker) Cancel(ctx context.Context, triggerID string) {
	if n := b.getNotifier(); n != nil {
		n.Notice(ctx, NoticeCancel, triggerID)
	}
}

// NotifyTimeout 向会话广播超时提示；不影响等待中的 Submit
func (b *Broker) NotifyTimeout(ctx context.Context, triggerID string) {
	if n := b.getNotifier(); n != nil {
		n.Notice(ctx, NoticeTimeout, triggerID)
	}
}

// Current 当前请求快照
func (b *Broker) Current() (PendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return PendingRequest{}, false
	}
	return b.current.snapshot, true
}

// Tracked 仍在等待的请求数
func (b *Broker) Tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tracked)
}

// CancelAll 关闭时唤醒所有等待中的 Submit
func (b *Broker) CancelAll() {
	b.mu.Lock()
	all := make([]*pending, 0, len(b.tracked))
	for _, p := range b.tracked {
		all = append(all, p)
	}
	b.mu.Unlock()
	for _, p := range all {
		p.abort()
	}
}

func (b *Broker) appendRecord(ctx context.Context, r messagelog.Record) {
	if b.store == nil {
		return
	}
	if err := b.store.Save(ctx, r); err != nil {
		b.logger.Warn("写入消息日志失败", "id", r.ID, "error", err)
	}
}

// ShouldBroadcastCountdown 剩余 30 秒内每秒广播，之前每 10 秒一次
func ShouldBroadcastCountdown(remaining int) bool {
	return remaining <= 30 || remaining%10 == 0
}

// countdown 每个 tick 递减一次剩余秒数；归零时发一次超时提示后退出
func (b *Broker) countdown(ctx context.Context, n Notifier, triggerID string, total int) {
	if total <= 0 {
		return
	}
	t := time.NewTicker(b.tick)
	defer t.Stop()
	for remaining := total; remaining > 0; {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		remaining--
		if ShouldBroadcastCountdown(remaining) {
			n.Countdown(ctx, triggerID, remaining, total)
		}
	}
	n.Notice(ctx, NoticeTimeout, triggerID)
}

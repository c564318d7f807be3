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

// Package review 是 agent 侧入口：把 review_gate_chat 工具调用路由到浏览器会话或文件兜底通道，并格式化结果。
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"review-gate/internal/broker"
	"review-gate/internal/fallback"
	"review-gate/internal/messagelog"
	"review-gate/internal/settings"
	pkgerrors "review-gate/pkg/errors"
	"review-gate/pkg/metrics"
	"review-gate/pkg/tracing"
)

// ToolName agent 可调用的唯一工具
const ToolName = "review_gate_chat"

// 参数默认值
const (
	DefaultMessage = "Please provide your review or feedback:"
	DefaultTitle   = "Review Gate V2"
)

// 固定结果文本
const (
	TimeoutText        = "TIMEOUT: No user input received"
	TriggerFailedText  = "ERROR: Failed to trigger Review Gate popup"
	userResponsePrefix = "User Response: "
)

// 通道名，用于日志、指标与 span
const (
	ChannelGateway  = "gateway"
	ChannelFallback = "fallback"
)

// Args review_gate_chat 参数
type Args struct {
	Message   string `json:"message"`
	Title     string `json:"title"`
	Context   string `json:"context"`
	Urgent    bool   `json:"urgent"`
	TriggerID string `json:"trigger_id,omitempty"`
}

// ArgsFromMap 从 MCP/HTTP 传入的松散参数构造 Args；类型不符的字段按缺省处理
func ArgsFromMap(m map[string]any) Args {
	var a Args
	if v, ok := m["message"].(string); ok {
		a.Message = v
	}
	if v, ok := m["title"].(string); ok {
		a.Title = v
	}
	if v, ok := m["context"].(string); ok {
		a.Context = v
	}
	switch v := m["urgent"].(type) {
	case bool:
		a.Urgent = v
	case string:
		a.Urgent = strings.EqualFold(v, "true")
	}
	if v, ok := m["trigger_id"].(string); ok {
		a.TriggerID = v
	}
	return a
}

func (a Args) withDefaults(now time.Time) Args {
	if a.Message == "" {
		a.Message = DefaultMessage
	}
	if a.Title == "" {
		a.Title = DefaultTitle
	}
	if a.TriggerID == "" {
		a.TriggerID = fmt.Sprintf("review_%d", now.UnixMilli())
	}
	return a
}

// Content 结果中的一段内容：text 或 image
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result 工具调用结果
type Result struct {
	Content   []Content `json:"content"`
	IsError   bool      `json:"isError,omitempty"`
	TriggerID string    `json:"trigger_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
}

// Text 拼接所有文本内容
func (r *Result) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func textResult(text string, isError bool) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}, IsError: isError}
}

func replyResult(text string, attachments []messagelog.Attachment) *Result {
	res := textResult(userResponsePrefix+text, false)
	for _, a := range attachments {
		if a.IsImage() {
			res.Content = append(res.Content, Content{Type: "image", Data: a.Base64Data, MimeType: a.MimeType})
		}
	}
	return res
}

// Submitter 浏览器路径的会合点
type Submitter interface {
	Submit(ctx context.Context, req broker.SubmitRequest) (*broker.Reply, error)
}

// Sessions 在线会话计数
type Sessions interface {
	Count() int
}

// Fallback 文件兜底通道
type Fallback interface {
	Run(ctx context.Context, req fallback.Request) (*fallback.Result, error)
}

// Service agent 侧入口
type Service struct {
	broker   Submitter
	sessions Sessions
	fallback Fallback
	settings settings.Store
	messages messagelog.Store
	logger   *slog.Logger
	now      func() time.Time

	webRunning atomic.Bool
}

// New 创建服务。sessions 为 nil 时始终走文件通道；messages 可为 nil
func New(b Submitter, sessions Sessions, fb Fallback, st settings.Store, messages messagelog.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		broker:   b,
		sessions: sessions,
		fallback: fb,
		settings: st,
		messages: messages,
		logger:   logger,
		now:      time.Now,
	}
}

// SetWebRunning 由 App 在 HTTP 服务启动成功/停止后设置
func (s *Service) SetWebRunning(running bool) { s.webRunning.Store(running) }

// WebRunning 浏览器服务是否在运行
func (s *Service) WebRunning() bool { return s.webRunning.Load() }

// loadSettings 读取失败时使用默认值继续
func (s *Service) loadSettings(ctx context.Context) settings.Settings {
	if s.settings == nil {
		return settings.Defaults()
	}
	st, err := s.settings.Load(ctx)
	if err != nil {
		s.logger.Warn("读取设置失败，使用默认值", "error", err)
		if st.Timeout == 0 {
			st = settings.Defaults()
		}
	}
	return st
}

// Channel 当前调用会走的通道
func (s *Service) Channel(ctx context.Context) string {
	return s.channelFor(s.loadSettings(ctx))
}

func (s *Service) channelFor(st settings.Settings) string {
	if st.UseWebInterface && s.WebRunning() && s.broker != nil && s.sessions != nil && s.sessions.Count() > 0 {
		return ChannelGateway
	}
	return ChannelFallback
}

// RequestReview 发起一次审阅并阻塞等待回复。
// 取消返回 TIMEOUT 结果；文件通道触发失败返回错误结果；其余错误（如重复 trigger_id）以 error 返回。
func (s *Service) RequestReview(ctx context.Context, args Args) (*Result, error) {
	start := s.now()
	args = args.withDefaults(start)
	st := s.loadSettings(ctx)
	channel := s.channelFor(st)

	ctx, span := tracing.StartReviewSpan(ctx, args.TriggerID, channel)
	metrics.ReviewRequestsTotal.WithLabelValues(channel).Inc()
	s.logger.Info("收到审阅请求", "trigger_id", args.TriggerID, "channel", channel, "title", args.Title)

	var (
		res *Result
		err error
	)
	if channel == ChannelGateway {
		res, err = s.viaGateway(ctx, args, st.Timeout)
	} else {
		res, err = s.viaFallback(ctx, args)
	}

	outcome := "replied"
	switch {
	case err != nil:
		outcome = "error"
	case res.IsError:
		outcome = "failed"
	case res.Text() == TimeoutText:
		outcome = "cancelled"
	}
	metrics.ReviewWaitDuration.WithLabelValues(channel, outcome).Observe(s.now().Sub(start).Seconds())
	tracing.EndSpan(span, err)

	if err != nil {
		return nil, err
	}
	res.TriggerID = args.TriggerID
	res.Channel = channel
	return res, nil
}

func (s *Service) viaGateway(ctx context.Context, args Args, displayTimeout int) (*Result, error) {
	reply, err := s.broker.Submit(ctx, broker.SubmitRequest{
		TriggerID:      args.TriggerID,
		Message:        args.Message,
		Title:          args.Title,
		Context:        args.Context,
		Urgent:         args.Urgent,
		DisplayTimeout: displayTimeout,
	})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrCancelled) {
			s.logger.Warn("审阅请求未收到回复", "trigger_id", args.TriggerID, "error", err)
			return textResult(TimeoutText, false), nil
		}
		return nil, err
	}
	return replyResult(reply.Text, reply.Attachments), nil
}

func (s *Service) viaFallback(ctx context.Context, args Args) (*Result, error) {
	if s.fallback == nil {
		return textResult(TriggerFailedText, true), nil
	}
	out, err := s.fallback.Run(ctx, fallback.Request{
		TriggerID: args.TriggerID,
		Message:   args.Message,
		Title:     args.Title,
		Context:   args.Context,
		Urgent:    args.Urgent,
		// 触发文件写失败时不留 system 记录
		OnTriggered: func() {
			s.appendRecord(ctx, messagelog.NewRecord(args.TriggerID, messagelog.KindSystem, args.Message, nil, s.now()))
		},
	})
	switch {
	case err == nil:
	case pkgerrors.Is(err, pkgerrors.ErrCancelled):
		s.logger.Warn("文件通道未收到回复", "trigger_id", args.TriggerID, "error", err)
		return textResult(TimeoutText, false), nil
	case pkgerrors.Is(err, pkgerrors.ErrUnavailable):
		s.logger.Error("写入触发文件失败", "trigger_id", args.TriggerID, "error", err)
		return textResult(TriggerFailedText, true), nil
	default:
		return nil, err
	}

	kind := messagelog.KindUser
	if out.Plain {
		kind = messagelog.KindPlain
	}
	s.appendRecord(ctx, messagelog.NewRecord(args.TriggerID, kind, out.Text, out.Attachments, s.now()))
	return replyResult(out.Text, out.Attachments), nil
}

func (s *Service) appendRecord(ctx context.Context, r messagelog.Record) {
	if s.messages == nil {
		return
	}
	if err := s.messages.Save(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Warn("写消息日志失败", "id", r.ID, "error", err)
	}
}

// CallTool 按名称调用工具；任何失败都以错误结果返回，不返回 error
func (s *Service) CallTool(ctx context.Context, name string, arguments map[string]any) *Result {
	ctx, span := tracing.StartToolSpan(ctx, name)

	var (
		res *Result
		err error
	)
	if name != ToolName {
		err = pkgerrors.Wrapf(pkgerrors.ErrUnknownTool, "%s", name)
	} else {
		res, err = s.RequestReview(ctx, ArgsFromMap(arguments))
	}
	tracing.EndSpan(span, err)

	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Error("工具调用失败", "tool", name, "error", err)
		return textResult(fmt.Sprintf("ERROR: Tool %s failed: %s", name, toolErrorText(name, err)), true)
	}
	metrics.ToolCallsTotal.WithLabelValues(name, "ok").Inc()
	return res
}

func toolErrorText(name string, err error) string {
	if pkgerrors.Is(err, pkgerrors.ErrUnknownTool) {
		return "unknown tool: " + name
	}
	return err.Error()
}

// ToolSpec 工具描述，供各传输层注册
type ToolSpec struct {
	Name        string
	Description string
	Params      []ParamSpec
}

// ParamSpec 单个参数
type ParamSpec struct {
	Name        string
	Type        string // string | boolean
	Description string
	Default     any
}

// ToolSpecs 对外暴露的工具列表
func ToolSpecs() []ToolSpec {
	return []ToolSpec{{
		Name:        ToolName,
		Description: "Open Review Gate chat for the user to review the current work and reply with text or images. Blocks until the user answers.",
		Params: []ParamSpec{
			{Name: "message", Type: "string", Description: "Message shown to the user", Default: DefaultMessage},
			{Name: "title", Type: "string", Description: "Title of the review popup", Default: DefaultTitle},
			{Name: "context", Type: "string", Description: "Additional context about the work under review", Default: ""},
			{Name: "urgent", Type: "boolean", Description: "Mark the request as urgent", Default: false},
		},
	}}
}

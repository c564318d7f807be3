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

// Package gateway 管理浏览器会话：广播 broker 事件、补发当前请求、分发会话消息。
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"review-gate/internal/broker"
	"review-gate/internal/messagelog"
	"review-gate/internal/settings"
	"review-gate/pkg/metrics"
)

// Conn 会话传输；WriteJSON 失败视为会话已断开
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Resolver broker 中网关用到的部分
type Resolver interface {
	Resolve(ctx context.Context, triggerID, text string, attachments []messagelog.Attachment) bool
	Current() (broker.PendingRequest, bool)
}

// Session 一个已连接的浏览器
type Session struct {
	ID          string
	ConnectedAt time.Time

	conn    Conn
	writeMu sync.Mutex
	// 已发送过 request 的 trigger_id，受 writeMu 保护
	announced string

	mu          sync.Mutex
	timeout     int // 0 表示未设置
	autoMessage string
}

// Timeout 会话自身配置的超时；未设置时 ok 为 false
func (s *Session) Timeout() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout, s.timeout > 0
}

// AutoMessage 会话自身配置的自动回复
func (s *Session) AutoMessage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoMessage, s.autoMessage != ""
}

func (s *Session) setOverrides(timeout int, autoMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	s.autoMessage = autoMessage
}

// send 同一会话的写入串行化
func (s *Session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// sendRequest 同一 trigger_id 只向会话发送一次 request；补发与广播交错时后到的一方跳过
func (s *Session) sendRequest(msg RequestMessage) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.announced == msg.TriggerID {
		return false, nil
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return false, err
	}
	s.announced = msg.TriggerID
	return true, nil
}

// Option Gateway 选项
type Option func(*Gateway)

// WithMCPActive 设置 status 消息中的 mcp_active，默认 true
func WithMCPActive(active bool) Option {
	return func(g *Gateway) { g.mcpActive = active }
}

// Gateway 会话网关；实现 broker.Notifier
type Gateway struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	broker    Resolver
	settings  settings.Store
	messages  messagelog.Store
	logger    *slog.Logger
	mcpActive bool
}

var _ broker.Notifier = (*Gateway)(nil)

// New 创建网关；调用方需把返回值通过 broker.SetNotifier 注册
func New(b Resolver, st settings.Store, messages messagelog.Store, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		sessions:  make(map[string]*Session),
		broker:    b,
		settings:  st,
		messages:  messages,
		logger:    logger,
		mcpActive: true,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// OnConnect 登记会话，发送 status；若有当前请求，按会话超时补发一次 request
func (g *Gateway) OnConnect(ctx context.Context, conn Conn) *Session {
	s := &Session{ID: uuid.NewString(), ConnectedAt: time.Now(), conn: conn}

	g.mu.Lock()
	g.sessions[s.ID] = s
	n := len(g.sessions)
	g.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
	g.logger.Info("浏览器会话已连接", "session", s.ID, "sessions", n)

	if err := s.send(StatusMessage{
		Type:      TypeStatus,
		MCPActive: g.mcpActive,
		Message:   "Connected to Review Gate V2 Web Server",
	}); err != nil {
		g.drop(s, err)
		return s
	}

	if cur, ok := g.broker.Current(); ok {
		timeout := g.sessionTimeout(ctx, s, 0)
		sent, err := s.sendRequest(requestMessage(cur, timeout))
		if err != nil {
			g.drop(s, err)
			return s
		}
		if sent {
			g.logger.Info("补发当前请求", "session", s.ID, "trigger_id", cur.TriggerID, "timeout", timeout)
		}
	}
	return s
}

// OnDisconnect 移除会话（可重复调用）
func (g *Gateway) OnDisconnect(s *Session) {
	if s == nil {
		return
	}
	g.mu.Lock()
	_, existed := g.sessions[s.ID]
	delete(g.sessions, s.ID)
	n := len(g.sessions)
	g.mu.Unlock()
	if existed {
		metrics.SessionsActive.Set(float64(n))
		g.logger.Info("浏览器会话已断开", "session", s.ID, "sessions", n)
	}
}

// Count 当前会话数
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// CloseAll 关闭并移除全部会话
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	all := g.sessions
	g.sessions = make(map[string]*Session)
	g.mu.Unlock()
	for _, s := range all {
		_ = s.conn.Close()
	}
	metrics.SessionsActive.Set(0)
}

func (g *Gateway) snapshot() []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// drop 发送失败的会话直接移除
func (g *Gateway) drop(s *Session, err error) {
	g.logger.Warn("会话发送失败，移除", "session", s.ID, "error", err)
	metrics.BroadcastDroppedTotal.Inc()
	g.OnDisconnect(s)
	_ = s.conn.Close()
}

// Broadcast 尽力发送给所有会话，失败的会话被移除；返回成功发送数
func (g *Gateway) Broadcast(ctx context.Context, msg any) int {
	return g.broadcastEach(func(*Session) any { return msg })
}

func (g *Gateway) broadcastEach(build func(*Session) any) int {
	sent := 0
	for _, s := range g.snapshot() {
		if err := s.send(build(s)); err != nil {
			g.drop(s, err)
			continue
		}
		sent++
	}
	return sent
}

// sessionTimeout 会话自身超时优先，其次 fallback（>0 时），最后是设置存储
func (g *Gateway) sessionTimeout(ctx context.Context, s *Session, fallback int) int {
	if t, ok := s.Timeout(); ok {
		return t
	}
	if fallback > 0 {
		return fallback
	}
	if g.settings != nil {
		if st, err := g.settings.Load(ctx); err == nil {
			return st.Timeout
		}
	}
	return settings.DefaultTimeout
}

func requestMessage(req broker.PendingRequest, timeout int) RequestMessage {
	return RequestMessage{
		Type:      TypeRequest,
		TriggerID: req.TriggerID,
		Message:   req.Message,
		Title:     req.Title,
		Context:   req.Context,
		Urgent:    req.Urgent,
		Timeout:   timeout,
	}
}

// Announce 实现 broker.Notifier：每个会话收到带自身超时的 request
func (g *Gateway) Announce(ctx context.Context, req broker.PendingRequest, defaultTimeout int) {
	sent := 0
	for _, s := range g.snapshot() {
		ok, err := s.sendRequest(requestMessage(req, g.sessionTimeout(ctx, s, defaultTimeout)))
		if err != nil {
			g.drop(s, err)
			continue
		}
		if ok {
			sent++
		}
	}
	g.logger.Info("审阅请求已广播", "trigger_id", req.TriggerID, "sessions", sent)
}

// Countdown 实现 broker.Notifier
func (g *Gateway) Countdown(ctx context.Context, triggerID string, remaining, total int) {
	g.Broadcast(ctx, CountdownMessage{Type: TypeCountdown, TriggerID: triggerID, Remaining: remaining, Total: total})
}

// Notice 实现 broker.Notifier
func (g *Gateway) Notice(ctx context.Context, kind broker.NoticeKind, triggerID string) {
	typ := TypeTimeout
	if kind == broker.NoticeCancel {
		typ = TypeCancel
	}
	g.Broadcast(ctx, NoticeMessage{Type: typ, TriggerID: triggerID})
}

// OnMessage 解析并分发一条会话消息；未知类型忽略
func (g *Gateway) OnMessage(ctx context.Context, s *Session, payload []byte) {
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		g.logger.Warn("会话消息不是合法 JSON", "session", s.ID, "error", err)
		return
	}
	switch in.Type {
	case TypeResponse:
		g.handleResponse(ctx, s, in)
	case TypeGetHistory:
		g.handleHistory(ctx, s, in)
	case TypeSearchMessages:
		g.handleSearch(ctx, s, in)
	case TypeUpdateSettings:
		g.handleSettings(ctx, s, in)
	default:
		g.logger.Debug("忽略未知会话消息", "session", s.ID, "type", in.Type)
	}
}

func (g *Gateway) reply(s *Session, msg any) {
	if err := s.send(msg); err != nil {
		g.drop(s, err)
	}
}

func (g *Gateway) handleResponse(ctx context.Context, s *Session, in Inbound) {
	preview := in.Text
	if r := []rune(preview); len(r) > 100 {
		preview = string(r[:100])
	}
	g.logger.Info("收到会话回复", "session", s.ID, "trigger_id", in.TriggerID, "text", preview, "attachments", len(in.Attachments))
	if !g.broker.Resolve(ctx, in.TriggerID, in.Text, in.Attachments) {
		g.logger.Info("回复未匹配当前请求", "trigger_id", in.TriggerID)
	}
}

func nonNilRecords(r []messagelog.Record) []messagelog.Record {
	if r == nil {
		return []messagelog.Record{}
	}
	return r
}

func (g *Gateway) handleHistory(ctx context.Context, s *Session, in Inbound) {
	requestType := in.RequestType
	if requestType == "" {
		requestType = HistoryRecent
	}
	var (
		recs []messagelog.Record
		err  error
	)
	switch requestType {
	case HistoryDates:
		dates, err := g.messages.Dates(ctx)
		if err != nil {
			g.logger.Error("读取历史日期失败", "error", err)
			g.reply(s, ErrorMessage{Type: TypeError, Message: "Failed to retrieve history"})
			return
		}
		if dates == nil {
			dates = []string{}
		}
		g.reply(s, HistoryDatesMessage{Type: TypeHistoryDates, Dates: dates})
		return
	case HistoryByDate:
		if in.Date != "" {
			recs, err = g.messages.ByDate(ctx, in.Date, messagelog.DefaultDateLimit)
		}
	default:
		recs, err = g.messages.Recent(ctx, messagelog.DefaultRecentLimit)
	}
	if err != nil {
		g.logger.Error("读取历史失败", "request_type", requestType, "error", err)
		g.reply(s, ErrorMessage{Type: TypeError, Message: "Failed to retrieve history"})
		return
	}
	g.reply(s, HistoryMessages{Type: TypeHistoryMessages, RequestType: requestType, Messages: nonNilRecords(recs)})
}

func (g *Gateway) handleSearch(ctx context.Context, s *Session, in Inbound) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		g.reply(s, SearchResults{Type: TypeSearchResults, Query: query, Messages: []messagelog.Record{}})
		return
	}
	recs, err := g.messages.Search(ctx, query, messagelog.DefaultSearchLimit)
	if err != nil {
		g.logger.Error("搜索消息失败", "query", query, "error", err)
		g.reply(s, ErrorMessage{Type: TypeError, Message: "Failed to search messages"})
		return
	}
	g.reply(s, SearchResults{Type: TypeSearchResults, Query: query, Messages: nonNilRecords(recs)})
}

func (g *Gateway) handleSettings(ctx context.Context, s *Session, in Inbound) {
	timeout := settings.DefaultTimeout
	if in.Timeout != nil {
		timeout = *in.Timeout
	}
	autoMessage := settings.DefaultAutoMessage
	if in.AutoMessage != nil {
		autoMessage = *in.AutoMessage
	}
	saveToFile := in.SaveToFile == nil || *in.SaveToFile

	if err := settings.ValidateTimeout(timeout); err != nil {
		g.reply(s, ErrorMessage{
			Type:    TypeSettingsError,
			Message: fmt.Sprintf("Timeout must be between %d and %d seconds", settings.MinTimeout, settings.MaxTimeout),
		})
		return
	}

	if saveToFile && g.settings != nil {
		if err := g.persist(ctx, timeout, autoMessage); err != nil {
			g.logger.Error("保存设置失败", "error", err)
			g.reply(s, ErrorMessage{Type: TypeSettingsError, Message: "Failed to update settings"})
			return
		}
		g.logger.Info("设置已写入文件", "timeout", timeout)
	}
	// 保存失败时会话保持原配置
	s.setOverrides(timeout, autoMessage)

	g.reply(s, SettingsUpdated{
		Type:        TypeSettingsUpdated,
		Timeout:     timeout,
		AutoMessage: autoMessage,
		SavedToFile: saveToFile,
		Message:     fmt.Sprintf("Settings updated: timeout=%ds, auto_message=%q", timeout, autoMessage),
	})
}

// updater FileStore 提供的原子读改写
type updater interface {
	Update(ctx context.Context, fn func(*settings.Settings)) (settings.Settings, error)
}

func (g *Gateway) persist(ctx context.Context, timeout int, autoMessage string) error {
	apply := func(st *settings.Settings) {
		st.Timeout = timeout
		st.AutoMessage = autoMessage
	}
	if u, ok := g.settings.(updater); ok {
		_, err := u.Update(ctx, apply)
		return err
	}
	st, err := g.settings.Load(ctx)
	if err != nil {
		st = settings.Defaults()
	}
	apply(&st)
	return g.settings.Save(ctx, st)
}

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

package http

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"review-gate/internal/broker"
	"review-gate/internal/gateway"
	"review-gate/internal/review"
	"review-gate/internal/settings"
	pkgerrors "review-gate/pkg/errors"
	"review-gate/pkg/metrics"
)

//go:embed static/index.html
var indexHTML []byte

// Pending 当前审阅请求
type Pending interface {
	Current() (broker.PendingRequest, bool)
}

// Handler HTTP 处理器
type Handler struct {
	pending  Pending
	gateway  *gateway.Gateway
	settings settings.Store
	review   *review.Service
	started  time.Time

	// baseCtx 会话生命周期上下文；请求上下文在 websocket 升级后不再可用
	baseCtx context.Context
}

// NewHandler 创建处理器；review 为 nil 时 /api/review 与工具调用返回 503
func NewHandler(pending Pending, gw *gateway.Gateway, st settings.Store, svc *review.Service) *Handler {
	return &Handler{
		pending:  pending,
		gateway:  gw,
		settings: st,
		review:   svc,
		started:  time.Now(),
		baseCtx:  context.Background(),
	}
}

// SetBaseContext 设置会话使用的根上下文（App 关闭时取消）
func (h *Handler) SetBaseContext(ctx context.Context) {
	h.baseCtx = ctx
}

// Index 浏览器页面
func (h *Handler) Index(c context.Context, ctx *app.RequestContext) {
	ctx.Data(consts.StatusOK, "text/html; charset=utf-8", indexHTML)
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "review-gate",
	})
}

// Status 会话数、当前请求与将要使用的通道
func (h *Handler) Status(c context.Context, ctx *app.RequestContext) {
	out := map[string]any{
		"sessions":       0,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.gateway != nil {
		out["sessions"] = h.gateway.Count()
	}
	if h.review != nil {
		out["channel"] = h.review.Channel(c)
	}
	if h.pending != nil {
		if req, ok := h.pending.Current(); ok {
			out["pending"] = map[string]any{
				"trigger_id": req.TriggerID,
				"title":      req.Title,
				"message":    req.Message,
				"urgent":     req.Urgent,
				"created_at": req.CreatedAt.Format(time.RFC3339),
			}
		}
	}
	ctx.JSON(consts.StatusOK, out)
}

// GetSettings 返回合并默认值后的设置
func (h *Handler) GetSettings(c context.Context, ctx *app.RequestContext) {
	st, err := h.settings.Load(c)
	if err != nil {
		hlog.CtxWarnf(c, "读取设置失败，返回默认值: %v", err)
	}
	ctx.JSON(consts.StatusOK, st)
}

// RequestReview 阻塞直到用户回复或客户端断开
func (h *Handler) RequestReview(c context.Context, ctx *app.RequestContext) {
	if h.review == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "review service unavailable"})
		return
	}
	var args review.Args
	if len(bytes.TrimSpace(ctx.Request.Body())) > 0 {
		if err := ctx.BindJSON(&args); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	res, err := h.review.RequestReview(c, args)
	if err != nil {
		hlog.CtxErrorf(c, "审阅请求失败: %v", err)
		ctx.JSON(statusForError(err), map[string]string{"error": err.Error()})
		return
	}
	ctx.JSON(consts.StatusOK, res)
}

// callToolRequest 兼容 {"arguments":{...}} 与直接传参数对象
type callToolRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// CallTool 工具调用；失败也以 200 + isError 结果返回
func (h *Handler) CallTool(c context.Context, ctx *app.RequestContext) {
	if h.review == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "review service unavailable"})
		return
	}
	args := map[string]any{}
	if body := bytes.TrimSpace(ctx.Request.Body()); len(body) > 0 {
		var req callToolRequest
		if err := json.Unmarshal(body, &req); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
			return
		}
		if req.Arguments != nil {
			args = req.Arguments
		} else {
			_ = json.Unmarshal(body, &args)
		}
	}
	ctx.JSON(consts.StatusOK, h.review.CallTool(c, ctx.Param("name"), args))
}

// Metrics Prometheus 文本格式
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(c, "导出指标失败: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func statusForError(err error) int {
	switch {
	case pkgerrors.Is(err, pkgerrors.ErrInvalidArg):
		return consts.StatusBadRequest
	case pkgerrors.Is(err, pkgerrors.ErrDuplicateTrigger):
		return consts.StatusConflict
	default:
		return consts.StatusInternalServerError
	}
}

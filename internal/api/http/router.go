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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"review-gate/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware

	rateLimitRPS int
	accessLog    bool
	metrics      bool
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw, metrics: true}
}

// SetRateLimit 每秒请求上限；0 关闭
func (r *Router) SetRateLimit(rps int) { r.rateLimitRPS = rps }

// SetMetrics 是否暴露 /metrics
func (r *Router) SetMetrics(enable bool) { r.metrics = enable }

// SetAccessLog 开关访问日志
func (r *Router) SetAccessLog(enable bool) { r.accessLog = enable }

// Build 创建 Hertz 实例并注册路由；opts 可追加 tracer、listener 等
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	allOpts := append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(allOpts...)

	h.Use(r.middleware.CORS())
	if r.accessLog {
		h.Use(r.middleware.AccessLog())
	}

	h.GET("/", r.handler.Index)
	h.GET("/ws", r.handler.WebSocket)
	if r.metrics {
		h.GET("/metrics", r.handler.Metrics)
	}

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	api.GET("/status", r.handler.Status)
	api.GET("/settings", r.handler.GetSettings)

	// agent 侧入口限流，浏览器页面与 websocket 不受影响
	agent := api.Group("", r.middleware.RateLimit(r.rateLimitRPS))
	agent.POST("/review", r.handler.RequestReview)
	agent.POST("/tools/:name/call", r.handler.CallTool)

	return h
}

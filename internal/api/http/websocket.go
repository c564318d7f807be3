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
	"context"
	"errors"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/websocket"

	pkgerrors "review-gate/pkg/errors"
)

// 单条浏览器消息上限（含 base64 图片）
const maxMessageSize = 32 << 20

var upgrader = websocket.HertzUpgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 仅监听本机，浏览器页面与扩展 webview 的 Origin 不固定
	CheckOrigin: func(ctx *app.RequestContext) bool { return true },
}

// wsConn 把 websocket 连接适配为 gateway.Conn；写串行化由 Session 负责
type wsConn struct {
	conn *websocket.Conn
}

func (w wsConn) WriteJSON(v any) error { return w.conn.WriteJSON(v) }
func (w wsConn) Close() error          { return w.conn.Close() }

// WebSocket 升级连接并在连接存活期间分发浏览器消息
func (h *Handler) WebSocket(c context.Context, ctx *app.RequestContext) {
	if h.gateway == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{"error": pkgerrors.ErrUnavailable.Error()})
		return
	}
	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		sessCtx := h.baseCtx
		session := h.gateway.OnConnect(sessCtx, wsConn{conn: conn})
		defer h.gateway.OnDisconnect(session)

		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
					!errors.Is(err, websocket.ErrCloseSent) {
					hlog.CtxDebugf(sessCtx, "websocket 读取结束 session=%s: %v", session.ID, err)
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			h.gateway.OnMessage(sessCtx, session, payload)
		}
	})
	if err != nil {
		hlog.CtxErrorf(c, "websocket 升级失败: %v", err)
	}
}

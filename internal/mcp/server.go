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

// Package mcp 通过 MCP stdio 向 agent 暴露审阅工具
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"review-gate/internal/review"
	"review-gate/pkg/config"
)

// ToolCaller 工具执行方
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) *review.Result
}

// Server MCP 服务
type Server struct {
	mcp    *server.MCPServer
	caller ToolCaller
	logger *slog.Logger
}

// New 创建 MCP 服务，按 tools 的 Info 注册工具 schema，调用交给 caller
func New(ctx context.Context, cfg config.MCPConfig, caller ToolCaller, tools []tool.BaseTool, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp:    server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(false)),
		caller: caller,
		logger: logger,
	}
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		mt, err := buildTool(info)
		if err != nil {
			return nil, err
		}
		s.mcp.AddTool(mt, s.handler(info.Name))
	}
	return s, nil
}

func buildTool(info *schema.ToolInfo) (mcp.Tool, error) {
	js, err := info.ParamsOneOf.ToJSONSchema()
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("tool %s schema: %w", info.Name, err)
	}
	if js == nil {
		return mcp.NewTool(info.Name, mcp.WithDescription(info.Desc)), nil
	}
	raw, err := json.Marshal(js)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("marshal tool %s schema: %w", info.Name, err)
	}
	return mcp.NewToolWithRawSchema(info.Name, info.Desc, raw), nil
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.Info("MCP 工具调用", "tool", name)
		return toCallToolResult(s.caller.CallTool(ctx, name, req.GetArguments())), nil
	}
}

func toCallToolResult(r *review.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: r.IsError}
	for _, c := range r.Content {
		switch c.Type {
		case "image":
			out.Content = append(out.Content, mcp.NewImageContent(c.Data, c.MimeType))
		default:
			out.Content = append(out.Content, mcp.NewTextContent(c.Text))
		}
	}
	return out
}

// MCPServer 底层服务，供测试直接投递 JSON-RPC 消息
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio 阻塞处理 stdio 上的 JSON-RPC 直到 ctx 取消或输入关闭。stdout 专用于协议，日志写 stderr
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer, errLog io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(errLog, "mcp: ", log.LstdFlags))
	s.logger.Info("MCP stdio 服务已启动")
	return stdio.Listen(ctx, in, out)
}

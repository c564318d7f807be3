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

package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"review-gate/internal/review"
)

// Client gRPC 客户端
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial 连接 target（如 127.0.0.1:8866），默认使用 JSON 编解码
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	all := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, all...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// RequestReview 阻塞直到用户回复
func (c *Client) RequestReview(ctx context.Context, args review.Args) (*review.Result, error) {
	out := new(review.Result)
	if err := c.cc.Invoke(ctx, methodRequestReview, &args, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// CallTool 按名称调用工具
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*review.Result, error) {
	out := new(review.Result)
	req := &CallToolRequest{Name: name, Arguments: arguments}
	if err := c.cc.Invoke(ctx, methodCallTool, req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// Close 关闭连接
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

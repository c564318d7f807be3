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

// Package grpc 提供 gRPC 服务端与客户端，与 HTTP 的 /api/review、/api/tools/:name/call 能力对齐。
// 消息使用 JSON 编解码，无需生成代码。
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"review-gate/internal/review"
	pkgerrors "review-gate/pkg/errors"
)

// ServiceName gRPC 服务全名
const ServiceName = "reviewgate.ReviewGate"

const (
	methodRequestReview = "/" + ServiceName + "/RequestReview"
	methodCallTool      = "/" + ServiceName + "/CallTool"
)

// CallToolRequest CallTool 入参
type CallToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Reviewer agent 侧入口
type Reviewer interface {
	RequestReview(ctx context.Context, args review.Args) (*review.Result, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) *review.Result
}

// ReviewGateServer gRPC 服务接口
type ReviewGateServer interface {
	RequestReview(ctx context.Context, req *review.Args) (*review.Result, error)
	CallTool(ctx context.Context, req *CallToolRequest) (*review.Result, error)
}

// Server gRPC 服务端
type Server struct {
	reviewer Reviewer
}

var _ ReviewGateServer = (*Server)(nil)

// NewServer 创建服务端
func NewServer(reviewer Reviewer) *Server {
	return &Server{reviewer: reviewer}
}

// Register 注册到 grpc.Server
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

// RequestReview 阻塞至用户回复；客户端取消时返回 TIMEOUT 结果
func (s *Server) RequestReview(ctx context.Context, req *review.Args) (*review.Result, error) {
	res, err := s.reviewer.RequestReview(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

// CallTool 失败以 isError 结果返回
func (s *Server) CallTool(ctx context.Context, req *CallToolRequest) (*review.Result, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}
	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return s.reviewer.CallTool(ctx, req.Name, args), nil
}

func toStatus(err error) error {
	switch {
	case pkgerrors.Is(err, pkgerrors.ErrInvalidArg):
		return status.Error(codes.InvalidArgument, err.Error())
	case pkgerrors.Is(err, pkgerrors.ErrDuplicateTrigger):
		return status.Error(codes.AlreadyExists, err.Error())
	case pkgerrors.Is(err, pkgerrors.ErrCancelled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Errorf(codes.Internal, "request review: %v", err)
	}
}

func requestReviewHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(review.Args)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReviewGateServer).RequestReview(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestReview}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReviewGateServer).RequestReview(ctx, req.(*review.Args))
	}
	return interceptor(ctx, in, info, handler)
}

func callToolHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CallToolRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReviewGateServer).CallTool(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCallTool}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReviewGateServer).CallTool(ctx, req.(*CallToolRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReviewGateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestReview", Handler: requestReviewHandler},
		{MethodName: "CallTool", Handler: callToolHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reviewgate",
}

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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	apigrpc "review-gate/internal/api/grpc"
	"review-gate/internal/review"
)

// defaultAPIURL 未指定 --url 时优先读取 REVIEW_GATE_URL
func defaultAPIURL() string {
	if u := os.Getenv("REVIEW_GATE_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:8865"
}

type requestOptions struct {
	url      string
	grpcAddr string
	timeout  time.Duration
	args     review.Args
}

func newRequestCmd() *cobra.Command {
	opts := &requestOptions{}
	cmd := &cobra.Command{
		Use:   "request",
		Short: "向运行中的网关发起审阅请求并等待回复",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			var (
				res *review.Result
				err error
			)
			if opts.grpcAddr != "" {
				res, err = requestGRPC(ctx, opts.grpcAddr, opts.args)
			} else {
				res, err = requestHTTP(ctx, opts.url, opts.args)
			}
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), res.Text()); err != nil {
				return err
			}
			if res.IsError {
				return errors.New("审阅请求失败")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", defaultAPIURL(), "网关 HTTP 地址")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "", "改用 gRPC 地址（如 127.0.0.1:8866）")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "客户端等待上限，0 表示不限")
	cmd.Flags().StringVarP(&opts.args.Message, "message", "m", "", "展示给用户的提示")
	cmd.Flags().StringVar(&opts.args.Title, "title", "", "弹窗标题")
	cmd.Flags().StringVar(&opts.args.Context, "context", "", "附加上下文")
	cmd.Flags().BoolVar(&opts.args.Urgent, "urgent", false, "标记为紧急")
	cmd.Flags().StringVar(&opts.args.TriggerID, "trigger-id", "", "指定 trigger_id")
	return cmd
}

func requestHTTP(ctx context.Context, baseURL string, args review.Args) (*review.Result, error) {
	var out review.Result
	var apiErr map[string]string
	resp, err := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		R().
		SetContext(ctx).
		SetBody(args).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/review")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		if msg := apiErr["error"]; msg != "" {
			return nil, fmt.Errorf("POST /api/review: %s", msg)
		}
		return nil, fmt.Errorf("POST /api/review: %s", resp.Status())
	}
	return &out, nil
}

func requestGRPC(ctx context.Context, addr string, args review.Args) (*review.Result, error) {
	c, err := apigrpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.RequestReview(ctx, args)
}

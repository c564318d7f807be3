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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"review-gate/internal/app"
	"review-gate/internal/app/api"
)

type serveOptions struct {
	host      string
	port      int
	noBrowser bool
	noWeb     bool
	noMCP     bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动审阅网关（浏览器界面 + MCP stdio）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "浏览器网关监听地址")
	cmd.Flags().IntVar(&opts.port, "port", 0, "浏览器网关端口")
	cmd.Flags().BoolVar(&opts.noBrowser, "no-browser", false, "启动时不自动打开浏览器")
	cmd.Flags().BoolVar(&opts.noWeb, "no-web", false, "不启动浏览器网关，仅使用文件通道")
	cmd.Flags().BoolVar(&opts.noMCP, "no-mcp", false, "不在 stdio 上提供 MCP 服务")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if opts.host != "" {
		cfg.API.Host = opts.host
	}
	if opts.port > 0 {
		cfg.API.Port = opts.port
	}
	if opts.noBrowser {
		cfg.API.AutoOpenBrowser = false
	}
	if opts.noWeb {
		cfg.API.Enable = false
	}
	if opts.noMCP {
		cfg.MCP.Enable = false
	}

	bootstrap, err := app.NewBootstrap(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}
	application, err := api.NewApp(bootstrap)
	if err != nil {
		_ = bootstrap.Close()
		return fmt.Errorf("创建应用失败: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(cfg.API.Addr()) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var exitErr error
	select {
	case <-sigChan:
	case exitErr = <-runErr:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "关闭失败: %v\n", err)
	}
	return exitErr
}

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

// Package api 装配审阅网关：浏览器 HTTP/WebSocket、MCP stdio、可选 gRPC 与文件兜底通道。
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/pkg/browser"
	"google.golang.org/grpc"

	apigrpc "review-gate/internal/api/grpc"
	"review-gate/internal/api/http"
	"review-gate/internal/api/http/middleware"
	"review-gate/internal/app"
	"review-gate/internal/broker"
	"review-gate/internal/fallback"
	"review-gate/internal/gateway"
	"review-gate/internal/mcp"
	"review-gate/internal/review"
	pkgconfig "review-gate/pkg/config"
	"review-gate/pkg/log"
	"review-gate/pkg/tracing"
)

// httpExitWait 关闭时等待在途请求的上限；超时后空闲长连接直接断开
const httpExitWait = 2 * time.Second

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// Option App 选项
type Option func(*App)

// WithStdio 指定 MCP stdio 的输入输出（默认 os.Stdin/os.Stdout）
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.stdin = in
		a.stdout = out
	}
}

// WithBrowserOpener 替换打开浏览器的方式
func WithBrowserOpener(open func(url string) error) Option {
	return func(a *App) { a.openBrowser = open }
}

// App 审阅网关应用
type App struct {
	config   *app.Bootstrap
	logger   *slog.Logger
	broker   *broker.Broker
	gateway  *gateway.Gateway
	fallback *fallback.Channel
	review   *review.Service
	mcp      *mcp.Server
	handler  *http.Handler
	router   *http.Router

	hertz        *server.Hertz
	listener     net.Listener
	grpcServer   *grpcRun
	otelProvider otelProviderShutdown

	stdin       io.Reader
	stdout      io.Writer
	openBrowser func(url string) error

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	ready    chan struct{}
	wg       sync.WaitGroup
	shutdown sync.Once
}

type grpcRun struct {
	srv *grpc.Server
	lis net.Listener
}

func (g *grpcRun) GracefulStop() {
	if g.srv != nil {
		g.srv.GracefulStop()
	}
	if g.lis != nil {
		_ = g.lis.Close()
	}
}

// NewApp 根据 Bootstrap 装配各组件，不占用端口
func NewApp(bootstrap *app.Bootstrap, opts ...Option) (*App, error) {
	if bootstrap == nil || bootstrap.Config == nil {
		return nil, errors.New("bootstrap with config is required")
	}
	cfg := bootstrap.Config
	logger := bootstrap.Logger.Logger

	b := broker.New(bootstrap.Messages, logger.With("component", "broker"))
	gw := gateway.New(b, bootstrap.Settings, bootstrap.Messages, logger.With("component", "gateway"),
		gateway.WithMCPActive(cfg.MCP.Enable))
	b.SetNotifier(gw)

	fb := fallback.New(fallback.OptionsFromConfig(cfg.Fallback), logger.With("component", "fallback"))
	svc := review.New(b, gw, fb, bootstrap.Settings, bootstrap.Messages, logger.With("component", "review"))

	handler := http.NewHandler(b, gw, bootstrap.Settings, svc)
	allowOrigin := ""
	if cfg.API.CORS.Enable && len(cfg.API.CORS.AllowOrigins) > 0 {
		allowOrigin = cfg.API.CORS.AllowOrigins[0]
	}
	router := http.NewRouter(handler, middleware.NewMiddleware(allowOrigin))
	if cfg.API.Middleware.RateLimit {
		router.SetRateLimit(cfg.API.Middleware.RateLimitRPS)
	}
	router.SetAccessLog(cfg.API.Middleware.AccessLog)
	router.SetMetrics(cfg.Monitoring.Prometheus.Enable)

	ctx, cancel := context.WithCancel(context.Background())
	handler.SetBaseContext(ctx)

	a := &App{
		config:      bootstrap,
		logger:      logger,
		broker:      b,
		gateway:     gw,
		fallback:    fb,
		review:      svc,
		handler:     handler,
		router:      router,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		openBrowser: browser.OpenURL,
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
	}
	if cfg.MCP.Enable {
		srv, err := mcp.New(ctx, cfg.MCP, svc, []tool.BaseTool{review.NewEinoTool(svc)}, logger.With("component", "mcp"))
		if err != nil {
			cancel()
			return nil, err
		}
		a.mcp = srv
	}
	for _, opt := range opts {
		opt(a)
	}
	// 浏览器启动命令的输出不能混入 MCP stdout
	browser.Stdout = os.Stderr
	return a, nil
}

// Review agent 侧入口
func (a *App) Review() *review.Service { return a.review }

// Ready Run 完成启动后关闭
func (a *App) Ready() <-chan struct{} { return a.ready }

func (a *App) closeReady() {
	select {
	case <-a.ready:
	default:
		close(a.ready)
	}
}

// Addr HTTP 实际监听地址；未监听时为空，需在 Ready 之后读取
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run 启动各服务并阻塞，直到 Shutdown 或 MCP 输入流结束。
// addr 如 "127.0.0.1:8865"；端口被占用时只记录错误，继续以文件兜底模式服务 agent。
func (a *App) Run(addr string) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("app already running")
	}
	defer a.closeReady()
	cfg := a.config.Config
	a.logger.Info("Review Gate 启动", "addr", addr, "mcp", cfg.MCP.Enable, "web", cfg.API.Enable)

	if err := a.setupHertzLogger(); err != nil {
		return err
	}
	hertzTracing := a.setupTracing()

	if cfg.API.Enable {
		a.startHTTP(addr, hertzTracing)
	} else {
		a.logger.Info("浏览器网关已关闭，审阅请求全部走文件通道")
	}

	if cfg.API.Grpc.Enable && cfg.API.Grpc.Port > 0 {
		gs, err := startGRPC(a.review, fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Grpc.Port))
		if err != nil {
			a.logger.Warn("gRPC 服务启动失败", "error", err)
		} else {
			a.grpcServer = gs
			a.logger.Info("gRPC 服务已启动", "port", cfg.API.Grpc.Port)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeat(a.ctx, pkgconfig.ParseDuration(cfg.API.HeartbeatPeriod, 10*time.Second))
	}()

	mcpDone := make(chan error, 1)
	if a.mcp != nil {
		go func() { mcpDone <- a.mcp.ServeStdio(a.ctx, a.stdin, a.stdout, os.Stderr) }()
	}
	a.closeReady()

	select {
	case <-a.ctx.Done():
		return nil
	case err := <-mcpDone:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			a.logger.Error("MCP stdio 服务异常退出", "error", err)
			return err
		}
		a.logger.Info("MCP 输入已关闭")
		return nil
	}
}

// setupHertzLogger 使用 Hertz slog 扩展，与 bootstrap 日志级别对齐；stdout 留给 MCP
func (a *App) setupHertzLogger() error {
	cfg := a.config.Config
	var output io.Writer = os.Stderr
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = io.MultiWriter(os.Stderr, f)
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))
	return nil
}

// setupTracing 可选：启用链路追踪（OpenTelemetry）。网关启用时由 Hertz provider 设置全局 tracer，否则直接初始化 SDK
func (a *App) setupTracing() bool {
	tc := a.config.Config.Monitoring.Tracing
	if !tc.Enable {
		return false
	}
	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = "review-gate"
	}
	exportEndpoint := tc.ExportEndpoint
	if exportEndpoint == "" {
		exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if exportEndpoint == "" {
		a.logger.Warn("链路追踪已开启但未配置 export_endpoint，跳过")
		return false
	}

	if !a.config.Config.API.Enable {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName,
			ExportEndpoint: exportEndpoint,
			Insecure:       tc.Insecure,
		})
		if err != nil {
			a.logger.Warn("链路追踪初始化失败", "error", err)
			return false
		}
		a.otelProvider = tp
		a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		return false
	}

	opts := []provider.Option{
		provider.WithServiceName(serviceName),
		provider.WithExportEndpoint(exportEndpoint),
	}
	if tc.Insecure {
		opts = append(opts, provider.WithInsecure())
	}
	a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
	a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
	return true
}

// startHTTP 先占用端口再启动 Hertz，绑定失败时进入仅文件通道模式
func (a *App) startHTTP(addr string, withTracing bool) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.logger.Error("浏览器网关端口绑定失败，仅使用文件通道", "addr", addr, "error", err)
		a.review.SetWebRunning(false)
		return
	}
	a.listener = ln

	opts := []config.Option{server.WithListener(ln), server.WithExitWaitTime(httpExitWait)}
	var tracerCfg *hertztracing.Config
	if withTracing {
		tracerOpt, c := hertztracing.NewServerTracer()
		opts = append(opts, tracerOpt)
		tracerCfg = c
	}
	a.hertz = a.router.Build(addr, opts...)
	if tracerCfg != nil {
		a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
	}

	// OnRun 在引擎标记为运行之后触发，此后 Shutdown 才能生效
	started := make(chan struct{})
	a.hertz.OnRun = append(a.hertz.OnRun, func(context.Context) error {
		a.review.SetWebRunning(true)
		close(started)
		return nil
	})
	runErr := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.hertz.Run()
		a.review.SetWebRunning(false)
		if err != nil && a.ctx.Err() == nil {
			a.logger.Error("浏览器网关异常退出", "error", err)
		}
		runErr <- err
	}()

	select {
	case <-started:
	case err := <-runErr:
		a.logger.Error("浏览器网关启动失败，仅使用文件通道", "addr", addr, "error", err)
		_ = ln.Close()
		a.listener = nil
		a.hertz = nil
		return
	}

	url := "http://" + ln.Addr().String()
	a.logger.Info("浏览器网关已启动", "url", url)
	if a.config.Config.API.AutoOpenBrowser && a.openBrowser != nil {
		if err := a.openBrowser(url); err != nil {
			a.logger.Warn("打开浏览器失败，请手动访问", "url", url, "error", err)
		}
	}
}

// heartbeat 周期性输出会话数与当前请求
func (a *App) heartbeat(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending := ""
			if req, ok := a.broker.Current(); ok {
				pending = req.TriggerID
			}
			a.logger.Info("heartbeat", "sessions", a.gateway.Count(), "pending", pending, "web", a.review.WebRunning())
		}
	}
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）。可重复调用
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.shutdown.Do(func() {
		// Run 尚在启动时等它完成，避免与 hertz/listener 字段的写入竞争
		if a.running.Load() {
			select {
			case <-a.ready:
			case <-ctx.Done():
			}
		}
		a.cancel()
		a.review.SetWebRunning(false)
		a.broker.CancelAll()
		a.gateway.CloseAll()
		if err := a.fallback.Cleanup(); err != nil {
			a.logger.Warn("清理触发文件失败", "error", err)
		}
		if a.grpcServer != nil {
			a.grpcServer.GracefulStop()
		}
		a.stopHTTP(ctx)
		if a.otelProvider != nil {
			_ = a.otelProvider.Shutdown(ctx)
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		errs = append(errs, a.config.Close())
		a.logger.Info("Review Gate 已关闭")
	})
	return errors.Join(errs...)
}

// stopHTTP 停止 Hertz；超过 httpExitWait 仍未断开的连接不再等待。
// 最后关闭 listener，确保引擎在任何阶段收到关闭都能退出 Run
func (a *App) stopHTTP(ctx context.Context) {
	if a.hertz == nil {
		return
	}
	if a.hertz.IsRunning() {
		hctx, cancel := context.WithTimeout(ctx, httpExitWait)
		defer cancel()
		if err := a.hertz.Shutdown(hctx); err != nil {
			a.logger.Warn("浏览器网关关闭未完成，强制断开", "error", err)
		}
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}
}

// startGRPC 创建并启动 gRPC 服务（在 goroutine 中 Serve），返回 grpcRun 以便 Shutdown 时 GracefulStop
func startGRPC(reviewer apigrpc.Reviewer, addr string) (*grpcRun, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	apigrpc.NewServer(reviewer).Register(srv)
	go func() {
		_ = srv.Serve(lis)
	}()
	return &grpcRun{srv: srv, lis: lis}, nil
}

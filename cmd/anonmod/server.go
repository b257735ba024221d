package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/anonmod/anonmod/modqueue"
	"github.com/anonmod/anonmod/modqueue/ratelimit"
	"github.com/anonmod/anonmod/telegram"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/sync/errgroup"
)

// registers collectors with the default registry, so it can only be built once per process
var requestMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("anonmod")
})

type Server struct {
	logger  *slog.Logger
	echo    *echo.Echo
	httpd   *http.Server
	service *modqueue.Service
	client  *telegram.Client
	bot     *telegram.Bot
	// set when rate-limit state lives in redis
	rdb *redis.Client
	// set when rate-limit state is in-process, and needs sweeping
	memLimiter *ratelimit.MemLimiter
	intake     *ratelimit.IntakeGuard

	adminToken    string
	webhookSecret string
	webhookURL    string

	// lifetime of dispatched updates; outlives individual webhook requests
	ctx    context.Context
	cancel context.CancelFunc
}

type Config struct {
	Logger          *slog.Logger
	BotToken        string
	TelegramHost    string
	SendRateLimit   int
	ChannelID       int64
	Reviewers       []int64
	MaxQueueSize    int
	RateLimitCount  int
	RateLimitWindow time.Duration
	IntakePerHour   int64
	RedisURL        string
	MaxInFlight     int
	Bind            string
	AdminToken      string
	WebhookSecret   string
	WebhookURL      string
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if config.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if config.ChannelID == 0 {
		return nil, fmt.Errorf("channel id is required")
	}

	cfg := modqueue.DefaultConfig()
	cfg.Reviewers = config.Reviewers
	if config.MaxQueueSize > 0 {
		cfg.MaxQueueSize = config.MaxQueueSize
	}
	if config.RateLimitCount > 0 {
		cfg.RateLimitCount = config.RateLimitCount
	}
	if config.RateLimitWindow > 0 {
		cfg.RateLimitWindow = config.RateLimitWindow
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		logger:        logger,
		adminToken:    config.AdminToken,
		webhookSecret: config.WebhookSecret,
		webhookURL:    config.WebhookURL,
	}
	srv.ctx, srv.cancel = context.WithCancel(context.Background())

	var limiter ratelimit.Limiter
	if config.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(config.RedisURL, cfg.RateLimitCount, cfg.RateLimitWindow)
		if err != nil {
			return nil, fmt.Errorf("initializing redis rate limiter: %w", err)
		}
		logger.Info("using redis rate limiter")
		srv.rdb = rl.Client
		limiter = rl
	} else {
		srv.memLimiter = ratelimit.NewMemLimiter(cfg.RateLimitCount, cfg.RateLimitWindow)
		limiter = srv.memLimiter
	}

	opts := []modqueue.Option{modqueue.WithLogger(logger)}
	if config.IntakePerHour > 0 {
		logger.Info("configuring global intake guard", "per_hour", config.IntakePerHour)
		srv.intake = ratelimit.NewIntakeGuard(config.IntakePerHour)
		opts = append(opts, modqueue.WithIntakeGuard(srv.intake))
	}

	srv.client = telegram.NewClient(config.TelegramHost, config.BotToken, config.SendRateLimit, logger)
	gw := telegram.NewGateway(srv.client, config.ChannelID, telegram.Renderer{
		PreviewLength:     cfg.PreviewLength,
		ListPreviewLength: cfg.ListPreviewLength,
	}, logger)

	svc, err := modqueue.NewService(cfg, gw, limiter, opts...)
	if err != nil {
		return nil, err
	}
	srv.service = svc
	srv.bot = telegram.NewBot(svc, gw, config.MaxInFlight, logger)

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv.echo = e
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(requestMetrics())
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/queue", srv.HandleQueue, srv.checkAdminAuth)
	if srv.webhookSecret != "" {
		e.POST("/telegram/webhook", srv.bot.WebhookHandler(srv.ctx, srv.webhookSecret))
	}

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Run serves the admin API and receives updates (by webhook when a secret is configured, otherwise by long polling) until SIGINT or SIGTERM, or until one of its loops fails.
func (srv *Server) Run() error {
	if srv.webhookSecret != "" && srv.webhookURL != "" {
		if err := srv.client.SetWebhook(srv.ctx, srv.webhookURL, srv.webhookSecret); err != nil {
			return fmt.Errorf("registering webhook: %w", err)
		}
		slog.Info("registered telegram webhook", "url", srv.webhookURL)
	}

	eg, ctx := errgroup.WithContext(srv.ctx)

	slog.Info("starting server", "bind", srv.httpd.Addr)
	eg.Go(func() error {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	})

	if srv.memLimiter != nil {
		eg.Go(func() error {
			srv.RunSweeper(ctx, time.Minute)
			return nil
		})
	}

	if srv.webhookSecret == "" {
		poller := telegram.NewPoller(srv.client, srv.bot, srv.logger)
		eg.Go(func() error {
			if err := poller.Run(ctx); err != nil {
				return fmt.Errorf("update polling failed: %w", err)
			}
			return nil
		})
	}

	// Wait for a signal to exit.
	slog.Info("registering OS exit signal handler")
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	eg.Go(func() error {
		select {
		case sig := <-exitSignals:
			slog.Info("received OS exit signal", "signal", sig)
		case <-ctx.Done():
		}
		if err := srv.Shutdown(); err != nil {
			slog.Error("HTTP server shutdown error", "err", err)
		}
		return nil
	})

	err := eg.Wait()
	slog.Info("graceful shutdown complete")
	return err
}

// RunSweeper periodically drops idle submitters from the in-process rate limiter.
func (srv *Server) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := srv.memLimiter.Sweep(time.Now()); n > 0 {
				srv.logger.Debug("swept idle submitters", "count", n, "remaining", srv.memLimiter.Size())
			}
		}
	}
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := srv.httpd.Shutdown(ctx)
	srv.cancel()
	srv.bot.Wait()
	if srv.intake != nil {
		srv.intake.Close()
	}
	if srv.rdb != nil {
		if cerr := srv.rdb.Close(); cerr != nil {
			slog.Error("failed to close redis client", "err", cerr)
		}
	}
	return err
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anonmod/anonmod/modqueue/ratelimit"
	"github.com/anonmod/anonmod/telegram"
	"github.com/anonmod/anonmod/util/svcutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "anonmod",
		Usage:   "anonymous submission moderation bot",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"ANONMOD_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "telegram-host",
			Usage:   "scheme and hostname of the Telegram Bot API server",
			Value:   telegram.DefaultHost,
			EnvVars: []string{"TELEGRAM_API_HOST"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for shared rate-limit state; in-process when empty",
			EnvVars: []string{"ANONMOD_REDIS_URL", "REDIS_URL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the moderation bot",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "bot-token",
			Usage:    "Telegram bot token",
			Required: true,
			EnvVars:  []string{"BOT_TOKEN"},
		},
		&cli.Int64Flag{
			Name:     "channel-id",
			Usage:    "chat id of the channel approved submissions are posted to",
			Required: true,
			EnvVars:  []string{"CHANNEL_ID"},
		},
		&cli.Int64SliceFlag{
			Name:     "admins",
			Usage:    "user ids of reviewers (comma-separated)",
			Required: true,
			EnvVars:  []string{"ADMINS"},
		},
		&cli.IntFlag{
			Name:    "max-queue-size",
			Usage:   "max number of pending submissions",
			Value:   50,
			EnvVars: []string{"MAX_QUEUE_SIZE"},
		},
		&cli.IntFlag{
			Name:    "rate-limit-count",
			Usage:   "max submissions per submitter within the rate-limit window",
			Value:   ratelimit.DefaultLimit,
			EnvVars: []string{"RATE_LIMIT_COUNT"},
		},
		&cli.IntFlag{
			Name:    "rate-limit-window",
			Usage:   "length of the per-submitter rate-limit window, in seconds",
			Value:   int(ratelimit.DefaultWindow / time.Second),
			EnvVars: []string{"RATE_LIMIT_WINDOW"},
		},
		&cli.Int64Flag{
			Name:    "intake-limit-per-hour",
			Usage:   "max accepted submissions per hour across all submitters (0 disables)",
			Value:   0,
			EnvVars: []string{"INTAKE_LIMIT_PER_HOUR"},
		},
		&cli.IntFlag{
			Name:    "telegram-send-rate-limit",
			Usage:   "max outbound Bot API messages per second",
			Value:   25,
			EnvVars: []string{"TELEGRAM_SEND_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "max-in-flight",
			Usage:   "max number of updates handled concurrently",
			Value:   telegram.DefaultMaxInFlight,
			EnvVars: []string{"ANONMOD_MAX_IN_FLIGHT"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3989",
			EnvVars: []string{"ANONMOD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3988",
			EnvVars: []string{"ANONMOD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for the admin queue endpoint; endpoint disabled when empty",
			EnvVars: []string{"ANONMOD_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			Usage:   "secret token for webhook delivery; long polling is used when empty",
			EnvVars: []string{"WEBHOOK_SECRET"},
		},
		&cli.StringFlag{
			Name:    "webhook-url",
			Usage:   "public URL to register as the bot webhook (optional, requires webhook-secret)",
			EnvVars: []string{"WEBHOOK_URL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := svcutil.ConfigLogger(cctx, os.Stdout)

		shutdownTracing, err := configOTEL("anonmod")
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		defer shutdownTracing()

		if cctx.String("webhook-url") != "" && cctx.String("webhook-secret") == "" {
			return fmt.Errorf("webhook-url requires webhook-secret")
		}

		srv, err := NewServer(Config{
			Logger:          logger,
			BotToken:        cctx.String("bot-token"),
			TelegramHost:    cctx.String("telegram-host"),
			SendRateLimit:   cctx.Int("telegram-send-rate-limit"),
			ChannelID:       cctx.Int64("channel-id"),
			Reviewers:       cctx.Int64Slice("admins"),
			MaxQueueSize:    cctx.Int("max-queue-size"),
			RateLimitCount:  cctx.Int("rate-limit-count"),
			RateLimitWindow: time.Duration(cctx.Int("rate-limit-window")) * time.Second,
			IntakePerHour:   cctx.Int64("intake-limit-per-hour"),
			RedisURL:        cctx.String("redis-url"),
			MaxInFlight:     cctx.Int("max-in-flight"),
			Bind:            cctx.String("bind"),
			AdminToken:      cctx.String("admin-token"),
			WebhookSecret:   cctx.String("webhook-secret"),
			WebhookURL:      cctx.String("webhook-url"),
		})
		if err != nil {
			return fmt.Errorf("failed to construct server: %w", err)
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		return srv.Run()
	},
}

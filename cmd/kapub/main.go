package main

import (
	"context"
	"flag"
	"log/slog"
	"path/filepath"
	"time"

	"kapub/internal/acquire"
	"kapub/internal/chrono"
	"kapub/internal/issue"
	"kapub/internal/notify"
	"kapub/internal/portal"
	"kapub/internal/portal/linkparser"
	"kapub/internal/server"
	"kapub/internal/serviceutil"
	"kapub/internal/session"
	"kapub/internal/telemetry"
)

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	configPath := flag.String("config", "config.json5", "Path to the config file.")
	warm := flag.Bool("warm", false, "Check the stored session once on startup.")
	flag.Parse()

	ctx := serviceutil.SignalContext()
	telemetry.InitSlog(*verbose)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	durations, err := cfg.durations()
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	InitTelemetry(ctx, cfg.Telemetry)

	tel := telemetry.SlogAPI{}
	clock, err := chrono.NewStandardTime(cfg.Timezone)
	if err != nil {
		serviceutil.Fatal("load timezone", err)
	}

	parser, err := linkparser.New(cfg.Portal.Parser, cfg.Portal.LinkPattern)
	if err != nil {
		serviceutil.Fatal("init link parser", err)
	}

	var exchanges telemetry.ExchangeOutput
	if *verbose {
		output, err := telemetry.NewFilesystemOutput(filepath.Join(".dev", "resty", "portal"), tel)
		if err != nil {
			serviceutil.Fatal("init exchange dump", err)
		}
		exchanges = output
	}

	store := session.NewStore(cfg.CacheDir, tel)
	client, err := portal.NewClient(portal.Options{
		LoginUrl:           cfg.Portal.LoginUrl,
		OverviewUrl:        cfg.Portal.OverviewUrl,
		LinkHost:           cfg.Portal.LinkHost,
		LoginRedirect:      cfg.Portal.LoginRedirect,
		SessionCookie:      cfg.Portal.SessionCookie,
		UserAgent:          cfg.Portal.UserAgent,
		Parser:             parser,
		RequestTimeout:     durations.LoginTimeout,
		RelayHeaderTimeout: durations.RelayHeaderTimeout,
		RequestsPerSecond:  cfg.Portal.RequestsPerSecond,
		BypassCloudflare:   cfg.Portal.BypassCloudflare,
		Exchanges:          exchanges,
	}, store, tel)
	if err != nil {
		serviceutil.Fatal("init portal client", err)
	}

	account := acquire.Account{
		Username: cfg.Portal.Username,
		Password: cfg.Portal.Password,
	}
	coordinator := acquire.NewCoordinator(
		store,
		client,
		account,
		acquire.WithTimeAPI(clock),
		acquire.WithTelemetryAPI(tel),
	)

	cache := issue.NewCache(
		coordinator,
		issue.WithTimeAPI(clock),
		issue.WithTelemetryAPI(tel),
		issue.WithTTL(durations.IssueTtl),
		issue.WithChunkSize(cfg.ChunkSize),
	)
	defer cache.Close()

	warmer := acquire.NewWarmer(store, client, account, tel)
	if cfg.WarmSchedule != "" {
		cron := chrono.NewStandardCron(tel, clock.Location())
		defer cron.Stop()

		err = warmer.Schedule(ctx, cron, cfg.WarmSchedule)
		if err != nil {
			serviceutil.Fatal("schedule session warm-up", err)
		}
		slog.Info("session warm-up scheduled", "schedule", cfg.WarmSchedule)
	}
	if *warm {
		go func() {
			err := warmer.Warm(ctx)
			if err != nil {
				slog.WarnContext(ctx, "initial session warm-up", "err", err)
			}
		}()
	}

	notifier := notify.New(cfg.Smtp, tel)
	if mailer, ok := notifier.(*notify.Mailer); ok {
		defer mailer.Wait()
	}

	front := server.New(
		cache,
		notifier,
		server.Options{
			Title:        cfg.Title,
			EnforceToken: cfg.EnforceToken,
		},
		server.WithTimeAPI(clock),
		server.WithTelemetryAPI(tel),
	)

	err = serviceutil.StartHttpServer(ctx, cfg.Listen, front.Handler())
	if err != nil {
		serviceutil.Fatal("serve http", err)
	}
}

func InitTelemetry(ctx context.Context, cfg telemetry.Config) {
	if !cfg.Enabled() {
		slog.Debug("otlp export disabled")
		return
	}

	tel, err := telemetry.Setup(ctx, "kapub", cfg)
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}
	go func() {
		<-ctx.Done()
		err := tel.Shutdown(context.Background())
		if err != nil {
			slog.Warn("shutdown telemetry", "err", err)
		}
	}()
	err = telemetry.InstrumentProcessStats(ctx, telemetry.SlogAPI{}, 30*time.Second)
	if err != nil {
		slog.Warn("process stats disabled", "err", err)
	}
}

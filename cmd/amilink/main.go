package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/amilink/internal/ami"
	"github.com/gaspardpetit/amilink/internal/ami/transport"
	"github.com/gaspardpetit/amilink/internal/config"
	"github.com/gaspardpetit/amilink/internal/logx"
	"github.com/gaspardpetit/amilink/internal/metrics"
	"github.com/gaspardpetit/amilink/internal/queue"
	"github.com/gaspardpetit/amilink/internal/status"
	"github.com/gaspardpetit/amilink/internal/storage"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "amilink version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("amilink version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	inst, err := cfg.Resolve()
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("resolve config")
	}
	status.SetBuildInfo(version, buildSHA, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := transport.New(transportConfig(inst.Asterisk))

	var rdb redis.UniversalClient
	var consumer ami.EventConsumer = ami.EventConsumerFunc(logEvent)
	if inst.Storage.Redis != "" {
		rdb, err = storage.Open(ctx, inst.Storage.Redis)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rdb.Close() }()
		consumer = storage.NewRecorder(
			storage.NewChannelRepository(rdb, inst.Storage.ChannelTTL),
			storage.NewBridgeRepository(rdb, inst.Storage.BridgeTTL),
		)
		logx.Log.Info().Str("addr", inst.Storage.Redis).Msg("recording events to redis")
	}

	client := ami.NewClient(tr, consumer, clientConfig(inst.Asterisk))
	conn := &connector{name: inst.Name, transport: tr, client: client}

	reg := prometheus.NewRegistry()
	metrics.Register(reg, conn)

	if cfg.StatusAddr != "" {
		router := status.NewRouter(conn, status.Options{Gatherer: reg, AllowedOrigins: cfg.AllowedOrigins})
		addr, err := status.Start(ctx, cfg.StatusAddr, router)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.StatusAddr).Msg("start status server")
		}
		logx.Log.Info().Str("addr", addr).Msg("status server listening")
	}

	if rdb != nil {
		ep := queue.NewEndpoint(rdb, queueOptions(inst.Storage))
		if err := ep.EnsureGroup(ctx); err != nil {
			logx.Log.Fatal().Err(err).Msg("create consumer group")
		}
		go func() {
			if err := ep.Subscribe(ctx, queue.OriginateHandler(ep, client)); err != nil && ctx.Err() == nil {
				logx.Log.Error().Err(err).Str("stream", ep.Stream()).Msg("work queue stopped")
			}
		}()
	}

	logx.Log.Info().Str("instance", inst.Name).Str("addr", tr.Addr()).Msg("starting")
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Error().Err(err).Msg("connection loop stopped")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Close(sctx); err != nil {
		logx.Log.Warn().Err(err).Int("discarded", client.EventBacklog()).Msg("event backlog not drained")
	}
	logx.Log.Info().Msg("stopped")
}

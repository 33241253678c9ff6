// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/mmqp/broker"
	"github.com/absmach/mmqp/broker/webhook"
	"github.com/absmach/mmqp/config"
	mmqptls "github.com/absmach/mmqp/pkg/tls"
	"github.com/absmach/mmqp/queue"
	"github.com/absmach/mmqp/queue/storage"
	"github.com/absmach/mmqp/queue/storage/badger"
	"github.com/absmach/mmqp/queue/types"
	"github.com/absmach/mmqp/ratelimit"
	"github.com/absmach/mmqp/server/health"
	"github.com/absmach/mmqp/server/otel"
	"github.com/absmach/mmqp/server/tcp"
	"github.com/absmach/mmqp/server/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting MMQP broker", "version", cfg.Server.OtelServiceVersion, "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"tcp_addr", cfg.Server.TCPAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"queues", len(cfg.Queues))

	var pager storage.Pager
	if cfg.Storage.Type == "badger" {
		compression, err := badger.ParseCompression(cfg.Storage.Compression)
		if err != nil {
			slog.Error("Invalid storage compression", "error", err)
			os.Exit(1)
		}
		p, err := badger.New(badger.Config{
			Dir:         cfg.Storage.BadgerDir,
			Compression: compression,
			GCInterval:  cfg.Storage.GCInterval,
		})
		if err != nil {
			slog.Error("Failed to open BadgerDB storage", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		pager = p
		slog.Info("Using BadgerDB checkpoints", "dir", cfg.Storage.BadgerDir, "compression", compression)
	} else {
		slog.Info("Using in-memory queues")
	}

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = otel.Tracer()
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	qm := queue.NewManager(queue.Config{
		Pager:              pager,
		FlushInterval:      cfg.Broker.FlushInterval,
		CheckpointInterval: cfg.Storage.CheckpointInterval,
		Logger:             logger,
	})
	for _, qc := range cfg.Queues {
		queueCfg, err := types.FromInput(qc.Input(cfg.Broker.MaxMessageSize))
		if err != nil {
			slog.Error("Invalid queue configuration", "queue", qc.Name, "error", err)
			os.Exit(1)
		}
		if _, err := qm.Create(queueCfg); err != nil {
			slog.Error("Failed to create queue", "queue", qc.Name, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := qm.Start(ctx); err != nil {
		slog.Error("Failed to start queue manager", "error", err)
		os.Exit(1)
	}

	var auth broker.Authenticator
	if cfg.Broker.AuthFile != "" {
		fa, err := broker.LoadAuthFile(cfg.Broker.AuthFile)
		if err != nil {
			slog.Error("Failed to load auth file", "error", err)
			os.Exit(1)
		}
		auth = fa
		slog.Info("Authentication enabled", "file", cfg.Broker.AuthFile)
	} else {
		slog.Info("Authentication disabled")
	}

	rl := ratelimit.NewManager(cfg.RateLimit)
	defer rl.Stop()
	if cfg.RateLimit.Enabled {
		slog.Info("Rate limiting enabled",
			"connection", cfg.RateLimit.Connection.Enabled,
			"publish", cfg.RateLimit.Publish.Enabled,
			"poll", cfg.RateLimit.Poll.Enabled)
	}

	var notifier broker.Notifier
	if cfg.Webhook.Enabled {
		wn, err := webhook.NewNotifier(cfg.Webhook, instanceID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		defer wn.Close()
		notifier = wn
		slog.Info("Webhooks enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	b := broker.New(qm, broker.Config{
		MaxLongPollWait:  cfg.Broker.MaxLongPollWait,
		MaxPollCount:     cfg.Broker.MaxPollCount,
		MaxMessageSize:   cfg.Broker.MaxMessageSize,
		AutoCreateQueues: cfg.Broker.AutoCreateQueues,
		Auth:             auth,
		RateLimiter:      rl,
		Notifier:         notifier,
		Metrics:          metrics,
		Tracer:           tracer,
		Logger:           logger,
	})

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	if cfg.Server.TCPAddr != "" {
		tlsCfg, err := mmqptls.LoadTLSConfig(&cfg.Server.TLS)
		if err != nil {
			slog.Error("Failed to build TLS configuration", "error", err)
			os.Exit(1)
		}

		tcpServer := tcp.New(tcp.Config{
			Address:         cfg.Server.TCPAddr,
			TLSConfig:       tlsCfg,
			Logger:          logger,
			RateLimiter:     rl,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			ReadTimeout:     cfg.Server.TCPReadTimeout,
			WriteTimeout:    cfg.Server.TCPWriteTimeout,
			MaxConnections:  cfg.Server.TCPMaxConn,
			MaxFrameSize:    cfg.Server.MaxFrameSize,
		}, b)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting TCP server", "address", cfg.Server.TCPAddr, "security", mmqptls.SecurityStatus(tlsCfg))
			if err := tcpServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			ReadTimeout:     cfg.Server.TCPReadTimeout,
			WriteTimeout:    cfg.Server.TCPWriteTimeout,
			MaxMessageSize:  int64(cfg.Server.MaxFrameSize),
			RateLimiter:     rl,
			Logger:          logger,
		}, b)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("MMQP broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	if err := qm.Stop(); err != nil {
		slog.Error("Failed to write final checkpoint", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("MMQP broker stopped")
}

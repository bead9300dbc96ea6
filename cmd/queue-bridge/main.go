// Package main is the entry point for the queue bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tickget/queue-bridge/internal/booking"
	"github.com/tickget/queue-bridge/internal/bridge"
	"github.com/tickget/queue-bridge/internal/config"
	"github.com/tickget/queue-bridge/internal/connection"
	"github.com/tickget/queue-bridge/internal/health"
	"github.com/tickget/queue-bridge/internal/pipeline"
	"github.com/tickget/queue-bridge/internal/session"
	"github.com/tickget/queue-bridge/internal/stage"
	"github.com/tickget/queue-bridge/internal/store"
	"github.com/tickget/queue-bridge/internal/subscription"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("queue bridge starting",
		"config", *configPath,
		"broker_url", cfg.BrokerURL,
		"room_id", cfg.RoomID,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("queue bridge failed", "error", err)
		os.Exit(1)
	}
	logger.Info("queue bridge stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	auditStore, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer auditStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sess := session.New(cfg.UserID, cfg.AccessToken, cfg.RoomID)
	sess.Nickname = cfg.Nickname
	sess.SetMatchID(cfg.MatchID)
	logger.Info("session created", "window_id", sess.WindowID, "user_id", sess.UserID)

	bookingClient := booking.NewClient(cfg.BookingBaseURL, cfg.AccessToken,
		booking.WithLogger(logger.With("component", "booking")))

	navigator := stage.NavigatorFunc(func(target stage.NavTarget) {
		logger.Info("navigating",
			"url", (&url.URL{Path: target.Path, RawQuery: target.Query.Encode()}).String(),
			"replace", target.Replace,
		)
		// The next stage is a different process; this window's work is done.
		cancel()
	})

	ctrl := stage.NewController(sess, navigator,
		stage.WithReporter(bookingClient),
		stage.WithControllerLogger(logger.With("component", "stage")),
	)

	ctrl.Machine().OnTransition(func(ctx context.Context, from, to stage.State, trigger stage.Trigger) {
		logger.Info("stage transition", "from", from, "to", to, "trigger", trigger)
		if err := auditStore.RecordTransition(ctx, sess.WindowID, from.String(), to.String(), trigger.String()); err != nil {
			logger.Warn("failed to record transition", "error", err)
		}
		if to == stage.StatePromotedNavigating {
			matchID, _ := sess.MatchID()
			if err := auditStore.RecordPromotion(ctx, sess.WindowID, sess.UserID, matchID); err != nil {
				logger.Warn("failed to record promotion", "error", err)
			}
		}
	})

	exchange := bridge.NewExchange().WithLogger(logger.With("component", "bridge"))
	bridgeHandle := exchange.Open(cfg.RoomID)
	defer bridgeHandle.Close()

	// The manager's callbacks close over monitor, which is constructed
	// right after the manager; callbacks fire only once Connect runs.
	var monitor *health.Monitor

	manager := connection.NewManager(connection.Config{
		BrokerURL:         cfg.BrokerURL,
		AccessToken:       cfg.AccessToken,
		UserID:            cfg.UserID,
		ConnectTimeout:    cfg.ConnectTimeout,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatOutgoing: cfg.HeartbeatOutgoing,
		HeartbeatIncoming: cfg.HeartbeatIncoming,
	},
		connection.WithLogger(logger.With("component", "connection")),
		connection.WithCallbacks(connection.Callbacks{
			OnConnect: func() {
				monitor.RecordConnect()
				logger.Info("broker connected",
					"reconnects_so_far", monitor.ReconnectCount())
			},
			OnDisconnect: func() {
				// Fires on local teardown too; failures surface via OnError.
				logger.Info("broker session ended")
			},
			OnError: func(err error) {
				logger.Error("broker connection error", "error", err)
			},
		}),
	)

	monitor = health.NewMonitor(ctrl.Machine(), manager)

	pipe := pipeline.New(sess, ctrl,
		pipeline.WithBridge(bridgeHandle),
		pipeline.WithRecorder(monitor),
		pipeline.WithLogger(logger.With("component", "pipeline")),
	)
	bridgeHandle.OnMessage(func(body []byte) {
		pipe.HandleBridgeFrame(ctx, body)
	})

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer manager.Disconnect()

	// Room membership and captcha prefetch are best-effort: the window is
	// useful as a passive queue display even when they fail.
	if err := bookingClient.JoinRoom(ctx, cfg.RoomID, cfg.UserID, cfg.Nickname); err != nil {
		logger.Warn("failed to join room", "error", err)
	}
	if err := bookingClient.RequestCaptcha(ctx); err != nil {
		logger.Warn("failed to prefetch captcha", "error", err)
	}

	sub, err := subscription.Subscribe(ctx, manager, subscription.TopicName(cfg.RoomID),
		func(body []byte) {
			pipe.HandleBrokerFrame(ctx, body)
		},
		subscription.WithPolicy(subscription.Policy{
			Interval:    cfg.SubscribeRetryInterval,
			MaxAttempts: cfg.SubscribeMaxAttempts,
		}),
		subscription.WithLogger(logger.With("component", "subscription")),
	)
	if err != nil {
		return fmt.Errorf("subscribe to room topic: %w", err)
	}
	defer sub.Unsubscribe()

	// Enter the queue. On failure the window keeps its subscription and
	// enters the queue on the first position frame instead.
	if matchID, ok := sess.MatchID(); ok {
		result, err := bookingClient.Enqueue(ctx, matchID,
			sess.Metrics.ClickMisses, sess.Metrics.ReserveSeconds)
		if err != nil {
			logger.Warn("enqueue failed, waiting for broker position", "error", err)
		} else {
			ctrl.ApplyEnqueueResult(ctx, result.PositionAhead, result.PositionBehind)
			rank, total, _ := ctrl.Position()
			logger.Info("entered queue", "rank", rank, "total", total)
		}
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case <-ctx.Done():
		// Navigation or a fatal connection callback ended the stage.
	}

	status := monitor.Status()
	logger.Info("final health snapshot",
		"stage", status.Stage,
		"messages_received", status.MessagesReceived,
		"bridge_events", status.BridgeEvents,
		"route_errors", status.RouteErrors,
		"reconnects", status.ReconnectCount,
	)
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

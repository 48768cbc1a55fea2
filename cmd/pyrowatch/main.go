// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// pyrowatch polls infrared pyrometers over RS-485, persists their
// readings and serves them over HTTP and websocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hootrhino/pyrowatch/internal/api"
	"github.com/hootrhino/pyrowatch/internal/buffer"
	"github.com/hootrhino/pyrowatch/internal/config"
	"github.com/hootrhino/pyrowatch/internal/poll"
	"github.com/hootrhino/pyrowatch/internal/pyro"
	"github.com/hootrhino/pyrowatch/internal/retention"
	"github.com/hootrhino/pyrowatch/internal/serialbus"
	"github.com/hootrhino/pyrowatch/internal/store"
	"github.com/hootrhino/pyrowatch/internal/stream"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("pyrowatch starting",
		zap.String("version", api.Version),
		zap.String("bind", cfg.BindAddr),
		zap.Duration("poll_interval", cfg.PollInterval))

	st, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		return err
	}

	buses := serialbus.NewManager(log)
	hub := stream.NewBroadcaster(log)
	buf := buffer.New(cfg.BufferThreshold, cfg.BufferMaxHold, st, log)

	sched := poll.NewScheduler(poll.Config{
		PollInterval:  cfg.PollInterval,
		ModbusTimeout: cfg.ModbusTimeout,
	}, st, buf, hub, buses, log)

	// Registry mutations re-snapshot the polling fleet.
	st.SetConfigChanged(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()
		if err := sched.Reload(ctx); err != nil {
			log.Warn("polling reload after registry change failed", zap.Error(err))
		}
	})

	params := pyro.NewService(sched, st, buses, cfg.ModbusTimeout, log)
	keeper := retention.New(st, cfg.RetentionDays, cfg.RetentionCleanupHour, log)
	srv := api.NewServer(st, sched, params, hub, cfg.ConfigPIN, log)

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	err = sched.Start(startCtx)
	cancel()
	if err != nil {
		st.Close()
		return fmt.Errorf("start polling: %w", err)
	}
	keeper.Start()

	listenErr := make(chan error, 1)
	go func() { listenErr <- srv.Listen(cfg.BindAddr) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var fatal error
	select {
	case sig := <-stop:
		log.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case fatal = <-listenErr:
		log.Error("http server failed", zap.Error(fatal))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	cancel()
	sched.Stop()
	buf.Close()
	keeper.Stop()
	hub.CloseAll()
	buses.CloseAll()
	if err := st.Close(); err != nil {
		log.Warn("store close", zap.Error(err))
	}

	if fatal != nil {
		return fmt.Errorf("http server: %w", fatal)
	}
	log.Info("stopped cleanly")
	return nil
}

// buildLogger assembles the process logger at the configured level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

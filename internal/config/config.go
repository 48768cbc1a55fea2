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

// Package config loads the process-wide configuration once at start,
// from environment variables only.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable process configuration.
type Config struct {
	DatabaseURL          string
	BindAddr             string
	ConfigPIN            string
	LogLevel             string
	PollInterval         time.Duration
	ModbusTimeout        time.Duration
	BufferThreshold      int
	BufferMaxHold        time.Duration
	RetentionDays        int
	RetentionCleanupHour int
}

// Load reads the environment. DATABASE_URL is required; everything else
// has a default.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("MODBUS_TIMEOUT", "5s")
	v.SetDefault("BUFFER_THRESHOLD", 100)
	v.SetDefault("BUFFER_MAX_HOLD", "5s")
	v.SetDefault("RETENTION_DAYS", 2)
	v.SetDefault("RETENTION_CLEANUP_HOUR", 2)
	v.SetDefault("CONFIG_PIN", "1234")
	v.SetDefault("BIND_ADDR", "0.0.0.0:8000")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := Config{
		DatabaseURL:          v.GetString("DATABASE_URL"),
		BindAddr:             v.GetString("BIND_ADDR"),
		ConfigPIN:            v.GetString("CONFIG_PIN"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		BufferThreshold:      v.GetInt("BUFFER_THRESHOLD"),
		RetentionDays:        v.GetInt("RETENTION_DAYS"),
		RetentionCleanupHour: v.GetInt("RETENTION_CLEANUP_HOUR"),
	}

	var err error
	if cfg.PollInterval, err = parseDuration(v.GetString("POLL_INTERVAL")); err != nil {
		return Config{}, fmt.Errorf("config: POLL_INTERVAL: %w", err)
	}
	if cfg.ModbusTimeout, err = parseDuration(v.GetString("MODBUS_TIMEOUT")); err != nil {
		return Config{}, fmt.Errorf("config: MODBUS_TIMEOUT: %w", err)
	}
	if cfg.BufferMaxHold, err = parseDuration(v.GetString("BUFFER_MAX_HOLD")); err != nil {
		return Config{}, fmt.Errorf("config: BUFFER_MAX_HOLD: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL must be set")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("config: POLL_INTERVAL must be positive")
	}
	if cfg.ModbusTimeout <= 0 {
		return Config{}, fmt.Errorf("config: MODBUS_TIMEOUT must be positive")
	}
	if cfg.BufferThreshold <= 0 {
		return Config{}, fmt.Errorf("config: BUFFER_THRESHOLD must be positive")
	}
	if cfg.RetentionDays < 0 {
		return Config{}, fmt.Errorf("config: RETENTION_DAYS must not be negative")
	}
	if cfg.RetentionCleanupHour < 0 || cfg.RetentionCleanupHour > 23 {
		return Config{}, fmt.Errorf("config: RETENTION_CLEANUP_HOUR must be 0..23")
	}
	return cfg, nil
}

// parseDuration accepts Go duration syntax ("5s", "250ms") as well as
// bare integer seconds ("5").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

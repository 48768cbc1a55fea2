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

// Package store persists device settings and temperature readings in
// SQLite. Readings are append-only; retention moves old rows into an
// archive table instead of destroying them.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: name already exists")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_settings (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		name           TEXT    NOT NULL UNIQUE,
		com_port       TEXT    NOT NULL,
		baud_rate      INTEGER NOT NULL DEFAULT 9600,
		slave_id       INTEGER NOT NULL,
		start_register INTEGER NOT NULL DEFAULT 0,
		function_code  INTEGER NOT NULL DEFAULT 3,
		register_count INTEGER NOT NULL DEFAULT 2,
		show_in_graph  INTEGER NOT NULL DEFAULT 1,
		graph_y_min    REAL    NOT NULL DEFAULT 0,
		graph_y_max    REAL    NOT NULL DEFAULT 100,
		enabled        INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT    NOT NULL,
		updated_at     TEXT    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_readings (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id     INTEGER NOT NULL,
		device_name   TEXT    NOT NULL,
		timestamp     TEXT    NOT NULL,
		temperature   REAL,
		ambient_temp  REAL,
		status        TEXT    NOT NULL,
		raw_hex       TEXT,
		error_message TEXT,
		FOREIGN KEY (device_id) REFERENCES device_settings(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_device_ts
		ON device_readings(device_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_ts
		ON device_readings(timestamp)`,
	`CREATE TABLE IF NOT EXISTS reading_archive (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		reading_id    INTEGER NOT NULL,
		device_id     INTEGER NOT NULL,
		device_name   TEXT    NOT NULL,
		timestamp     TEXT    NOT NULL,
		temperature   REAL,
		ambient_temp  REAL,
		status        TEXT    NOT NULL,
		raw_hex       TEXT,
		error_message TEXT,
		archived_at   TEXT    NOT NULL
	)`,
}

// Store wraps the SQLite handle shared by the registry and reading sides.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	configChanged func()
}

// Open opens (creating if needed) the database at url and runs the schema.
// url is a filesystem path, optionally prefixed with sqlite:// or
// sqlite3://; driver parameters may be appended with the usual ?k=v form.
func Open(url string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite3://"), "sqlite://")
	if dsn == "" {
		return nil, fmt.Errorf("store: empty database url")
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	// WAL lets readers run beside the flusher's writes; busy_timeout
	// covers the remaining writer-on-writer contention.
	db.SetMaxOpenConns(4)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dsn, err)
	}
	s := &Store{db: db, log: log.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("database ready", zap.String("dsn", dsn))
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetConfigChanged registers a callback fired after every successful
// device mutation. The scheduler hangs its Reload here.
func (s *Store) SetConfigChanged(fn func()) {
	s.configChanged = fn
}

func (s *Store) notifyConfigChanged() {
	if s.configChanged != nil {
		s.configChanged()
	}
}

// mapSQLErr folds driver errors into the store sentinels.
func mapSQLErr(err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

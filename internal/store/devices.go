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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
)

const deviceColumns = `id, name, com_port, baud_rate, slave_id, start_register,
	function_code, register_count, show_in_graph, graph_y_min, graph_y_max,
	enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var d model.Device
	var created, updated string
	err := row.Scan(&d.ID, &d.Name, &d.ComPort, &d.BaudRate, &d.SlaveID,
		&d.StartRegister, &d.FunctionCode, &d.RegisterCount, &d.ShowInGraph,
		&d.GraphYMin, &d.GraphYMax, &d.Enabled, &created, &updated)
	if err != nil {
		return model.Device{}, err
	}
	if d.CreatedAt, err = model.ParseTimestamp(created); err != nil {
		return model.Device{}, fmt.Errorf("store: device %d created_at: %w", d.ID, err)
	}
	if d.UpdatedAt, err = model.ParseTimestamp(updated); err != nil {
		return model.Device{}, fmt.Errorf("store: device %d updated_at: %w", d.ID, err)
	}
	return d, nil
}

// ListDevices returns devices ordered by id. With enabledOnly set only
// devices taking part in polling come back.
func (s *Store) ListDevices(ctx context.Context, enabledOnly bool) ([]model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM device_settings`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()
	devices := make([]model.Device, 0, 16)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list devices: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDevice returns one device or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, id int64) (model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM device_settings WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, fmt.Errorf("%w: device %d", ErrNotFound, id)
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("store: get device %d: %w", id, err)
	}
	return d, nil
}

// CreateDevice validates, inserts and fills in id and timestamps.
// A duplicate name maps to ErrConflict.
func (s *Store) CreateDevice(ctx context.Context, d *model.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	now := model.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device_settings (name, com_port, baud_rate, slave_id,
			start_register, function_code, register_count, show_in_graph,
			graph_y_min, graph_y_max, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, d.ComPort, d.BaudRate, d.SlaveID, d.StartRegister,
		d.FunctionCode, d.RegisterCount, d.ShowInGraph, d.GraphYMin,
		d.GraphYMax, d.Enabled, now.String(), now.String())
	if err != nil {
		return mapSQLErr(err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("store: create device: %w", err)
	}
	s.log.Info("device created", zap.Int64("id", d.ID), zap.String("name", d.Name))
	s.notifyConfigChanged()
	return nil
}

// UpdateDevice rewrites every setting of d.ID. The id stays stable so
// historical readings keep their link.
func (s *Store) UpdateDevice(ctx context.Context, d *model.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.UpdatedAt = model.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_settings SET name = ?, com_port = ?, baud_rate = ?,
			slave_id = ?, start_register = ?, function_code = ?,
			register_count = ?, show_in_graph = ?, graph_y_min = ?,
			graph_y_max = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.ComPort, d.BaudRate, d.SlaveID, d.StartRegister,
		d.FunctionCode, d.RegisterCount, d.ShowInGraph, d.GraphYMin,
		d.GraphYMax, d.Enabled, d.UpdatedAt.String(), d.ID)
	if err != nil {
		return mapSQLErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update device %d: %w", d.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: device %d", ErrNotFound, d.ID)
	}
	s.log.Info("device updated", zap.Int64("id", d.ID), zap.String("name", d.Name))
	s.notifyConfigChanged()
	return nil
}

// DeleteDevice removes the device; its readings cascade away with it.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_settings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete device %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete device %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: device %d", ErrNotFound, id)
	}
	s.log.Info("device deleted", zap.Int64("id", id))
	s.notifyConfigChanged()
	return nil
}

// DeleteAllDevices wipes the registry and, through the cascade, every
// live reading. Backs the clear-settings operation.
func (s *Store) DeleteAllDevices(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_settings`)
	if err != nil {
		return 0, fmt.Errorf("store: delete all devices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete all devices: %w", err)
	}
	s.log.Warn("all device settings deleted", zap.Int64("count", n))
	s.notifyConfigChanged()
	return n, nil
}

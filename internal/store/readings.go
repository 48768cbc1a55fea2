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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
)

const readingColumns = `id, device_id, device_name, timestamp, temperature,
	ambient_temp, status, raw_hex, error_message`

// maxHistoryRows bounds unpaged history queries.
const maxHistoryRows = 10000

func scanReading(row rowScanner) (model.Reading, error) {
	var r model.Reading
	var ts string
	var temp, ambient sql.NullFloat64
	var rawHex, errMsg sql.NullString
	err := row.Scan(&r.ID, &r.DeviceID, &r.DeviceName, &ts, &temp, &ambient,
		&r.Status, &rawHex, &errMsg)
	if err != nil {
		return model.Reading{}, err
	}
	if r.Timestamp, err = model.ParseTimestamp(ts); err != nil {
		return model.Reading{}, fmt.Errorf("store: reading %d timestamp: %w", r.ID, err)
	}
	if temp.Valid {
		r.Temperature = model.Float64Ptr(temp.Float64)
	}
	if ambient.Valid {
		r.AmbientTemp = model.Float64Ptr(ambient.Float64)
	}
	r.RawHex = rawHex.String
	r.ErrorMessage = errMsg.String
	return r, nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// AppendBatch inserts every reading in one transaction; on any failure
// the whole batch rolls back so the flusher can retry it intact.
func (s *Store) AppendBatch(ctx context.Context, batch []model.Reading) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append batch: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO device_readings (device_id, device_name, timestamp,
			temperature, ambient_temp, status, raw_hex, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: append batch: %w", err)
	}
	defer stmt.Close()
	for _, r := range batch {
		_, err := stmt.ExecContext(ctx, r.DeviceID, r.DeviceName,
			r.Timestamp.String(), nullFloat(r.Temperature),
			nullFloat(r.AmbientTemp), string(r.Status),
			nullString(r.RawHex), nullString(r.ErrorMessage))
		if err != nil {
			return fmt.Errorf("store: append batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: append batch: %w", err)
	}
	return nil
}

// Latest returns the most recent reading of every device that has one.
func (s *Store) Latest(ctx context.Context) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM device_readings
		WHERE id IN (SELECT MAX(id) FROM device_readings GROUP BY device_id)
		ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("store: latest readings: %w", err)
	}
	defer rows.Close()
	return collectReadings(rows)
}

// Recent returns up to limit readings of one device, newest first.
func (s *Store) Recent(ctx context.Context, deviceID int64, limit int) ([]model.Reading, error) {
	if limit <= 0 || limit > maxHistoryRows {
		limit = maxHistoryRows
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM device_readings
		WHERE device_id = ? ORDER BY id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent readings: %w", err)
	}
	defer rows.Close()
	return collectReadings(rows)
}

// History returns readings in ascending time order. deviceID, start and
// end are each optional.
func (s *Store) History(ctx context.Context, deviceID *int64, start, end *model.Timestamp, limit int) ([]model.Reading, error) {
	if limit <= 0 || limit > maxHistoryRows {
		limit = maxHistoryRows
	}
	where, args := historyFilter(deviceID, start, end)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM device_readings`+where+
			` ORDER BY timestamp, id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()
	return collectReadings(rows)
}

func historyFilter(deviceID *int64, start, end *model.Timestamp) (string, []any) {
	var conds []string
	var args []any
	if deviceID != nil {
		conds = append(conds, "device_id = ?")
		args = append(args, *deviceID)
	}
	if start != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, start.String())
	}
	if end != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, end.String())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func collectReadings(rows *sql.Rows) ([]model.Reading, error) {
	readings := make([]model.Reading, 0, 64)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// DevicesWithLatest joins every registered device with its most recent
// reading; devices never polled carry a null reading.
func (s *Store) DevicesWithLatest(ctx context.Context) ([]model.DeviceWithReading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.name, d.com_port, d.baud_rate, d.slave_id,
			d.start_register, d.function_code, d.register_count,
			d.show_in_graph, d.graph_y_min, d.graph_y_max, d.enabled,
			d.created_at, d.updated_at,
			r.id, r.device_id, r.device_name, r.timestamp, r.temperature,
			r.ambient_temp, r.status, r.raw_hex, r.error_message
		FROM device_settings d
		LEFT JOIN device_readings r ON r.id = (
			SELECT MAX(id) FROM device_readings WHERE device_id = d.id
		)
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("store: devices with readings: %w", err)
	}
	defer rows.Close()

	result := make([]model.DeviceWithReading, 0, 16)
	for rows.Next() {
		var item model.DeviceWithReading
		var created, updated string
		var rID, rDeviceID sql.NullInt64
		var rName, rTS, rStatus, rRawHex, rErrMsg sql.NullString
		var rTemp, rAmbient sql.NullFloat64
		err := rows.Scan(&item.ID, &item.Name, &item.ComPort, &item.BaudRate,
			&item.SlaveID, &item.StartRegister, &item.FunctionCode,
			&item.RegisterCount, &item.ShowInGraph, &item.GraphYMin,
			&item.GraphYMax, &item.Enabled, &created, &updated,
			&rID, &rDeviceID, &rName, &rTS, &rTemp, &rAmbient, &rStatus,
			&rRawHex, &rErrMsg)
		if err != nil {
			return nil, fmt.Errorf("store: devices with readings: %w", err)
		}
		if item.CreatedAt, err = model.ParseTimestamp(created); err != nil {
			return nil, fmt.Errorf("store: device %d created_at: %w", item.ID, err)
		}
		if item.UpdatedAt, err = model.ParseTimestamp(updated); err != nil {
			return nil, fmt.Errorf("store: device %d updated_at: %w", item.ID, err)
		}
		if rID.Valid {
			reading := model.Reading{
				ID:           rID.Int64,
				DeviceID:     rDeviceID.Int64,
				DeviceName:   rName.String,
				Status:       model.Status(rStatus.String),
				RawHex:       rRawHex.String,
				ErrorMessage: rErrMsg.String,
			}
			if reading.Timestamp, err = model.ParseTimestamp(rTS.String); err != nil {
				return nil, fmt.Errorf("store: reading %d timestamp: %w", rID.Int64, err)
			}
			if rTemp.Valid {
				reading.Temperature = model.Float64Ptr(rTemp.Float64)
			}
			if rAmbient.Valid {
				reading.AmbientTemp = model.Float64Ptr(rAmbient.Float64)
			}
			item.LatestReading = &reading
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// ExportCSV streams matching readings as CSV rows and reports how many
// were written. Rows stream straight from the cursor; the result set is
// never held in memory.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, deviceID *int64, start, end *model.Timestamp) (int, error) {
	where, args := historyFilter(deviceID, start, end)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM device_readings`+where+
			` ORDER BY timestamp, id`, args...)
	if err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"sr_no", "timestamp", "temperature",
		"ambient_temp", "status"}); err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	count := 0
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return count, fmt.Errorf("store: export: %w", err)
		}
		count++
		record := []string{
			strconv.Itoa(count),
			r.Timestamp.CSV(),
			formatOptional(r.Temperature),
			formatOptional(r.AmbientTemp),
			string(r.Status),
		}
		if err := cw.Write(record); err != nil {
			return count, fmt.Errorf("store: export: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("store: export: %w", err)
	}
	cw.Flush()
	return count, cw.Error()
}

func formatOptional(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', 1, 64)
}

// ReadingStats summarises the live reading table.
func (s *Store) ReadingStats(ctx context.Context) (model.ReadingStats, error) {
	stats := model.ReadingStats{
		ReadingsByStatus: map[string]int64{"ok": 0, "stale": 0, "err": 0},
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM device_readings GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("store: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("store: stats: %w", err)
		}
		stats.TotalReadings += n
		stats.ReadingsByStatus[strings.ToLower(status)] += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("store: stats: %w", err)
	}
	if stats.TotalReadings == 0 {
		return stats, nil
	}

	var earliest, latest string
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM device_readings`).
		Scan(&earliest, &latest)
	if err != nil {
		return stats, fmt.Errorf("store: stats: %w", err)
	}
	first, err := model.ParseTimestamp(earliest)
	if err != nil {
		return stats, fmt.Errorf("store: stats earliest: %w", err)
	}
	last, err := model.ParseTimestamp(latest)
	if err != nil {
		return stats, fmt.Errorf("store: stats latest: %w", err)
	}
	stats.Earliest, stats.Latest = &first, &last
	return stats, nil
}

// DeleteAllReadings wipes the live reading table, leaving the archive alone.
func (s *Store) DeleteAllReadings(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_readings`)
	if err != nil {
		return 0, fmt.Errorf("store: delete readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete readings: %w", err)
	}
	s.log.Warn("all readings deleted", zap.Int64("count", n))
	return n, nil
}

// ArchiveBefore moves readings older than horizon into reading_archive
// and removes them from the live table, all in one transaction.
func (s *Store) ArchiveBefore(ctx context.Context, horizon model.Timestamp) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: archive: %w", err)
	}
	defer tx.Rollback()

	cutoff := horizon.String()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO reading_archive (reading_id, device_id, device_name,
			timestamp, temperature, ambient_temp, status, raw_hex,
			error_message, archived_at)
		SELECT id, device_id, device_name, timestamp, temperature,
			ambient_temp, status, raw_hex, error_message, ?
		FROM device_readings WHERE timestamp < ?`,
		model.Now().String(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: archive: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: archive: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM device_readings WHERE timestamp < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("store: archive: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: archive: %w", err)
	}
	if moved > 0 {
		s.log.Info("readings archived", zap.Int64("count", moved),
			zap.String("horizon", cutoff))
	}
	return moved, nil
}

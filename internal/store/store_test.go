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
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pyrowatch.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDevice(name string) model.Device {
	return model.Device{
		Name:          name,
		ComPort:       "COM3",
		BaudRate:      9600,
		SlaveID:       1,
		StartRegister: 0,
		FunctionCode:  3,
		RegisterCount: 2,
		ShowInGraph:   true,
		GraphYMin:     0,
		GraphYMax:     100,
		Enabled:       true,
	}
}

func testReading(deviceID int64, name string, at time.Time, temp float64, status model.Status) model.Reading {
	r := model.Reading{
		DeviceID:   deviceID,
		DeviceName: name,
		Timestamp:  model.At(at),
		Status:     status,
	}
	if status == model.StatusOK {
		r.Temperature = model.Float64Ptr(temp)
		r.RawHex = "012C 00FF"
	} else {
		r.ErrorMessage = "reply timeout"
	}
	return r
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pyrowatch.db")

	s1, err := Open("sqlite://"+path, zap.NewNop())
	require.NoError(t, err)
	d := testDevice("Furnace 1")
	require.NoError(t, s1.CreateDevice(context.Background(), &d))
	require.NoError(t, s1.Close())

	// Reopening runs the schema again and keeps existing rows.
	s2, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()
	devices, err := s2.ListDevices(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, "Furnace 1", devices[0].Name)
}

func TestDeviceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	changes := 0
	s.SetConfigChanged(func() { changes++ })

	d := testDevice("Ladle East")
	require.NoError(t, s.CreateDevice(ctx, &d))
	assert.Positive(t, d.ID)
	assert.False(t, d.CreatedAt.IsZero())
	assert.Equal(t, 1, changes)

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Name, got.Name)
	assert.Equal(t, d.ComPort, got.ComPort)
	assert.Equal(t, d.BaudRate, got.BaudRate)
	assert.Equal(t, d.SlaveID, got.SlaveID)
	assert.True(t, got.Enabled)

	got.Name = "Ladle West"
	got.SlaveID = 7
	got.Enabled = false
	require.NoError(t, s.UpdateDevice(ctx, &got))
	assert.Equal(t, 2, changes)

	again, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ladle West", again.Name)
	assert.Equal(t, uint8(7), again.SlaveID)
	assert.False(t, again.Enabled)
	assert.Equal(t, d.CreatedAt, again.CreatedAt)

	require.NoError(t, s.DeleteDevice(ctx, d.ID))
	assert.Equal(t, 3, changes)
	_, err = s.GetDevice(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDeviceDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1 := testDevice("Kiln")
	require.NoError(t, s.CreateDevice(ctx, &d1))
	d2 := testDevice("Kiln")
	d2.SlaveID = 2
	err := s.CreateDevice(ctx, &d2)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateDeviceValidation(t *testing.T) {
	s := newTestStore(t)

	d := testDevice("Bad")
	d.BaudRate = 1234
	d.SlaveID = 0
	err := s.CreateDevice(context.Background(), &d)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 2)

	devices, err := s.ListDevices(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestListDevicesEnabledOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	on := testDevice("On")
	require.NoError(t, s.CreateDevice(ctx, &on))
	off := testDevice("Off")
	off.Enabled = false
	require.NoError(t, s.CreateDevice(ctx, &off))

	all, err := s.ListDevices(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListDevices(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "On", enabled[0].Name)
}

func TestUpdateDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	d := testDevice("Ghost")
	d.ID = 4242
	assert.ErrorIs(t, s.UpdateDevice(context.Background(), &d), ErrNotFound)
	assert.ErrorIs(t, s.DeleteDevice(context.Background(), 4242), ErrNotFound)
}

func TestAppendBatchAndQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1 := testDevice("Furnace 1")
	require.NoError(t, s.CreateDevice(ctx, &d1))
	d2 := testDevice("Furnace 2")
	d2.SlaveID = 2
	require.NoError(t, s.CreateDevice(ctx, &d2))

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	batch := []model.Reading{
		testReading(d1.ID, d1.Name, base, 850.5, model.StatusOK),
		testReading(d1.ID, d1.Name, base.Add(5*time.Second), 851.0, model.StatusOK),
		testReading(d2.ID, d2.Name, base.Add(2*time.Second), 0, model.StatusErr),
		testReading(d1.ID, d1.Name, base.Add(10*time.Second), 852.5, model.StatusOK),
	}
	require.NoError(t, s.AppendBatch(ctx, batch))

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.NotNil(t, latest[0].Temperature)
	assert.Equal(t, 852.5, *latest[0].Temperature)
	assert.Nil(t, latest[1].Temperature)
	assert.Equal(t, model.StatusErr, latest[1].Status)
	assert.Equal(t, "reply timeout", latest[1].ErrorMessage)

	recent, err := s.Recent(ctx, d1.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 852.5, *recent[0].Temperature)
	assert.Equal(t, 851.0, *recent[1].Temperature)

	start := model.At(base.Add(time.Second))
	end := model.At(base.Add(6 * time.Second))
	hist, err := s.History(ctx, &d1.ID, &start, &end, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 851.0, *hist[0].Temperature)

	all, err := s.History(ctx, nil, nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	// Ascending across devices.
	assert.Equal(t, d1.ID, all[0].DeviceID)
	assert.Equal(t, d2.ID, all[1].DeviceID)
}

func TestDeleteDeviceCascadesReadings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := testDevice("Doomed")
	require.NoError(t, s.CreateDevice(ctx, &d))
	require.NoError(t, s.AppendBatch(ctx, []model.Reading{
		testReading(d.ID, d.Name, time.Now().UTC(), 100, model.StatusOK),
	}))
	require.NoError(t, s.DeleteDevice(ctx, d.ID))

	readings, err := s.History(ctx, &d.ID, nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestDevicesWithLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	polled := testDevice("Polled")
	require.NoError(t, s.CreateDevice(ctx, &polled))
	fresh := testDevice("Fresh")
	fresh.SlaveID = 2
	require.NoError(t, s.CreateDevice(ctx, &fresh))
	require.NoError(t, s.AppendBatch(ctx, []model.Reading{
		testReading(polled.ID, polled.Name, time.Now().UTC(), 425.5, model.StatusOK),
	}))

	joined, err := s.DevicesWithLatest(ctx)
	require.NoError(t, err)
	require.Len(t, joined, 2)
	require.NotNil(t, joined[0].LatestReading)
	assert.Equal(t, 425.5, *joined[0].LatestReading.Temperature)
	assert.Nil(t, joined[1].LatestReading)
}

func TestExportCSV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := testDevice("Export")
	require.NoError(t, s.CreateDevice(ctx, &d))
	base := time.Date(2024, 6, 1, 12, 0, 0, 500000, time.UTC)
	require.NoError(t, s.AppendBatch(ctx, []model.Reading{
		testReading(d.ID, d.Name, base, 850.5, model.StatusOK),
		testReading(d.ID, d.Name, base.Add(5*time.Second), 0, model.StatusErr),
	}))

	var buf bytes.Buffer
	n, err := s.ExportCSV(ctx, &buf, &d.ID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "sr_no,timestamp,temperature,ambient_temp,status", lines[0])
	assert.Equal(t, "1,2024-06-01 12:00:00,850.5,,OK", lines[1])
	assert.Equal(t, "2,2024-06-01 12:00:05,,,Err", lines[2])
}

func TestReadingStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.ReadingStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalReadings)
	assert.Nil(t, empty.Earliest)

	d := testDevice("Stats")
	require.NoError(t, s.CreateDevice(ctx, &d))
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendBatch(ctx, []model.Reading{
		testReading(d.ID, d.Name, base, 1, model.StatusOK),
		testReading(d.ID, d.Name, base.Add(time.Second), 2, model.StatusOK),
		testReading(d.ID, d.Name, base.Add(2*time.Second), 0, model.StatusErr),
	}))

	stats, err := s.ReadingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalReadings)
	assert.Equal(t, int64(2), stats.ReadingsByStatus["ok"])
	assert.Equal(t, int64(1), stats.ReadingsByStatus["err"])
	assert.Equal(t, int64(0), stats.ReadingsByStatus["stale"])
	require.NotNil(t, stats.Earliest)
	require.NotNil(t, stats.Latest)
	assert.Equal(t, model.At(base).String(), stats.Earliest.String())
	assert.Equal(t, model.At(base.Add(2*time.Second)).String(), stats.Latest.String())
}

func TestDeleteAllReadings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := testDevice("Wipe")
	require.NoError(t, s.CreateDevice(ctx, &d))
	require.NoError(t, s.AppendBatch(ctx, []model.Reading{
		testReading(d.ID, d.Name, time.Now().UTC(), 1, model.StatusOK),
		testReading(d.ID, d.Name, time.Now().UTC(), 2, model.StatusOK),
	}))

	n, err := s.DeleteAllReadings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	stats, err := s.ReadingStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalReadings)
}

func TestArchiveBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := testDevice("Retention")
	require.NoError(t, s.CreateDevice(ctx, &d))
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendBatch(ctx, []model.Reading{
		testReading(d.ID, d.Name, now.AddDate(0, 0, -5), 1, model.StatusOK),
		testReading(d.ID, d.Name, now.AddDate(0, 0, -3), 2, model.StatusOK),
		testReading(d.ID, d.Name, now, 3, model.StatusOK),
	}))

	moved, err := s.ArchiveBefore(ctx, model.At(now.AddDate(0, 0, -2)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)

	live, err := s.History(ctx, &d.ID, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, 3.0, *live[0].Temperature)

	var archived int64
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM reading_archive`).Scan(&archived))
	assert.Equal(t, int64(2), archived)

	// Second run finds nothing left to move.
	moved, err = s.ArchiveBefore(ctx, model.At(now.AddDate(0, 0, -2)))
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestDeleteAllDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1 := testDevice("A")
	require.NoError(t, s.CreateDevice(ctx, &d1))
	d2 := testDevice("B")
	d2.SlaveID = 2
	require.NoError(t, s.CreateDevice(ctx, &d2))
	require.NoError(t, s.AppendBatch(ctx, []model.Reading{
		testReading(d1.ID, d1.Name, time.Now().UTC(), 1, model.StatusOK),
	}))

	n, err := s.DeleteAllDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	devices, err := s.ListDevices(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, devices)
	stats, err := s.ReadingStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalReadings)
}

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

package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
	"github.com/hootrhino/pyrowatch/internal/store"
)

func TestRunOnceArchivesOldReadings(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "retention.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	d := model.Device{
		Name: "Kiln", ComPort: "COM3", BaudRate: 9600, SlaveID: 1,
		FunctionCode: 3, RegisterCount: 1, GraphYMax: 1200, Enabled: true,
	}
	require.NoError(t, s.CreateDevice(ctx, &d))

	now := time.Now()
	reading := func(age time.Duration) model.Reading {
		return model.Reading{
			DeviceID: d.ID, DeviceName: d.Name,
			Timestamp:   model.At(now.Add(-age)),
			Temperature: model.Float64Ptr(850.0),
			Status:      model.StatusOK,
		}
	}
	require.NoError(t, s.AppendBatch(ctx, []model.Reading{
		reading(40 * 24 * time.Hour),
		reading(31 * 24 * time.Hour),
		reading(time.Minute),
	}))

	svc := New(s, 30, 2, zap.NewNop())
	moved, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)

	live, err := s.Recent(ctx, d.ID, 10)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	moved, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved, "a second run finds nothing left to move")
}

func TestDisabledRetentionStartsAndStops(t *testing.T) {
	svc := New(nil, 0, 2, zap.NewNop())
	svc.Start()
	svc.Stop()
}

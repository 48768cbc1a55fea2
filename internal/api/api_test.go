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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/modbus"
	"github.com/hootrhino/pyrowatch/internal/model"
	"github.com/hootrhino/pyrowatch/internal/poll"
	"github.com/hootrhino/pyrowatch/internal/pyro"
	"github.com/hootrhino/pyrowatch/internal/serialbus"
	"github.com/hootrhino/pyrowatch/internal/store"
	"github.com/hootrhino/pyrowatch/internal/stream"
)

type fakePoller struct {
	mu       sync.Mutex
	paused   bool
	lease    string
	restarts int
	pauseErr error
	stats    poll.Stats
}

func (f *fakePoller) Pause() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return "", f.pauseErr
	}
	if f.paused {
		return "", poll.ErrBusy
	}
	f.paused = true
	f.lease = "op-lease"
	return f.lease, nil
}

func (f *fakePoller) Resume(lease string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paused || lease != f.lease {
		return poll.ErrLease
	}
	f.paused = false
	f.lease = ""
	return nil
}

func (f *fakePoller) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakePoller) Stats() poll.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePoller) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

type fakeParams struct {
	mu        sync.Mutex
	calls     []string
	readValue float64
	readErr   error
	writeErr  error
	settings  pyro.Settings
	test      pyro.TestResult
	testErr   error
}

func (f *fakeParams) Read(ctx context.Context, comPort string, slaveID uint8, name string) (pyro.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("read %s %s %d", name, comPort, slaveID))
	if f.readErr != nil {
		return pyro.Value{}, f.readErr
	}
	return pyro.Value{Parameter: name, Value: f.readValue}, nil
}

func (f *fakeParams) Write(ctx context.Context, comPort string, slaveID uint8, name string, value float64) (pyro.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("write %s %s %d %g", name, comPort, slaveID, value))
	if f.writeErr != nil {
		return pyro.Value{}, f.writeErr
	}
	return pyro.Value{Parameter: name, Value: value}, nil
}

func (f *fakeParams) ReadAll(ctx context.Context, comPort string, slaveID uint8) (pyro.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("read-all %s %d", comPort, slaveID))
	if f.readErr != nil {
		return pyro.Settings{}, f.readErr
	}
	return f.settings, nil
}

func (f *fakeParams) TestConnection(ctx context.Context, deviceID int64) (pyro.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("test %d", deviceID))
	if f.testErr != nil {
		return pyro.TestResult{}, f.testErr
	}
	return f.test, nil
}

func (f *fakeParams) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

type testServer struct {
	srv    *Server
	st     *store.Store
	poller *fakePoller
	params *fakeParams
	hub    *stream.Broadcaster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ts := &testServer{
		st:     st,
		poller: &fakePoller{},
		params: &fakeParams{readValue: 0.95},
		hub:    stream.NewBroadcaster(zap.NewNop()),
	}
	ts.srv = NewServer(st, ts.poller, ts.params, ts.hub, "4321", zap.NewNop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func deviceBody(name string) map[string]any {
	return map[string]any{
		"name": name, "com_port": "com3", "baud_rate": 9600, "slave_id": 1,
		"start_register": 0, "function_code": 3, "register_count": 1,
		"show_in_graph": true, "graph_y_min": 0, "graph_y_max": 1200,
		"enabled": true,
	}
}

func TestHealthAndBanner(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	decode(t, resp, &health)
	assert.Equal(t, "ok", health["status"])

	resp = ts.do(t, "GET", "/api/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var banner map[string]string
	decode(t, resp, &banner)
	assert.Equal(t, "pyrowatch", banner["service"])
	assert.Equal(t, Version, banner["version"])
	assert.Equal(t, "running", banner["status"])
}

func TestDeviceLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/devices", deviceBody("Kiln"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Device
	decode(t, resp, &created)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "Kiln", created.Name)
	assert.Equal(t, "COM3", created.ComPort, "port is normalised upper-case")
	assert.False(t, created.CreatedAt.IsZero())

	resp = ts.do(t, "GET", "/api/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []model.Device
	decode(t, resp, &list)
	require.Len(t, list, 1)

	resp = ts.do(t, "GET", fmt.Sprintf("/api/devices/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Device
	decode(t, resp, &got)
	assert.Equal(t, created.ID, got.ID)

	update := deviceBody("Kiln North")
	update["slave_id"] = 2
	resp = ts.do(t, "PUT", fmt.Sprintf("/api/devices/%d", created.ID), update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated model.Device
	decode(t, resp, &updated)
	assert.Equal(t, "Kiln North", updated.Name)
	assert.Equal(t, uint8(2), updated.SlaveID)
	assert.Equal(t, created.CreatedAt.String(), updated.CreatedAt.String())

	resp = ts.do(t, "DELETE", fmt.Sprintf("/api/devices/%d", created.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "GET", fmt.Sprintf("/api/devices/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var notFound map[string]string
	decode(t, resp, &notFound)
	assert.Contains(t, notFound["detail"], "not found")
}

func TestDeviceEnabledFilter(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, "POST", "/api/devices", deviceBody("On")).Body.Close()
	off := deviceBody("Off")
	off["enabled"] = false
	off["slave_id"] = 2
	ts.do(t, "POST", "/api/devices", off).Body.Close()

	resp := ts.do(t, "GET", "/api/devices?enabled_only=true", nil)
	var list []model.Device
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "On", list[0].Name)
}

func TestDeviceValidationAndConflict(t *testing.T) {
	ts := newTestServer(t)

	bad := deviceBody("Bad")
	bad["baud_rate"] = 1234
	bad["slave_id"] = 0
	resp := ts.do(t, "POST", "/api/devices", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var verr struct {
		Detail []model.FieldError `json:"detail"`
	}
	decode(t, resp, &verr)
	locs := make([]string, 0, len(verr.Detail))
	for _, f := range verr.Detail {
		locs = append(locs, f.Loc)
	}
	assert.Contains(t, locs, "baud_rate")
	assert.Contains(t, locs, "slave_id")

	ts.do(t, "POST", "/api/devices", deviceBody("Dup")).Body.Close()
	dup := deviceBody("Dup")
	dup["slave_id"] = 9
	resp = ts.do(t, "POST", "/api/devices", dup)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestDeviceBadID(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/api/devices/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "invalid device id", body["detail"])
}

// seedReadings creates two devices and three readings at known instants.
func seedReadings(t *testing.T, ts *testServer) (model.Device, model.Device, time.Time) {
	t.Helper()
	ctx := context.Background()
	a := model.Device{Name: "A", ComPort: "COM3", BaudRate: 9600, SlaveID: 1,
		FunctionCode: 3, RegisterCount: 1, GraphYMax: 1200, Enabled: true}
	b := model.Device{Name: "B", ComPort: "COM3", BaudRate: 9600, SlaveID: 2,
		FunctionCode: 3, RegisterCount: 1, GraphYMax: 1200, Enabled: true}
	require.NoError(t, ts.st.CreateDevice(ctx, &a))
	require.NoError(t, ts.st.CreateDevice(ctx, &b))

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ts.st.AppendBatch(ctx, []model.Reading{
		{DeviceID: a.ID, DeviceName: a.Name, Timestamp: model.At(base),
			Temperature: model.Float64Ptr(850.5), Status: model.StatusOK, RawHex: "2139"},
		{DeviceID: a.ID, DeviceName: a.Name, Timestamp: model.At(base.Add(5 * time.Second)),
			Temperature: model.Float64Ptr(900.0), Status: model.StatusOK, RawHex: "2328"},
		{DeviceID: b.ID, DeviceName: b.Name, Timestamp: model.At(base.Add(time.Second)),
			Status: model.StatusErr, ErrorMessage: "transaction timeout"},
	}))
	return a, b, base
}

func TestReadingRoutes(t *testing.T) {
	ts := newTestServer(t)
	a, b, base := seedReadings(t, ts)

	resp := ts.do(t, "GET", "/api/reading/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var latest []struct {
		DeviceID      int64         `json:"device_id"`
		DeviceName    string        `json:"device_name"`
		LatestReading model.Reading `json:"latest_reading"`
	}
	decode(t, resp, &latest)
	require.Len(t, latest, 2)
	assert.Equal(t, a.ID, latest[0].DeviceID)
	assert.Equal(t, "A", latest[0].DeviceName)
	require.NotNil(t, latest[0].LatestReading.Temperature)
	assert.Equal(t, 900.0, *latest[0].LatestReading.Temperature)
	assert.Equal(t, b.ID, latest[1].DeviceID)
	assert.Equal(t, model.StatusErr, latest[1].LatestReading.Status)

	resp = ts.do(t, "GET", fmt.Sprintf("/api/reading/device/%d?limit=1", a.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recent []model.Reading
	decode(t, resp, &recent)
	require.Len(t, recent, 1)
	assert.Equal(t, 900.0, *recent[0].Temperature)

	resp = ts.do(t, "GET", "/api/reading/device/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	window := fmt.Sprintf("/api/reading/filter?device_id=%d&start_date=%s&end_date=%s",
		a.ID, base.Format("2006-01-02T15:04:05"), base.Add(2*time.Second).Format("2006-01-02T15:04:05"))
	resp = ts.do(t, "GET", window, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var filtered struct {
		Readings []model.Reading `json:"readings"`
	}
	decode(t, resp, &filtered)
	require.Len(t, filtered.Readings, 1)
	assert.Equal(t, 850.5, *filtered.Readings[0].Temperature)

	resp = ts.do(t, "GET", "/api/reading/filter?start_date=junk", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, "GET", "/api/reading/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats model.ReadingStats
	decode(t, resp, &stats)
	assert.Equal(t, int64(3), stats.TotalReadings)
	assert.Equal(t, int64(2), stats.ReadingsByStatus["ok"])
	assert.Equal(t, int64(1), stats.ReadingsByStatus["err"])
	require.NotNil(t, stats.Earliest)
	assert.Equal(t, model.At(base).String(), stats.Earliest.String())
}

func TestExportCSVRoute(t *testing.T) {
	ts := newTestServer(t)
	a, _, _ := seedReadings(t, ts)

	resp := ts.do(t, "GET", fmt.Sprintf("/api/reading/export/csv?device_id=%d", a.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "sr_no,timestamp,temperature,ambient_temp,status", lines[0])
	assert.Equal(t, "1,2024-06-01 12:00:00,850.5,,OK", lines[1])
	assert.Equal(t, "2,2024-06-01 12:00:05,900.0,,OK", lines[2])
}

func TestPollingRoutes(t *testing.T) {
	ts := newTestServer(t)
	started := model.Now()
	ts.poller.stats = poll.Stats{
		State:       "Running",
		Running:     true,
		StartedAt:   &started,
		TotalCycles: 7,
		Buses:       []poll.BusStats{{Port: "COM3", Devices: 2, Cycles: 7, OK: 14}},
		Buffer:      map[string]any{"active_buffer": "a"},
	}

	resp := ts.do(t, "GET", "/api/polling/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	decode(t, resp, &stats)
	assert.Equal(t, true, stats["is_running"])
	assert.Equal(t, float64(7), stats["cycle_count"])
	assert.NotNil(t, stats["buffer_stats"])
	assert.NotEmpty(t, stats["started_at"])

	resp = ts.do(t, "POST", "/api/polling/restart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok map[string]bool
	decode(t, resp, &ok)
	assert.True(t, ok["ok"])
	assert.Equal(t, 1, ts.poller.restarts)

	resp = ts.do(t, "POST", "/api/polling/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, ts.poller.isPaused())

	resp = ts.do(t, "POST", "/api/polling/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.False(t, ts.poller.isPaused())

	// No pause outstanding: the empty lease is rejected.
	resp = ts.do(t, "POST", "/api/polling/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	ts.poller.pauseErr = poll.ErrBusy
	resp = ts.do(t, "POST", "/api/polling/pause", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestConfigRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "POST", "/api/config/verify-pin", map[string]any{"pin": "4321"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var check map[string]bool
	decode(t, resp, &check)
	assert.True(t, check["valid"])

	resp = ts.do(t, "POST", "/api/config/verify-pin", map[string]any{"pin": "0000"})
	decode(t, resp, &check)
	assert.False(t, check["valid"])

	ts.do(t, "POST", "/api/devices", deviceBody("Wipe")).Body.Close()
	resp = ts.do(t, "POST", "/api/config/clear-settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	devices, err := ts.st.ListDevices(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, devices)

	resp = ts.do(t, "GET", "/api/config/com-ports", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ports map[string]json.RawMessage
	decode(t, resp, &ports)
	assert.Contains(t, ports, "ports")
}

func TestPyrometerRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, "GET", "/api/pyrometer/emissivity?slave_id=2&com_port=COM3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]float64
	decode(t, resp, &got)
	assert.Equal(t, 0.95, got["emissivity"])
	assert.Equal(t, "read emissivity COM3 2", ts.params.lastCall())

	ts.params.readValue = 1
	resp = ts.do(t, "GET", "/api/pyrometer/measurement-mode?com_port=COM3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &got)
	assert.Equal(t, 1.0, got["measurement_mode"])
	assert.Equal(t, "read measurement_mode COM3 1", ts.params.lastCall(),
		"slave id defaults to 1")

	body := map[string]any{"emissivity": 0.85, "slave_id": 2, "com_port": "COM3"}
	resp = ts.do(t, "POST", "/api/pyrometer/emissivity", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &got)
	assert.Equal(t, 0.85, got["emissivity"])
	assert.Equal(t, "write emissivity COM3 2 0.85", ts.params.lastCall())

	resp = ts.do(t, "POST", "/api/pyrometer/temp-lower-limit",
		map[string]any{"temp_lower_limit": 600, "com_port": "COM3"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &got)
	assert.Equal(t, 600.0, got["temp_lower_limit"])

	resp = ts.do(t, "POST", "/api/pyrometer/emissivity",
		map[string]any{"slave_id": 2, "com_port": "COM3"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	ts.params.settings = pyro.Settings{Emissivity: 0.95, Slope: 1, MeasurementMode: 1,
		TimeInterval: 10, TempLowerLimit: 600, TempUpperLimit: 1600}
	resp = ts.do(t, "GET", "/api/pyrometer/all-parameters?com_port=COM3&slave_id=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all pyro.Settings
	decode(t, resp, &all)
	assert.Equal(t, ts.params.settings, all)
	assert.Equal(t, "read-all COM3 2", ts.params.lastCall())
}

func TestPyrometerErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"scheduler busy", poll.ErrBusy, http.StatusServiceUnavailable},
		{"bus timeout", serialbus.ErrTimeout, http.StatusServiceUnavailable},
		{"device exception", &modbus.ExceptionError{Code: 0x02}, http.StatusServiceUnavailable},
		{"validation", model.NewValidationError("value", "out of range"), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts.params.readErr = tc.err
			resp := ts.do(t, "GET", "/api/pyrometer/emissivity?com_port=COM3", nil)
			assert.Equal(t, tc.status, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestTestConnectionRoute(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	d := model.Device{Name: "Kiln", ComPort: "COM3", BaudRate: 9600, SlaveID: 1,
		FunctionCode: 3, RegisterCount: 1, GraphYMax: 1200, Enabled: true}
	require.NoError(t, ts.st.CreateDevice(ctx, &d))

	ts.params.test = pyro.TestResult{Success: true,
		Temperature: model.Float64Ptr(850.5), RawHex: "2139"}
	resp := ts.do(t, "POST", fmt.Sprintf("/api/devices/%d/test-connection", d.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res pyro.TestResult
	decode(t, resp, &res)
	assert.True(t, res.Success)
	assert.Equal(t, fmt.Sprintf("test %d", d.ID), ts.params.lastCall())

	ts.params.testErr = store.ErrNotFound
	resp = ts.do(t, "POST", "/api/devices/999/test-connection", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketRejectsPlainGET(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, "GET", "/api/ws", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketStream(t *testing.T) {
	ts := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = ts.srv.App().Listener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ts.srv.Shutdown(ctx)
	})

	conn, _, err := gorilla.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.hub.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	sent := model.Reading{
		DeviceID: 7, DeviceName: "Kiln", Timestamp: model.Now(),
		Temperature: model.Float64Ptr(850.5), Status: model.StatusOK, RawHex: "2139",
	}
	ts.hub.Publish(sent)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type string `json:"type"`
		Data struct {
			DeviceID    int64    `json:"device_id"`
			DeviceName  string   `json:"device_name"`
			Temperature *float64 `json:"temperature"`
			Status      string   `json:"status"`
			RawHex      string   `json:"raw_hex"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "reading_update", frame.Type)
	assert.Equal(t, int64(7), frame.Data.DeviceID)
	assert.Equal(t, "Kiln", frame.Data.DeviceName)
	require.NotNil(t, frame.Data.Temperature)
	assert.Equal(t, 850.5, *frame.Data.Temperature)
	assert.Equal(t, "OK", frame.Data.Status)
	assert.Equal(t, "2139", frame.Data.RawHex)

	conn.Close()
	require.Eventually(t, func() bool { return ts.hub.SubscriberCount() == 0 },
		2*time.Second, 10*time.Millisecond,
		"closing the socket tears the subscription down")
}

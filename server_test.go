package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/cellgw/device"
	"i4.energy/across/cellgw/events"
	"i4.energy/across/cellgw/socket"
)

type fakeLifecycle struct {
	mu         sync.Mutex
	state      device.State
	bringUpErr error
	teardowns  int
}

func (f *fakeLifecycle) Snapshot() device.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return device.Snapshot{Family: "sara-r5", State: f.state}
}

func (f *fakeLifecycle) setState(st device.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
}

func (f *fakeLifecycle) BringUp(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bringUpErr != nil {
		return f.bringUpErr
	}
	f.state = device.DataActive
	return nil
}

func (f *fakeLifecycle) Teardown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	f.state = device.Off
	return nil
}

type fakeSockets []socket.Info

func (f fakeSockets) Sockets() []socket.Info { return f }

func newTestServer(t *testing.T, dev *fakeLifecycle, hub *events.Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(&Server{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Device:  dev,
		Sockets: fakeSockets{{Handle: 1, NativeID: 0, Protocol: socket.TCP, State: socket.Connected}},
		Events:  hub,
	})
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	dev := &fakeLifecycle{}
	srv := newTestServer(t, dev, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "off", body["state"])

	dev.setState(device.DataActive)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusAndSockets(t *testing.T) {
	srv := newTestServer(t, &fakeLifecycle{state: device.Registered}, nil)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	var status map[string]any
	decode(t, resp, &status)
	assert.Equal(t, "registered", status["state"])
	assert.Equal(t, "sara-r5", status["family"])

	resp, err = http.Get(srv.URL + "/api/sockets")
	require.NoError(t, err)
	var infos []map[string]any
	decode(t, resp, &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, "tcp", infos[0]["protocol"])
	assert.Equal(t, "connected", infos[0]["state"])
}

func TestBringUpAndTeardown(t *testing.T) {
	dev := &fakeLifecycle{}
	srv := newTestServer(t, dev, nil)

	resp, err := http.Post(srv.URL+"/api/bringup", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]any
	decode(t, resp, &snap)
	assert.Equal(t, "data-active", snap["state"])

	resp, err = http.Post(srv.URL+"/api/teardown", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	dev.mu.Lock()
	assert.Equal(t, 1, dev.teardowns)
	dev.mu.Unlock()

	resp, err = http.Get(srv.URL + "/api/bringup")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestBringUpErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{device.ErrRegistrationDenied, http.StatusUnprocessableEntity},
		{device.ErrInvalidApn, http.StatusUnprocessableEntity},
		{device.ErrRegistrationTimeout, http.StatusGatewayTimeout},
		{device.ErrInvalidState, http.StatusConflict},
		{errors.New("module exploded"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			srv := newTestServer(t, &fakeLifecycle{bringUpErr: tt.err}, nil)
			resp, err := http.Post(srv.URL+"/api/bringup", "application/json", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)

			var body map[string]string
			decode(t, resp, &body)
			assert.Contains(t, body["message"], tt.err.Error())
		})
	}
}

func TestEventStream(t *testing.T) {
	hub := events.NewHub(4, nil)
	srv := newTestServer(t, &fakeLifecycle{}, hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	session := uuid.New()
	e := events.New(session, events.KindState)
	e.State = "registered"
	e.Previous = "registering"
	hub.Publish(e)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, session, got.Session)
	assert.Equal(t, events.KindState, got.Kind)
	assert.Equal(t, "registered", got.State)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEventStreamDisabled(t *testing.T) {
	srv := newTestServer(t, &fakeLifecycle{}, nil)
	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

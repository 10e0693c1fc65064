package wsgateway_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pkglat/lightd/internal/eventbus"
	"github.com/pkglat/lightd/internal/wsgateway"
)

type fakeValidator struct {
	err error
}

func (f *fakeValidator) Validate(internalID, token, acceptHeader string) error {
	return f.err
}

type fakeRuntime struct {
	commands [][]byte
	power    []string
}

func (f *fakeRuntime) SendCommand(internalID string, data []byte) error {
	f.commands = append(f.commands, data)
	return nil
}

func (f *fakeRuntime) Power(internalID, action string) error {
	f.power = append(f.power, action)
	return nil
}

func newTestServer(t *testing.T, validator *fakeValidator, runtime *fakeRuntime, hubs *eventbus.Registry) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gateway := wsgateway.New(hubs, validator, runtime, logger)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gateway.ServeWS(w, r, "c1")
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=lightd_abc"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUnauthorizedTokenIsRejected(t *testing.T) {
	hubs := eventbus.NewRegistry(16, 8)
	server := newTestServer(t, &fakeValidator{err: require.AnError}, &fakeRuntime{}, hubs)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPublishedEventIsRelayedToSession(t *testing.T) {
	hubs := eventbus.NewRegistry(16, 8)
	server := newTestServer(t, &fakeValidator{}, &fakeRuntime{}, hubs)
	conn := dial(t, server)

	hubs.HubFor("c1").PublishDaemonMessage("hello")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event eventbus.Event
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, eventbus.KindDaemonMessage, event.Kind)
}

func TestSendCommandFrameDispatchesToRuntime(t *testing.T) {
	hubs := eventbus.NewRegistry(16, 8)
	runtime := &fakeRuntime{}
	server := newTestServer(t, &fakeValidator{}, runtime, hubs)
	conn := dial(t, server)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "send_command", "command": "say hi\n"}))

	require.Eventually(t, func() bool {
		return len(runtime.commands) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "say hi\n", string(runtime.commands[0]))
}

func TestPowerFrameDispatchesToRuntime(t *testing.T) {
	hubs := eventbus.NewRegistry(16, 8)
	runtime := &fakeRuntime{}
	server := newTestServer(t, &fakeValidator{}, runtime, hubs)
	conn := dial(t, server)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "power", "action": "restart"}))

	require.Eventually(t, func() bool {
		return len(runtime.power) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "restart", runtime.power[0])
}

func TestRequestLogsReturnsHistorySnapshot(t *testing.T) {
	hubs := eventbus.NewRegistry(16, 8)
	hub := hubs.HubFor("c1")
	hub.PublishConsole("booting up\n")

	server := newTestServer(t, &fakeValidator{}, &fakeRuntime{}, hubs)
	conn := dial(t, server)

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "request_logs"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var event eventbus.Event
		require.NoError(t, conn.ReadJSON(&event))
		if event.Kind == eventbus.KindLogs {
			var payload string
			require.NoError(t, json.Unmarshal(event.Data, &payload))
			require.Contains(t, payload, "booting up")
			return
		}
	}
}

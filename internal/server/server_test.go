package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/cyclerec/internal/audio"
	"github.com/audiolibrelab/cyclerec/internal/config"
	"github.com/audiolibrelab/cyclerec/internal/cycle"
	"github.com/audiolibrelab/cyclerec/internal/service"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	path string
}

func (s *stubSession) ID() string   { return "stub" }
func (s *stubSession) Path() string { return s.path }
func (s *stubSession) Close() error { return nil }

type stubBackend struct {
	mu        sync.Mutex
	recordErr error
}

func (b *stubBackend) OpenRecording(path string) (audio.RecordingSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.recordErr != nil {
		return nil, &audio.PrepareError{Op: audio.OpRecord, Path: path, Err: b.recordErr}
	}
	return &stubSession{path: path}, nil
}

func (b *stubBackend) OpenPlayback(path string, _ func()) (audio.PlaybackSession, error) {
	return &stubSession{path: path}, nil
}

func (b *stubBackend) ListSources() ([]string, error) { return []string{"mic"}, nil }
func (b *stubBackend) GetType() audio.BackendType     { return "stub" }

func newTestServer(t *testing.T, backend audio.Backend, suspendOnDisconnect bool) (*Server, service.Service, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Server.SuspendOnDisconnect = suspendOnDisconnect

	svc := service.NewWithBackend(cfg, backend)
	srv := New(svc, "")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, svc, ts
}

func postStatus(t *testing.T, url string) (int, StatusResponse) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func dialView(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestActivate_CyclesLabels(t *testing.T) {
	_, _, ts := newTestServer(t, &stubBackend{}, true)

	for _, want := range []string{"stop recording", "play", "stop playing", "record"} {
		code, body := postStatus(t, ts.URL+"/activate")
		assert.Equal(t, http.StatusOK, code)
		assert.True(t, body.Success)
		assert.Equal(t, want, body.Status.Output.Label)
	}
}

func TestActivate_MethodNotAllowed(t *testing.T) {
	_, _, ts := newTestServer(t, &stubBackend{}, true)

	resp, err := http.Get(ts.URL + "/activate")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestActivate_PrepareFailureReturnsConflict(t *testing.T) {
	_, svc, ts := newTestServer(t, &stubBackend{recordErr: errors.New("device busy")}, true)

	resp, err := http.Post(ts.URL+"/activate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "device busy")

	assert.Equal(t, cycle.ModeReadyToRecord, svc.Status().Mode)
}

func TestStatusAndSuspend(t *testing.T) {
	_, _, ts := newTestServer(t, &stubBackend{}, true)

	code, body := postStatus(t, ts.URL+"/activate")
	require.Equal(t, http.StatusOK, code)
	require.True(t, body.Status.Recording)

	code, body = postStatus(t, ts.URL+"/suspend")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, cycle.ModeRecording, body.Status.Mode)
	assert.False(t, body.Status.Recording)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "stop recording", status.Status.Output.Label)
	assert.Equal(t, audio.BackendType("stub"), status.Backend)
	require.NotNil(t, status.Target)
	assert.True(t, strings.HasSuffix(status.Target.Path, config.RecordingExtension))
}

func TestSources(t *testing.T) {
	_, _, ts := newTestServer(t, &stubBackend{}, true)

	resp, err := http.Get(ts.URL + "/sources")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body SourcesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, []string{"mic"}, body.Sources)
}

func TestRecordingDownload(t *testing.T) {
	_, svc, ts := newTestServer(t, &stubBackend{}, true)

	resp, err := http.Get(ts.URL + "/recording")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	target, err := svc.GetTargetInfo()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target.Path, []byte("\x00\x00\x00\x18ftyp3gp4"), 0644))

	resp, err = http.Get(ts.URL + "/recording")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/3gpp", resp.Header.Get("Content-Type"))
}

func TestIndex(t *testing.T) {
	_, _, ts := newTestServer(t, &stubBackend{}, true)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_PushesSnapshots(t *testing.T) {
	_, _, ts := newTestServer(t, &stubBackend{}, true)

	conn := dialView(t, ts)
	defer conn.Close()

	msg := readMessage(t, conn)
	require.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, "record", msg.Snapshot.Output.Label)

	require.NoError(t, conn.WriteJSON(wsRequest{Action: "activate"}))
	msg = readMessage(t, conn)
	require.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, "stop recording", msg.Snapshot.Output.Label)

	// Changes made over HTTP reach the view too
	code, _ := postStatus(t, ts.URL+"/activate")
	require.Equal(t, http.StatusOK, code)
	msg = readMessage(t, conn)
	assert.Equal(t, "play", msg.Snapshot.Output.Label)

	require.NoError(t, conn.WriteJSON(wsRequest{Action: "dance"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "unknown action")
}

func TestWebSocket_LastDisconnectSuspends(t *testing.T) {
	_, svc, ts := newTestServer(t, &stubBackend{}, true)

	conn := dialView(t, ts)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(wsRequest{Action: "activate"}))
	msg := readMessage(t, conn)
	require.True(t, msg.Snapshot.Recording)

	conn.Close()

	assert.Eventually(t, func() bool {
		return !svc.Status().Recording
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, cycle.ModeRecording, svc.Status().Mode)
}

func TestWebSocket_DisconnectKeepsDevicesWhenDisabled(t *testing.T) {
	_, svc, ts := newTestServer(t, &stubBackend{}, false)

	conn := dialView(t, ts)
	readMessage(t, conn)
	require.NoError(t, conn.WriteJSON(wsRequest{Action: "activate"}))
	readMessage(t, conn)

	conn.Close()
	time.Sleep(200 * time.Millisecond)
	assert.True(t, svc.Status().Recording)
}

func TestShutdown_Suspends(t *testing.T) {
	srv, svc, ts := newTestServer(t, &stubBackend{}, true)

	code, _ := postStatus(t, ts.URL+"/activate")
	require.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	status := svc.Status()
	assert.Equal(t, cycle.ModeRecording, status.Mode)
	assert.False(t, status.Recording)
}

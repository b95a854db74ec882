package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/gantry/internal/netprobe"
	"pkt.systems/gantry/schema"
)

type fakeService struct {
	mu sync.Mutex

	openReq   schema.OpenTabRequest
	openResp  schema.OpenTabResponse
	openErr   error
	closeReq  schema.CloseTabRequest
	inputReq  schema.WriteInputRequest
	resizeReq schema.ResizeTabRequest
	keyReqs   []schema.DisplayKeyRequest
	ptrReqs   []schema.DisplayPointerRequest

	tabs      []schema.TabSnapshot
	activeKey schema.TabKey
	buffers   map[schema.TabKey]schema.BufferSnapshot
}

func (f *fakeService) OpenTab(_ context.Context, req schema.OpenTabRequest) (schema.OpenTabResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openReq = req
	return f.openResp, f.openErr
}

func (f *fakeService) CloseTab(_ context.Context, req schema.CloseTabRequest) (schema.CloseTabResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeReq = req
	return schema.CloseTabResponse{Tab: schema.TabSnapshot{Key: req.Key, Phase: schema.TabPhaseExited}}, nil
}

func (f *fakeService) CloseAll(context.Context, schema.CloseAllRequest) (schema.CloseAllResponse, error) {
	return schema.CloseAllResponse{}, nil
}

func (f *fakeService) ActivateTab(_ context.Context, req schema.ActivateTabRequest) (schema.ActivateTabResponse, error) {
	return schema.ActivateTabResponse{Tab: schema.TabSnapshot{Key: req.Key, Active: true}}, nil
}

func (f *fakeService) ListTabs(context.Context, schema.ListTabsRequest) (schema.ListTabsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return schema.ListTabsResponse{Tabs: f.tabs, ActiveKey: f.activeKey}, nil
}

func (f *fakeService) WriteInput(_ context.Context, req schema.WriteInputRequest) (schema.WriteInputResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputReq = req
	return schema.WriteInputResponse{Forwarded: true}, nil
}

func (f *fakeService) ResizeTab(_ context.Context, req schema.ResizeTabRequest) (schema.ResizeTabResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizeReq = req
	return schema.ResizeTabResponse{Tab: schema.TabSnapshot{Key: req.Key, Geometry: req.Geometry}}, nil
}

func (f *fakeService) SetViewport(_ context.Context, req schema.SetViewportRequest) (schema.SetViewportResponse, error) {
	return schema.SetViewportResponse{Tab: schema.TabSnapshot{Key: req.Key, Viewport: req.Viewport, Visible: req.Visible}}, nil
}

func (f *fakeService) ScheduleResize(context.Context, schema.ScheduleResizeRequest) (schema.ScheduleResizeResponse, error) {
	return schema.ScheduleResizeResponse{}, nil
}

func (f *fakeService) SyncVisibility(context.Context, schema.SyncVisibilityRequest) (schema.SyncVisibilityResponse, error) {
	return schema.SyncVisibilityResponse{}, nil
}

func (f *fakeService) SendDisplayKey(_ context.Context, req schema.DisplayKeyRequest) (schema.DisplayKeyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyReqs = append(f.keyReqs, req)
	return schema.DisplayKeyResponse{Forwarded: true}, nil
}

func (f *fakeService) SendDisplayPointer(_ context.Context, req schema.DisplayPointerRequest) (schema.DisplayPointerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ptrReqs = append(f.ptrReqs, req)
	return schema.DisplayPointerResponse{Forwarded: true}, nil
}

func (f *fakeService) HostKeyDecision(_ context.Context, req schema.HostKeyDecisionRequest) (schema.HostKeyDecisionResponse, error) {
	if req.Token == "missing" {
		return schema.HostKeyDecisionResponse{}, schema.ErrHostKeyPromptNotFound
	}
	return schema.HostKeyDecisionResponse{Reopened: req.Trust, Discarded: !req.Trust}, nil
}

func (f *fakeService) GetBuffer(_ context.Context, req schema.GetBufferRequest) (schema.GetBufferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buffer, ok := f.buffers[req.Key]
	if !ok {
		return schema.GetBufferResponse{}, schema.ErrTabNotFound
	}
	return schema.GetBufferResponse{Buffer: buffer}, nil
}

func (f *fakeService) ScrollBuffer(_ context.Context, req schema.ScrollBufferRequest) (schema.ScrollBufferResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buffer, ok := f.buffers[req.Key]
	if !ok {
		return schema.ScrollBufferResponse{}, schema.ErrTabNotFound
	}
	return schema.ScrollBufferResponse{Buffer: buffer}, nil
}

type fakeAuth struct {
	password string
	totp     string
}

func (f *fakeAuth) Authenticate(_, password, totp string) error {
	if password != f.password || (f.totp != "" && totp != f.totp) {
		return errors.New("invalid credentials")
	}
	return nil
}

func (f *fakeAuth) ChangePassword(_, currentPassword, _, newPassword string) error {
	if currentPassword != f.password {
		return errors.New("invalid credentials")
	}
	f.password = newPassword
	return nil
}

type fakeProber struct {
	result netprobe.Result
}

func (f *fakeProber) Probe(_ context.Context, host string, port int) (netprobe.Result, error) {
	result := f.result
	result.Host = host
	result.Port = port
	return result, nil
}

func newTestServer(t *testing.T, service *fakeService, hub *Hub) *Server {
	t.Helper()
	if hub == nil {
		hub = NewHub(64)
	}
	cfg := Config{
		SessionCookie:      "gantry_session",
		SessionTTLHours:    1,
		InitialBufferLines: 200,
		DisableRequestLogs: true,
	}
	auth := &fakeAuth{password: "hunter2", totp: "123456"}
	return NewServer(cfg, service, auth, &fakeProber{result: netprobe.Result{Reachable: true}}, hub)
}

func login(t *testing.T, handler http.Handler) *http.Cookie {
	t.Helper()
	body := `{"username":"alice","password":"hunter2","totp":"123456"}`
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "gantry_session" {
			return cookie
		}
	}
	t.Fatalf("expected session cookie")
	return nil
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	server := newTestServer(t, &fakeService{}, nil)
	handler := server.Handler()
	body := `{"username":"alice","password":"wrong","totp":"123456"}`
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireSessionRejectsMissingCookie(t *testing.T) {
	server := newTestServer(t, &fakeService{}, nil)
	handler := server.Handler()
	req := httptest.NewRequest(http.MethodGet, "/api/tabs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOpenTabRoundTrip(t *testing.T) {
	service := &fakeService{
		openResp: schema.OpenTabResponse{
			Tab: schema.TabSnapshot{Key: "tab-1", Name: "web-1", Phase: schema.TabPhaseConnecting},
		},
	}
	server := newTestServer(t, service, nil)
	handler := server.Handler()
	cookie := login(t, handler)

	payload := map[string]any{
		"connection": map[string]any{
			"id":              "c-1",
			"name":            "web-1",
			"protocol":        "shell",
			"host":            "web-1.example.net",
			"port":            22,
			"username":        "alice",
			"password":        "",
			"identity_ref":    "default",
			"agent_socket":    "",
			"strict_host_key": true,
			"domain":          "",
		},
		"tab_name": "web-1",
		"cols":     100,
		"rows":     40,
		"viewport": map[string]any{"x": 0, "y": 0, "width": 0, "height": 0},
	}
	data, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tabs", bytes.NewReader(data))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("open failed: %d %s", rec.Code, rec.Body.String())
	}

	if service.openReq.UserID != "alice" {
		t.Fatalf("unexpected user: %q", service.openReq.UserID)
	}
	if service.openReq.Connection.Host != "web-1.example.net" || !service.openReq.Connection.StrictHostKey {
		t.Fatalf("unexpected connection: %+v", service.openReq.Connection)
	}
	if service.openReq.Geometry.Cols != 100 || service.openReq.Geometry.Rows != 40 {
		t.Fatalf("unexpected geometry: %+v", service.openReq.Geometry)
	}

	var resp schema.OpenTabResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Tab.Key != "tab-1" || resp.Tab.Phase != schema.TabPhaseConnecting {
		t.Fatalf("unexpected tab: %+v", resp.Tab)
	}
}

func TestOpenTabErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{schema.ErrTabNotFound, http.StatusNotFound},
		{schema.ErrHostKeyPromptNotFound, http.StatusNotFound},
		{schema.ErrTabKeyConflict, http.StatusConflict},
		{schema.ErrEngineUnavailable, http.StatusServiceUnavailable},
		{schema.ErrOpenTimeout, http.StatusGatewayTimeout},
		{schema.ErrNoVisibleArea, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestInputForwarded(t *testing.T) {
	service := &fakeService{}
	server := newTestServer(t, service, nil)
	handler := server.Handler()
	cookie := login(t, handler)

	body := `{"key":"tab-1","data":"bHMK"}`
	req := httptest.NewRequest(http.MethodPost, "/api/input", strings.NewReader(body))
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("input failed: %d %s", rec.Code, rec.Body.String())
	}
	if string(service.inputReq.Data) != "ls\n" {
		t.Fatalf("unexpected input bytes: %q", service.inputReq.Data)
	}
}

func TestBufferNotFound(t *testing.T) {
	server := newTestServer(t, &fakeService{}, nil)
	handler := server.Handler()
	cookie := login(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/api/buffer?key=missing", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStreamSnapshotThenLiveEvents(t *testing.T) {
	service := &fakeService{
		tabs: []schema.TabSnapshot{
			{Key: "tab-1", Name: "web-1", Protocol: schema.ProtocolShell, Phase: schema.TabPhaseConnected, Active: true},
		},
		activeKey: "tab-1",
		buffers: map[schema.TabKey]schema.BufferSnapshot{
			"tab-1": {Key: "tab-1", Lines: []string{"$ ls"}, TotalLines: 1, AtBottom: true},
		},
	}
	hub := NewHub(64)
	server := newTestServer(t, service, hub)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client := ts.Client()
	loginResp, err := client.Post(ts.URL+"/api/login", "application/json",
		strings.NewReader(`{"username":"alice","password":"hunter2","totp":"123456"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	loginResp.Body.Close()
	var cookie *http.Cookie
	for _, c := range loginResp.Cookies() {
		if c.Name == "gantry_session" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("expected session cookie")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	req.AddCookie(cookie)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan StreamEvent, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			events <- event
		}
	}()

	select {
	case event := <-events:
		if event.Type != "snapshot" || event.Snapshot == nil {
			t.Fatalf("expected snapshot first, got %+v", event)
		}
		if len(event.Snapshot.Tabs) != 1 || event.Snapshot.ActiveKey != "tab-1" {
			t.Fatalf("unexpected snapshot: %+v", event.Snapshot)
		}
		if buffer, ok := event.Snapshot.Buffers["tab-1"]; !ok || len(buffer.Lines) != 1 {
			t.Fatalf("expected seeded buffer, got %+v", event.Snapshot.Buffers)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for snapshot")
	}

	hub.OnOutput(schema.OutputEvent{UserID: "alice", Key: "tab-1", Data: []byte("hello\n")})

	select {
	case event := <-events:
		if event.Type != "output" || event.Key != "tab-1" {
			t.Fatalf("expected output event, got %+v", event)
		}
		if string(event.Data) != "hello\n" {
			t.Fatalf("unexpected output data: %q", event.Data)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for output event")
	}
}

func TestCanvasBridgesInputAndFrames(t *testing.T) {
	service := &fakeService{}
	hub := NewHub(64)
	server := newTestServer(t, service, hub)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	loginResp, err := ts.Client().Post(ts.URL+"/api/login", "application/json",
		strings.NewReader(`{"username":"alice","password":"hunter2","totp":"123456"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	loginResp.Body.Close()
	var cookie *http.Cookie
	for _, c := range loginResp.Cookies() {
		if c.Name == "gantry_session" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("expected session cookie")
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/canvas?key=tab-1"
	header := http.Header{}
	header.Set("Cookie", cookie.String())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial canvas: %v", err)
	}
	defer conn.Close()

	message := marshalCanvasInput(canvasInput{Type: "key", Scancode: 0x1c, Release: false})
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		t.Fatalf("write key event: %v", err)
	}
	message = marshalCanvasInput(canvasInput{Type: "pointer", X: 10, Y: 20, Buttons: 1})
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		t.Fatalf("write pointer event: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		service.mu.Lock()
		keys, pointers := len(service.keyReqs), len(service.ptrReqs)
		service.mu.Unlock()
		if keys == 1 && pointers == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 key and 1 pointer event, got %d/%d", keys, pointers)
		}
		time.Sleep(10 * time.Millisecond)
	}
	service.mu.Lock()
	if service.keyReqs[0].Scancode != 0x1c || service.keyReqs[0].Key != "tab-1" {
		t.Fatalf("unexpected key event: %+v", service.keyReqs[0])
	}
	if service.ptrReqs[0].X != 10 || service.ptrReqs[0].Y != 20 || service.ptrReqs[0].Buttons != 1 {
		t.Fatalf("unexpected pointer event: %+v", service.ptrReqs[0])
	}
	service.mu.Unlock()

	hub.OnFrame(schema.FrameEvent{UserID: "alice", Key: "tab-2", Data: []byte("other")})
	hub.OnFrame(schema.FrameEvent{UserID: "alice", Key: "tab-1", Data: []byte("frame")})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if messageType != websocket.BinaryMessage || string(data) != "frame" {
		t.Fatalf("expected tab-1 frame, got type=%d data=%q", messageType, data)
	}
}

func TestIndexAppliesPlaceholders(t *testing.T) {
	server := newTestServer(t, &fakeService{}, nil)
	server.cfg.UIMaxBufferLines = 500
	server.baseHref = "/gantry/"
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("index failed: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<base href="/gantry/" />`) {
		t.Fatalf("expected base href in index")
	}
	if !strings.Contains(body, "window.GANTRY_MAX_BUFFER_LINES = 500") {
		t.Fatalf("expected buffer line limit in index")
	}
	if strings.Contains(body, "UI_MAX_BUFFER_LINES") {
		t.Fatalf("placeholder not replaced")
	}
}

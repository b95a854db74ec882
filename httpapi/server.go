package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/gantry/core"
	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/internal/netprobe"
	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// Authenticator verifies username, password, and totp.
type Authenticator interface {
	Authenticate(username, password, totp string) error
	ChangePassword(username, currentPassword, totp, newPassword string) error
}

// Prober dials TCP targets for the reachability endpoint.
type Prober interface {
	Probe(ctx context.Context, host string, port int) (netprobe.Result, error)
}

// Server serves the HTTP API and the web workspace UI.
type Server struct {
	cfg       Config
	service   core.Service
	authStore Authenticator
	prober    Prober
	sessions  *sessionStore
	hub       *Hub
	basePath  string
	baseHref  string
}

// NewServer constructs an HTTP server over the coordinator.
func NewServer(cfg Config, service core.Service, authStore Authenticator, prober Prober, hub *Hub) *Server {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	return &Server{
		cfg:       cfg,
		service:   service,
		authStore: authStore,
		prober:    prober,
		sessions:  newSessionStore(ttl, cfg.SessionStorePath),
		hub:       hub,
		basePath:  normalizeBasePath(cfg.BasePath),
		baseHref:  buildBaseHref(cfg.BaseURL, cfg.BasePath),
	}
}

// SetBaseContext sets the parent context for session lifetimes.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.sessions.setBaseContext(ctx)
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsFS))))

	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/me", s.requireSession(s.handleMe))
	mux.HandleFunc("/api/chpasswd", s.requireSession(s.handleChangePassword))
	mux.HandleFunc("/api/tabs", s.requireSession(s.handleTabs))
	mux.HandleFunc("/api/tabs/close", s.requireSession(s.handleClose))
	mux.HandleFunc("/api/tabs/activate", s.requireSession(s.handleActivate))
	mux.HandleFunc("/api/input", s.requireSession(s.handleInput))
	mux.HandleFunc("/api/resize", s.requireSession(s.handleResize))
	mux.HandleFunc("/api/viewport", s.requireSession(s.handleViewport))
	mux.HandleFunc("/api/layout", s.requireSession(s.handleLayout))
	mux.HandleFunc("/api/visibility", s.requireSession(s.handleVisibility))
	mux.HandleFunc("/api/hostkey", s.requireSession(s.handleHostKey))
	mux.HandleFunc("/api/buffer", s.requireSession(s.handleBuffer))
	mux.HandleFunc("/api/scroll", s.requireSession(s.handleScroll))
	mux.HandleFunc("/api/probe", s.requireSession(s.handleProbe))
	mux.HandleFunc("/api/stream", s.requireSession(s.handleStream))
	mux.HandleFunc("/api/canvas", s.requireSession(s.handleCanvas))

	var handler http.Handler = mux
	if !s.cfg.DisableRequestLogs {
		handler = withRequestLogging(mux, s.lookupSession)
	}
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, err := fs.ReadFile(assetsFS, "index.html")
	if err != nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	stat, err := fs.Stat(assetsFS, "index.html")
	if err != nil {
		http.Error(w, "index not found", http.StatusInternalServerError)
		return
	}
	data = applyBaseHref(data, s.baseHref)
	data = applyUIMaxBufferLines(data, s.cfg.UIMaxBufferLines)
	reader := bytes.NewReader(data)
	http.ServeContent(w, r, "index.html", stat.ModTime(), reader)
}

const baseHrefPlaceholder = "<!-- BASE_HREF -->"
const uiMaxBufferLinesPlaceholder = "UI_MAX_BUFFER_LINES"
const defaultUIMaxBufferLines = 2000

func applyBaseHref(data []byte, baseHref string) []byte {
	replacement := ""
	if strings.TrimSpace(baseHref) != "" {
		replacement = fmt.Sprintf(`<base href="%s" />`, html.EscapeString(baseHref))
	}
	return bytes.ReplaceAll(data, []byte(baseHrefPlaceholder), []byte(replacement))
}

func applyUIMaxBufferLines(data []byte, maxLines int) []byte {
	if maxLines <= 0 {
		maxLines = defaultUIMaxBufferLines
	}
	replacement := []byte(fmt.Sprintf("%d", maxLines))
	return bytes.ReplaceAll(data, []byte(uiMaxBufferLinesPlaceholder), replacement)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	if err := s.authStore.Authenticate(payload.Username, payload.Password, payload.TOTP); err != nil {
		log.Warn("http login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, sess := s.sessions.create(schema.UserID(payload.Username))
	cookie := &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.expiresAt,
	}
	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, map[string]any{"username": payload.Username})
	log.Info("http login ok")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := s.sessionToken(r)
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	if token != "" {
		if entry, ok := s.sessions.get(token); ok {
			log = log.With("user", entry.userID, "http_session", entry.id)
		}
		s.sessions.delete(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http logout")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	writeJSON(w, http.StatusOK, map[string]any{"username": userID})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID).With("remote", clientIP(r))
	var payload struct {
		CurrentPassword string `json:"current_password"`
		TOTP            string `json:"totp"`
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http chpasswd decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.NewPassword) == "" {
		writeError(w, http.StatusBadRequest, errors.New("new password is required"))
		return
	}
	if payload.NewPassword != payload.ConfirmPassword {
		writeError(w, http.StatusBadRequest, errors.New("passwords do not match"))
		return
	}
	if err := s.authStore.ChangePassword(string(userID), payload.CurrentPassword, payload.TOTP, payload.NewPassword); err != nil {
		log.Warn("http chpasswd failed", "err", err)
		status := http.StatusBadRequest
		if isAuthError(err) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http chpasswd ok")
}

// connectionPayload is the wire form of a connection descriptor. The
// record is passed through to the coordinator and never stored.
type connectionPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Protocol      string `json:"protocol"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	IdentityRef   string `json:"identity_ref"`
	AgentSocket   string `json:"agent_socket"`
	StrictHostKey bool   `json:"strict_host_key"`
	Domain        string `json:"domain"`
}

func (p connectionPayload) toConnection() schema.Connection {
	return schema.Connection{
		ID:            schema.ConnectionID(p.ID),
		Name:          p.Name,
		Protocol:      schema.Protocol(p.Protocol),
		Host:          p.Host,
		Port:          p.Port,
		Username:      p.Username,
		Password:      p.Password,
		IdentityRef:   p.IdentityRef,
		AgentSocket:   p.AgentSocket,
		StrictHostKey: p.StrictHostKey,
		Domain:        p.Domain,
	}
}

type viewportPayload struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (p viewportPayload) toViewport() schema.Viewport {
	return schema.Viewport{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		resp, err := s.service.ListTabs(ctx, schema.ListTabsRequest{UserID: userID})
		if err != nil {
			log.Warn("http tabs list failed", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Debug("http tabs list ok", "count", len(resp.Tabs))
	case http.MethodPost:
		var payload struct {
			Connection connectionPayload `json:"connection"`
			TabName    string            `json:"tab_name"`
			Cols       int               `json:"cols"`
			Rows       int               `json:"rows"`
			Viewport   viewportPayload   `json:"viewport"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			log.Warn("http tabs decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := s.service.OpenTab(ctx, schema.OpenTabRequest{
			UserID:     userID,
			Connection: payload.Connection.toConnection(),
			TabName:    schema.TabName(payload.TabName),
			Geometry:   schema.Geometry{Cols: payload.Cols, Rows: payload.Rows},
			Viewport:   payload.Viewport.toViewport(),
		})
		if err != nil {
			log.Warn("http tabs open failed", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		if resp.HostKey != nil {
			log.Info("http tabs open paused on host key", "host", resp.HostKey.Host)
			return
		}
		log.Info("http tabs open ok", "tab", resp.Tab.Key, "phase", resp.Tab.Phase)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.CloseTab(ctx, schema.CloseTabRequest{
		UserID: userID,
		Key:    schema.TabKey(payload.Key),
	})
	if err != nil {
		log.Warn("http tabs close failed", "tab", payload.Key, "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http tabs close ok", "tab", payload.Key)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.ActivateTab(ctx, schema.ActivateTabRequest{
		UserID: userID,
		Key:    schema.TabKey(payload.Key),
	})
	if err != nil {
		log.Warn("http tabs activate failed", "tab", payload.Key, "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http tabs activate ok", "tab", resp.Tab.Key)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	var payload struct {
		Key  string `json:"key"`
		Data []byte `json:"data"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.WriteInput(ctx, schema.WriteInputRequest{
		UserID: userID,
		Key:    schema.TabKey(payload.Key),
		Data:   payload.Data,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	var payload struct {
		Key  string `json:"key"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.ResizeTab(ctx, schema.ResizeTabRequest{
		UserID:   userID,
		Key:      schema.TabKey(payload.Key),
		Geometry: schema.Geometry{Cols: payload.Cols, Rows: payload.Rows},
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	var payload struct {
		Key      string          `json:"key"`
		Viewport viewportPayload `json:"viewport"`
		Visible  bool            `json:"visible"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.SetViewport(ctx, schema.SetViewportRequest{
		UserID:   userID,
		Key:      schema.TabKey(payload.Key),
		Viewport: payload.Viewport.toViewport(),
		Visible:  payload.Visible,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	resp, err := s.service.ScheduleResize(ctx, schema.ScheduleResizeRequest{UserID: userID})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := sessionContext(r.Context())
	resp, err := s.service.SyncVisibility(ctx, schema.SyncVisibilityRequest{UserID: userID})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHostKey(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())
	var payload struct {
		Token   string `json:"token"`
		Trust   bool   `json:"trust"`
		TabName string `json:"tab_name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.HostKeyDecision(ctx, schema.HostKeyDecisionRequest{
		UserID:  userID,
		Token:   payload.Token,
		Trust:   payload.Trust,
		TabName: schema.TabName(payload.TabName),
	})
	if err != nil {
		log.Warn("http hostkey decision failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http hostkey decision ok", "trust", payload.Trust, "reopened", resp.Reopened)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	key := schema.TabKey(r.URL.Query().Get("key"))
	limit := parseInt(r.URL.Query().Get("limit"), s.cfg.InitialBufferLines)
	resp, err := s.service.GetBuffer(r.Context(), schema.GetBufferRequest{
		UserID: userID,
		Key:    key,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Key   string `json:"key"`
		Delta int    `json:"delta"`
		Limit int    `json:"limit"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.ScrollBuffer(r.Context(), schema.ScrollBufferRequest{
		UserID: userID,
		Key:    schema.TabKey(payload.Key),
		Delta:  payload.Delta,
		Limit:  payload.Limit,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.prober == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("probe not configured"))
		return
	}
	log := logx.WithUser(r.Context(), userID)
	var payload struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.prober.Probe(r.Context(), payload.Host, payload.Port)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":       result.Host,
		"port":       result.Port,
		"reachable":  result.Reachable,
		"latency_ms": result.Latency.Milliseconds(),
		"error":      result.Error,
	})
	log.Info("http probe ok", "host", result.Host, "port", result.Port, "reachable", result.Reachable)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.WithUser(r.Context(), userID)
	ctx := sessionContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))

	snapshot := s.buildSnapshot(ctx, userID)
	_ = writeSSEvent(w, StreamEvent{
		Type:      "snapshot",
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	flusher.Flush()

	replayCount := 0
	if lastID > 0 {
		replay := s.hub.Replay(userID, lastID)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
		}
		flusher.Flush()
	}

	ch, unsubscribe, _, _ := s.hub.Subscribe(userID)
	defer unsubscribe()

	notify := r.Context().Done()
	sessionDone := ctx.Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount, "tabs", len(snapshot.Tabs))
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case <-sessionDone:
			log.Info("http stream closed", "reason", "session ended")
			return
		case event := <-ch:
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) buildSnapshot(ctx context.Context, userID schema.UserID) SnapshotPayload {
	resp, err := s.service.ListTabs(ctx, schema.ListTabsRequest{UserID: userID})
	if err != nil {
		return SnapshotPayload{}
	}
	buffers := make(map[schema.TabKey]schema.BufferSnapshot)
	for _, tab := range resp.Tabs {
		if tab.Protocol != schema.ProtocolShell {
			continue
		}
		bufferResp, err := s.service.GetBuffer(ctx, schema.GetBufferRequest{
			UserID: userID,
			Key:    tab.Key,
			Limit:  s.cfg.InitialBufferLines,
		})
		if err != nil {
			continue
		}
		buffers[tab.Key] = bufferResp.Buffer
	}
	return SnapshotPayload{
		Tabs:      resp.Tabs,
		ActiveKey: resp.ActiveKey,
		Buffers:   buffers,
	}
}

func (s *Server) requireSession(next func(http.ResponseWriter, *http.Request, schema.UserID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := s.sessionToken(r)
		if token == "" {
			log.Warn("http session missing")
			writeError(w, http.StatusUnauthorized, errors.New("missing session"))
			return
		}
		entry, ok := s.sessions.get(token)
		if !ok {
			log.Warn("http session invalid")
			writeError(w, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		log = log.With("user", entry.userID, "http_session", entry.id)
		ctx := logx.ContextWithUserLogger(r.Context(), log, entry.userID)
		ctx = withSessionContext(ctx, entry)
		next(w, r.WithContext(ctx), entry.userID)
	}
}

type sessionContextKey struct{}

func withSessionContext(ctx context.Context, sess session) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// sessionContext swaps the request-scoped context for the session
// context so work started by a handler survives the request but not
// the session.
func sessionContext(ctx context.Context) context.Context {
	if ctx == nil {
		return nil
	}
	value := ctx.Value(sessionContextKey{})
	sess, ok := value.(session)
	if !ok || sess.ctx == nil {
		return ctx
	}
	logger := pslog.Ctx(ctx)
	return logx.CopyContextFields(pslog.ContextWithLogger(sess.ctx, logger), ctx)
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) lookupSession(r *http.Request) (schema.UserID, string) {
	if s == nil || r == nil {
		return "", ""
	}
	token := s.sessionToken(r)
	if token == "" {
		return "", ""
	}
	entry, ok := s.sessions.get(token)
	if !ok {
		return "", ""
	}
	return entry.userID, entry.id
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrTabNotFound), errors.Is(err, schema.ErrHostKeyPromptNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrTabKeyConflict):
		return http.StatusConflict
	case errors.Is(err, schema.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, schema.ErrOpenTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	switch strings.TrimSpace(err.Error()) {
	case "invalid credentials", "invalid totp", "user not found":
		return true
	default:
		return false
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

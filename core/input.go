package core

import (
	"context"

	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
)

// WriteInput forwards keystrokes to a shell tab. Input on a tab that is
// not connected is dropped silently; the caller learns via Forwarded.
func (s *service) WriteInput(ctx context.Context, req schema.WriteInputRequest) (schema.WriteInputResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.WriteInputResponse{}, err
	}
	log := logx.WithUserTab(ctx, userID, req.Key)

	s.mu.Lock()
	_, t := s.liveTabLocked(userID, req.Key, "")
	if t == nil {
		s.mu.Unlock()
		log.Warn("service input failed", "err", schema.ErrTabNotFound)
		return schema.WriteInputResponse{}, schema.ErrTabNotFound
	}
	if t.shell == nil {
		s.mu.Unlock()
		log.Warn("service input failed", "err", schema.ErrNotShellTab)
		return schema.WriteInputResponse{}, schema.ErrNotShellTab
	}
	var conn ShellConn
	phase := t.Phase
	if phase == schema.TabPhaseConnected {
		conn = t.shell.conn
	}
	s.mu.Unlock()

	if conn == nil {
		log.Trace("service input dropped", "phase", phase)
		return schema.WriteInputResponse{Forwarded: false}, nil
	}
	if err := conn.Write(req.Data); err != nil {
		log.Warn("service input write failed", "err", err)
		return schema.WriteInputResponse{}, err
	}
	return schema.WriteInputResponse{Forwarded: true}, nil
}

// ResizeTab records new terminal geometry; the engine push is coalesced
// by the layout scheduler.
func (s *service) ResizeTab(ctx context.Context, req schema.ResizeTabRequest) (schema.ResizeTabResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ResizeTabResponse{}, err
	}
	if req.Geometry.Cols <= 0 || req.Geometry.Rows <= 0 {
		return schema.ResizeTabResponse{}, schema.ErrInvalidRequest
	}
	log := logx.WithUserTab(ctx, userID, req.Key)

	s.mu.Lock()
	state, t := s.liveTabLocked(userID, req.Key, "")
	if t == nil {
		s.mu.Unlock()
		log.Warn("service resize failed", "err", schema.ErrTabNotFound)
		return schema.ResizeTabResponse{}, schema.ErrTabNotFound
	}
	if t.shell == nil {
		s.mu.Unlock()
		log.Warn("service resize failed", "err", schema.ErrNotShellTab)
		return schema.ResizeTabResponse{}, schema.ErrNotShellTab
	}
	t.shell.geometry = req.Geometry
	snap := t.Snapshot(state.active == req.Key)
	s.mu.Unlock()

	s.layout.Schedule(userID)
	log.Debug("service tab resized", "cols", req.Geometry.Cols, "rows", req.Geometry.Rows)
	return schema.ResizeTabResponse{Tab: snap}, nil
}

// SetViewport records the drawing rectangle and visibility of a display
// tab as laid out by the UI; pushes are coalesced.
func (s *service) SetViewport(ctx context.Context, req schema.SetViewportRequest) (schema.SetViewportResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.SetViewportResponse{}, err
	}
	log := logx.WithUserTab(ctx, userID, req.Key)

	s.mu.Lock()
	state, t := s.liveTabLocked(userID, req.Key, "")
	if t == nil {
		s.mu.Unlock()
		log.Warn("service viewport failed", "err", schema.ErrTabNotFound)
		return schema.SetViewportResponse{}, schema.ErrTabNotFound
	}
	if t.display == nil {
		s.mu.Unlock()
		log.Warn("service viewport failed", "err", schema.ErrNotDisplayTab)
		return schema.SetViewportResponse{}, schema.ErrNotDisplayTab
	}
	t.display.viewport = req.Viewport
	t.Visible = req.Visible
	snap := t.Snapshot(state.active == req.Key)
	s.mu.Unlock()

	s.layout.Schedule(userID)
	log.Debug("service viewport set", "width", req.Viewport.Width, "height", req.Viewport.Height, "visible", req.Visible)
	return schema.SetViewportResponse{Tab: snap}, nil
}

// SendDisplayKey forwards a keyboard event to a display tab. Events on
// a tab that is not connected are dropped silently.
func (s *service) SendDisplayKey(ctx context.Context, req schema.DisplayKeyRequest) (schema.DisplayKeyResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.DisplayKeyResponse{}, err
	}
	log := logx.WithUserTab(ctx, userID, req.Key)
	conn, err := s.displayConnFor(userID, req.Key)
	if err != nil {
		log.Warn("service display key failed", "err", err)
		return schema.DisplayKeyResponse{}, err
	}
	if conn == nil {
		return schema.DisplayKeyResponse{Forwarded: false}, nil
	}
	if err := conn.SendKey(ctx, DisplayKey{Scancode: req.Scancode, Extended: req.Extended, Release: req.Release}); err != nil {
		log.Warn("service display key write failed", "err", err)
		return schema.DisplayKeyResponse{}, err
	}
	return schema.DisplayKeyResponse{Forwarded: true}, nil
}

// SendDisplayPointer forwards a pointer event to a display tab. Events
// on a tab that is not connected are dropped silently.
func (s *service) SendDisplayPointer(ctx context.Context, req schema.DisplayPointerRequest) (schema.DisplayPointerResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.DisplayPointerResponse{}, err
	}
	log := logx.WithUserTab(ctx, userID, req.Key)
	conn, err := s.displayConnFor(userID, req.Key)
	if err != nil {
		log.Warn("service display pointer failed", "err", err)
		return schema.DisplayPointerResponse{}, err
	}
	if conn == nil {
		return schema.DisplayPointerResponse{Forwarded: false}, nil
	}
	if err := conn.SendPointer(ctx, DisplayPointer{X: req.X, Y: req.Y, Buttons: req.Buttons, Wheel: req.Wheel}); err != nil {
		log.Warn("service display pointer write failed", "err", err)
		return schema.DisplayPointerResponse{}, err
	}
	return schema.DisplayPointerResponse{Forwarded: true}, nil
}

// displayConnFor resolves the conn for input forwarding: nil without
// error when the tab exists but is not connected.
func (s *service) displayConnFor(userID schema.UserID, key schema.TabKey) (DisplayConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, t := s.liveTabLocked(userID, key, "")
	if t == nil {
		return nil, schema.ErrTabNotFound
	}
	if t.display == nil {
		return nil, schema.ErrNotDisplayTab
	}
	if t.Phase != schema.TabPhaseConnected {
		return nil, nil
	}
	return t.display.conn, nil
}

// GetBuffer returns the scrollback view of a shell tab.
func (s *service) GetBuffer(ctx context.Context, req schema.GetBufferRequest) (schema.GetBufferResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetBufferResponse{}, err
	}
	log := logx.WithUserTab(ctx, userID, req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, t := s.liveTabLocked(userID, req.Key, "")
	if t == nil {
		log.Warn("service buffer get failed", "err", schema.ErrTabNotFound)
		return schema.GetBufferResponse{}, schema.ErrTabNotFound
	}
	if t.shell == nil {
		log.Warn("service buffer get failed", "err", schema.ErrNotShellTab)
		return schema.GetBufferResponse{}, schema.ErrNotShellTab
	}
	view := t.shell.buffer.Snapshot(req.Limit)
	log.Trace("service buffer snapshot", "lines", view.TotalLines, "offset", view.ScrollOffset, "limit", req.Limit)
	return schema.GetBufferResponse{Buffer: mapBufferSnapshot(req.Key, view)}, nil
}

// ScrollBuffer adjusts the scrollback view of a shell tab.
func (s *service) ScrollBuffer(ctx context.Context, req schema.ScrollBufferRequest) (schema.ScrollBufferResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ScrollBufferResponse{}, err
	}
	log := logx.WithUserTab(ctx, userID, req.Key)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, t := s.liveTabLocked(userID, req.Key, "")
	if t == nil {
		log.Warn("service buffer scroll failed", "err", schema.ErrTabNotFound)
		return schema.ScrollBufferResponse{}, schema.ErrTabNotFound
	}
	if t.shell == nil {
		log.Warn("service buffer scroll failed", "err", schema.ErrNotShellTab)
		return schema.ScrollBufferResponse{}, schema.ErrNotShellTab
	}
	t.shell.buffer.Scroll(req.Delta, req.Limit)
	view := t.shell.buffer.Snapshot(req.Limit)
	log.Debug("service buffer scrolled", "offset", view.ScrollOffset, "limit", req.Limit)
	return schema.ScrollBufferResponse{Buffer: mapBufferSnapshot(req.Key, view)}, nil
}

func mapBufferSnapshot(key schema.TabKey, view bufferView) schema.BufferSnapshot {
	return schema.BufferSnapshot{
		Key:          key,
		Lines:        view.Lines,
		TotalLines:   view.TotalLines,
		ScrollOffset: view.ScrollOffset,
		AtBottom:     view.AtBottom,
	}
}

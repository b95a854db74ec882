package core

import (
	"context"

	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
)

// CloseTab tears a tab down: dependent modal first, then the backend
// close, then sink disposal and cleanup entries, then registry removal
// with active failover. Closing an absent key is a no-op, so a user
// click racing a backend exit cannot double-free anything.
func (s *service) CloseTab(ctx context.Context, req schema.CloseTabRequest) (schema.CloseTabResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.CloseTabResponse{}, err
	}
	log := logx.WithUserTab(ctx, userID, req.Key)

	var events []schema.TabEvent
	var fns []func()
	var shellConn ShellConn
	var displayConn DisplayConn
	var snap schema.TabSnapshot
	wasActive := false

	s.mu.Lock()
	state := s.users[userID]
	var t *tab
	if state != nil {
		t = state.get(req.Key)
	}
	if t == nil {
		s.mu.Unlock()
		log.Debug("service tab close ignored", "reason", "not found")
		return schema.CloseTabResponse{}, nil
	}
	if t.Modal != "" {
		t.Modal = ""
		events = append(events, schema.TabEvent{UserID: userID, Type: schema.TabEventModalClosed, Tab: t.Snapshot(state.active == req.Key)})
	}
	wasActive = state.active == req.Key
	if t.shell != nil {
		shellConn = t.shell.conn
	}
	if t.display != nil {
		displayConn = t.display.conn
	}
	state.remove(req.Key)
	fns = t.takeCleanup()
	snap = t.Snapshot(false)
	events = append(events, schema.TabEvent{UserID: userID, Type: schema.TabEventClosed, Tab: snap})
	if wasActive {
		if failover := s.failoverLocked(userID, state); failover != nil {
			events = append(events, *failover)
		}
	}
	s.mu.Unlock()

	// Backend close precedes sink disposal so nothing writes to a sink
	// that is already gone.
	if shellConn != nil {
		if err := shellConn.Close(); err != nil {
			log.Warn("service engine close failed", "err", err)
		}
	}
	if displayConn != nil {
		if err := displayConn.Close(); err != nil {
			log.Warn("service engine close failed", "err", err)
		}
	}
	for _, fn := range fns {
		fn()
	}
	for _, event := range events {
		s.emitTabEvent(event)
	}
	if wasActive {
		s.layout.Schedule(userID)
	}
	log.Info("service tab closed")
	return schema.CloseTabResponse{Tab: snap}, nil
}

// CloseAll closes every tab of the user, newest first.
func (s *service) CloseAll(ctx context.Context, req schema.CloseAllRequest) (schema.CloseAllResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.CloseAllResponse{}, err
	}
	log := logx.WithUser(ctx, userID)

	s.mu.Lock()
	state := s.users[userID]
	var keys []schema.TabKey
	if state != nil {
		keys = append(keys, state.order...)
	}
	s.mu.Unlock()

	closed := 0
	for i := len(keys) - 1; i >= 0; i-- {
		resp, err := s.CloseTab(ctx, schema.CloseTabRequest{UserID: userID, Key: keys[i]})
		if err != nil {
			log.Warn("service close all failed", "tab", keys[i], "err", err)
			continue
		}
		if resp.Tab.Key != "" {
			closed++
		}
	}
	log.Info("service tabs closed", "count", closed)
	return schema.CloseAllResponse{Closed: closed}, nil
}

package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/gantry/internal/clock"
	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// layoutScheduler coalesces layout signals into at most one flush per
// frame interval per user. Repeated Schedule calls while a flush is
// pending are no-ops.
type layoutScheduler struct {
	clock clock.Clock
	delay time.Duration
	flush func(schema.UserID)

	mu      sync.Mutex
	pending map[schema.UserID]bool
}

func newLayoutScheduler(clk clock.Clock, delay time.Duration, flush func(schema.UserID)) *layoutScheduler {
	return &layoutScheduler{
		clock:   clk,
		delay:   delay,
		flush:   flush,
		pending: make(map[schema.UserID]bool),
	}
}

// Schedule arms the user's flush. Returns true when one was already
// pending.
func (l *layoutScheduler) Schedule(userID schema.UserID) bool {
	l.mu.Lock()
	if l.pending[userID] {
		l.mu.Unlock()
		return true
	}
	l.pending[userID] = true
	l.mu.Unlock()
	l.clock.AfterFunc(l.delay, func() {
		l.mu.Lock()
		delete(l.pending, userID)
		l.mu.Unlock()
		l.flush(userID)
	})
	return false
}

// ScheduleResize records a layout-affecting signal; the actual geometry
// push happens on the next frame flush.
func (s *service) ScheduleResize(ctx context.Context, req schema.ScheduleResizeRequest) (schema.ScheduleResizeResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ScheduleResizeResponse{}, err
	}
	log := logx.WithUser(ctx, userID)
	coalesced := s.layout.Schedule(userID)
	log.Trace("service resize scheduled", "coalesced", coalesced)
	return schema.ScheduleResizeResponse{Coalesced: coalesced}, nil
}

// SyncVisibility runs a full show/hide pass immediately.
func (s *service) SyncVisibility(ctx context.Context, req schema.SyncVisibilityRequest) (schema.SyncVisibilityResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.SyncVisibilityResponse{}, err
	}
	log := logx.WithUser(ctx, userID)
	shown, hidden := s.syncVisibilityPass(log, userID)
	return schema.SyncVisibilityResponse{Shown: shown, Hidden: hidden}, nil
}

// flushLayout is the per-frame recompute: push geometry for the active
// tab when its surface is attached and displayed, then reconcile
// display visibility. Engine failures are logged, never propagated.
func (s *service) flushLayout(userID schema.UserID) {
	log := s.logger.With("user", userID)

	var resizeConn ShellConn
	var geometry schema.Geometry
	var viewConn DisplayConn
	var viewport schema.Viewport
	var geometryEvent *schema.TabEvent

	s.mu.Lock()
	state := s.users[userID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if active := state.get(state.active); active != nil && active.Visible && active.Phase == schema.TabPhaseConnected {
		if active.shell != nil && active.shell.conn != nil {
			resizeConn = active.shell.conn
			geometry = active.shell.geometry
			e := schema.TabEvent{UserID: userID, Type: schema.TabEventGeometry, Tab: active.Snapshot(true)}
			geometryEvent = &e
		}
		if active.display != nil && active.display.conn != nil {
			viewConn = active.display.conn
			viewport = active.display.viewport
			e := schema.TabEvent{UserID: userID, Type: schema.TabEventGeometry, Tab: active.Snapshot(true)}
			geometryEvent = &e
		}
	}
	s.mu.Unlock()

	pushed := false
	if resizeConn != nil {
		if err := resizeConn.Resize(geometry); err != nil {
			log.Warn("service resize push failed", "err", err)
		} else {
			pushed = true
			log.Trace("service resize pushed", "cols", geometry.Cols, "rows", geometry.Rows)
		}
	}
	if viewConn != nil {
		if err := viewConn.SetViewport(context.Background(), viewport); err != nil {
			log.Warn("service viewport push failed", "err", err)
		} else {
			pushed = true
			log.Trace("service viewport pushed", "width", viewport.Width, "height", viewport.Height)
		}
	}
	if pushed && geometryEvent != nil {
		s.emitTabEvent(*geometryEvent)
	}
	s.syncVisibilityPass(log, userID)
}

// syncVisibilityPass shows the active, displayed surface tab and hides
// every other surface tab. The backend calls run concurrently; a
// rejected call is logged and skipped without failing the pass.
func (s *service) syncVisibilityPass(log pslog.Logger, userID schema.UserID) (shown, hidden []schema.TabKey) {
	type target struct {
		key      schema.TabKey
		conn     DisplayConn
		show     bool
		viewport schema.Viewport
	}
	var targets []target
	s.mu.Lock()
	state := s.users[userID]
	if state == nil {
		s.mu.Unlock()
		return nil, nil
	}
	for _, key := range state.order {
		t := state.tabs[key]
		if t == nil || t.display == nil || t.display.conn == nil {
			continue
		}
		targets = append(targets, target{
			key:      key,
			conn:     t.display.conn,
			show:     key == state.active && t.Visible,
			viewport: t.display.viewport,
		})
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return nil, nil
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, tg := range targets {
		wg.Add(1)
		go func(tg target) {
			defer wg.Done()
			var err error
			if tg.show {
				err = tg.conn.Show(ctx)
				if err == nil {
					err = tg.conn.SetViewport(ctx, tg.viewport)
				}
			} else {
				err = tg.conn.Hide(ctx)
			}
			if err != nil {
				log.Warn("service visibility push failed", "tab", tg.key, "show", tg.show, "err", err)
				return
			}
			mu.Lock()
			if tg.show {
				shown = append(shown, tg.key)
			} else {
				hidden = append(hidden, tg.key)
			}
			mu.Unlock()
		}(tg)
	}
	wg.Wait()
	log.Trace("service visibility synced", "shown", len(shown), "hidden", len(hidden))
	return shown, hidden
}

package core

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// openDisplayTab drives the surface open sequence. The backend assigns
// the session identity only once the open call returns, so the tab
// starts under a transient placeholder key and is atomically rekeyed to
// the real identity. No watchdog applies; the surface path reports
// progress through lifecycle events instead of hanging silently.
func (s *service) openDisplayTab(ctx context.Context, userID schema.UserID, req schema.OpenTabRequest) (schema.OpenTabResponse, error) {
	placeholder := schema.TabKey(newID())
	baseLog := logx.WithUserTab(ctx, userID, placeholder)
	log := logx.WithConnection(baseLog, req.Connection)
	log.Info("service tab open start", "protocol", req.Connection.Protocol, "tab_name", req.TabName)

	base := truncateName(req.TabName, s.cfg.TabNameMax)
	if base == "" {
		base = schema.FallbackTabName(req.Connection)
	}

	t := &tab{
		Key:        placeholder,
		BaseTitle:  base,
		Proto:      schema.ProtocolDisplay,
		Connection: req.Connection,
		Phase:      schema.TabPhaseConnecting,
		Visible:    true,
		display:    &displayTab{viewport: req.Viewport},
	}
	s.mu.Lock()
	state := s.workspaceLocked(userID)
	t.Title = state.titleFor(base)
	if err := state.insert(placeholder, t); err != nil {
		s.mu.Unlock()
		log.Warn("service tab open failed", "err", err)
		return schema.OpenTabResponse{}, err
	}
	state.setActive(placeholder)
	opened := schema.TabEvent{UserID: userID, Type: schema.TabEventOpened, Tab: t.Snapshot(true)}
	s.mu.Unlock()
	s.emitTabEvent(opened)

	// local precondition: the backend requires a starting geometry
	if !req.Viewport.HasVisibleArea() {
		return s.displayOpenFailed(log, userID, placeholder, schema.ErrNoVisibleArea)
	}

	sink := &displaySink{s: s, userID: userID}
	openCtx := detachContext(ctx)
	conn, err := s.display.Open(openCtx, OpenDisplaySpec{
		UserID:     userID,
		Connection: req.Connection,
		Viewport:   req.Viewport,
	}, sink)
	if err != nil {
		return s.displayOpenFailed(log, userID, placeholder, err)
	}

	sessionID := conn.SessionID()
	realKey := schema.TabKey(sessionID)
	var events []schema.TabEvent
	var snap schema.TabSnapshot
	orphan := false
	var rekeyErr error
	s.mu.Lock()
	state, cur := s.liveTabLocked(userID, placeholder, "")
	switch {
	case cur == nil:
		// user closed the tab while the call was in flight
		orphan = true
	default:
		rekeyErr = state.rekey(placeholder, realKey)
		if rekeyErr == nil {
			cur.SessionID = sessionID
			cur.display.conn = conn
			cur.display.sink = sink
			sink.bind(realKey)
			cur.cleanup = append(cur.cleanup, sink.detach)
			snap = cur.Snapshot(state.active == realKey)
			events = append(events, schema.TabEvent{UserID: userID, Type: schema.TabEventRekeyed, Tab: snap, OldKey: placeholder})
		}
	}
	s.mu.Unlock()

	if orphan {
		if err := conn.Close(); err != nil {
			log.Warn("service orphan close failed", "err", err)
		} else {
			log.Info("service orphan session closed", "session", sessionID)
		}
		return schema.OpenTabResponse{}, nil
	}
	if rekeyErr != nil {
		if err := conn.Close(); err != nil {
			log.Warn("service engine close failed", "err", err)
		}
		return s.displayOpenFailed(log, userID, placeholder, rekeyErr)
	}

	// Registration precedes dispatch: lifecycle events the gateway sent
	// early are buffered until Start.
	conn.Start()
	for _, event := range events {
		s.emitTabEvent(event)
	}
	s.layout.Schedule(userID)
	log.Info("service tab opened", "session", sessionID)
	return schema.OpenTabResponse{Tab: snap}, nil
}

// displayOpenFailed unwinds a placeholder tab that never got a backend
// identity: cleanup entries run, the key leaves the registry, and the
// active pointer fails over.
func (s *service) displayOpenFailed(log pslog.Logger, userID schema.UserID, key schema.TabKey, openErr error) (schema.OpenTabResponse, error) {
	var events []schema.TabEvent
	var fns []func()
	s.mu.Lock()
	state, t := s.liveTabLocked(userID, key, "")
	if t != nil {
		if t.transition(schema.TabPhaseError, openErr.Error()) {
			events = append(events, schema.TabEvent{UserID: userID, Type: schema.TabEventPhase, Tab: t.Snapshot(state.active == key)})
		}
		state.remove(key)
		fns = t.takeCleanup()
		events = append(events, schema.TabEvent{UserID: userID, Type: schema.TabEventClosed, Tab: t.Snapshot(false)})
		if failover := s.failoverLocked(userID, state); failover != nil {
			events = append(events, *failover)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	for _, event := range events {
		s.emitTabEvent(event)
	}
	log.Warn("service tab open failed", "err", openErr)
	return schema.OpenTabResponse{}, openErr
}

// displaySink forwards engine callbacks into the coordinator. bind must
// run before the conn starts dispatching.
type displaySink struct {
	s        *service
	userID   schema.UserID
	key      schema.TabKey
	detached atomic.Bool
}

func (k *displaySink) bind(key schema.TabKey) {
	k.key = key
}

func (k *displaySink) detach() {
	k.detached.Store(true)
}

func (k *displaySink) State(event DisplayStateEvent) {
	if k.detached.Load() {
		return
	}
	k.s.handleDisplayState(k.userID, k.key, event)
}

func (k *displaySink) Frame(data []byte) {
	if k.detached.Load() || len(data) == 0 {
		return
	}
	k.s.handleDisplayFrame(k.userID, k.key, data)
}

func (k *displaySink) Exit(reason string) {
	if k.detached.Load() {
		return
	}
	k.s.handleDisplayExit(k.userID, k.key, reason)
}

// handleDisplayState applies a lifecycle signal. Unrecognized signals
// land the tab in error rather than leaving it connecting forever.
func (s *service) handleDisplayState(userID schema.UserID, key schema.TabKey, event DisplayStateEvent) {
	log := s.logger.With("user", userID, "tab", key)
	var tabEvent *schema.TabEvent
	s.mu.Lock()
	state, t := s.liveTabLocked(userID, key, "")
	if t == nil || t.display == nil {
		s.mu.Unlock()
		log.Debug("service display state ignored", "reason", "tab gone", "state", event.Kind)
		return
	}
	switch event.Kind {
	case DisplayStateConnecting:
		// progress only
	case DisplayStateConnected, DisplayStateLoginComplete:
		if t.transition(schema.TabPhaseConnected, "") {
			e := schema.TabEvent{UserID: userID, Type: schema.TabEventPhase, Tab: t.Snapshot(state.active == key)}
			tabEvent = &e
		}
	case DisplayStateDisconnected, DisplayStateFatalError:
		if t.transition(schema.TabPhaseError, displayErrorDetail(event)) {
			e := schema.TabEvent{UserID: userID, Type: schema.TabEventPhase, Tab: t.Snapshot(state.active == key)}
			tabEvent = &e
		}
	case DisplayStateLogonError:
		// the UI raises a credential prompt for this tab; the closer
		// dismisses it if the tab goes first
		t.Modal = "logon"
		if t.transition(schema.TabPhaseError, displayErrorDetail(event)) {
			e := schema.TabEvent{UserID: userID, Type: schema.TabEventPhase, Tab: t.Snapshot(state.active == key)}
			tabEvent = &e
		}
	default:
		if t.transition(schema.TabPhaseError, fmt.Sprintf("display session reported an unrecognized lifecycle signal %q", event.Kind)) {
			e := schema.TabEvent{UserID: userID, Type: schema.TabEventPhase, Tab: t.Snapshot(state.active == key)}
			tabEvent = &e
		}
	}
	s.mu.Unlock()
	if tabEvent != nil {
		s.emitTabEvent(*tabEvent)
		log.Info("service display state applied", "state", event.Kind, "phase", tabEvent.Tab.Phase)
	}
}

func (s *service) handleDisplayFrame(userID schema.UserID, key schema.TabKey, data []byte) {
	s.mu.Lock()
	_, t := s.liveTabLocked(userID, key, "")
	live := t != nil && t.display != nil
	s.mu.Unlock()
	if !live {
		return
	}
	s.emitFrame(userID, key, data)
}

// handleDisplayExit routes the exit through the closer; close is
// idempotent, so racing a user-initiated close is harmless.
func (s *service) handleDisplayExit(userID schema.UserID, key schema.TabKey, reason string) {
	log := s.logger.With("user", userID, "tab", key)
	log.Info("service display exit", "reason", reason)
	ctx := logx.ContextWithUserTabLogger(context.Background(), log, userID, key)
	if _, err := s.CloseTab(ctx, schema.CloseTabRequest{UserID: userID, Key: key}); err != nil {
		log.Warn("service display exit close failed", "err", err)
	}
}

func displayErrorDetail(event DisplayStateEvent) string {
	var b strings.Builder
	b.WriteString("display session failed")
	if event.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", event.Code)
	}
	if event.Reason != "" {
		b.WriteString(": ")
		b.WriteString(event.Reason)
	}
	return b.String()
}

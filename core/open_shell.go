package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// openTimeoutDetail is the status a tab shows when the watchdog fires.
const openTimeoutDetail = "SSH open timed out waiting for backend response"

type shellOpenResult struct {
	conn ShellConn
	err  error
}

// openShellTab drives the stream open sequence: the permanent key is
// chosen up front and doubles as the backend session identity, the sink
// is live before the open call is issued, and a watchdog bounds how
// long the caller waits without cancelling the call itself.
func (s *service) openShellTab(ctx context.Context, userID schema.UserID, req schema.OpenTabRequest) (schema.OpenTabResponse, error) {
	key := schema.TabKey(newID())
	sessionID := schema.SessionID(key)
	baseLog := logx.WithUserTab(ctx, userID, key)
	log := logx.WithConnection(baseLog, req.Connection)
	log.Info("service tab open start", "protocol", req.Connection.Protocol, "tab_name", req.TabName)

	geometry := req.Geometry
	if geometry.Cols <= 0 || geometry.Rows <= 0 {
		geometry = s.cfg.DefaultGeometry
	}
	base := truncateName(req.TabName, s.cfg.TabNameMax)
	if base == "" {
		base = schema.FallbackTabName(req.Connection)
	}

	sink := &shellSink{s: s, userID: userID, key: key}
	t := &tab{
		Key:        key,
		BaseTitle:  base,
		Proto:      schema.ProtocolShell,
		Connection: req.Connection,
		Phase:      schema.TabPhaseConnecting,
		Visible:    true,
		shell: &shellTab{
			sink:     sink,
			geometry: geometry,
			buffer:   newBufferWithMaxLines(s.cfg.BufferMaxLines),
		},
	}
	t.cleanup = append(t.cleanup, sink.detach)

	s.mu.Lock()
	state := s.workspaceLocked(userID)
	t.Title = state.titleFor(base)
	if err := state.insert(key, t); err != nil {
		s.mu.Unlock()
		log.Warn("service tab open failed", "err", err)
		return schema.OpenTabResponse{}, err
	}
	state.setActive(key)
	opened := schema.TabEvent{UserID: userID, Type: schema.TabEventOpened, Tab: t.Snapshot(true)}
	s.mu.Unlock()
	s.emitTabEvent(opened)

	// The sink is registered before the call goes out; a backend that
	// reports exit synchronously still lands on the tab.
	openCtx := detachContext(ctx)
	results := make(chan shellOpenResult, 1)
	go func() {
		conn, err := s.shell.Open(openCtx, OpenShellSpec{
			UserID:     userID,
			SessionID:  sessionID,
			Connection: req.Connection,
			Geometry:   geometry,
		}, sink)
		results <- shellOpenResult{conn: conn, err: err}
	}()

	watchdog := make(chan struct{}, 1)
	timer := s.clock.AfterFunc(s.cfg.OpenTimeout, func() {
		watchdog <- struct{}{}
	})
	var result shellOpenResult
	select {
	case result = <-results:
		timer.Stop()
	case <-watchdog:
		return s.shellOpenTimedOut(log, userID, key, results)
	}
	return s.finishShellOpen(log, userID, key, sessionID, req, result)
}

// shellOpenTimedOut surfaces the watchdog outcome on the tab and leaves
// a reaper behind: the engine call is not cancelled, and a late success
// must be closed on the backend so the session does not leak.
func (s *service) shellOpenTimedOut(log pslog.Logger, userID schema.UserID, key schema.TabKey, results <-chan shellOpenResult) (schema.OpenTabResponse, error) {
	var event *schema.TabEvent
	s.mu.Lock()
	state, t := s.liveTabLocked(userID, key, "")
	if t != nil && t.transition(schema.TabPhaseError, openTimeoutDetail) {
		e := schema.TabEvent{UserID: userID, Type: schema.TabEventPhase, Tab: t.Snapshot(state.active == key)}
		event = &e
	}
	s.mu.Unlock()
	if event != nil {
		s.emitTabEvent(*event)
	}
	log.Warn("service tab open timeout", "timeout", s.cfg.OpenTimeout)
	go s.reapLateShellOpen(log, results)
	return schema.OpenTabResponse{}, schema.ErrOpenTimeout
}

// reapLateShellOpen waits out an open call the watchdog abandoned. A
// late success gets a compensating close; a late failure, host key
// prompts included, is discarded.
func (s *service) reapLateShellOpen(log pslog.Logger, results <-chan shellOpenResult) {
	result := <-results
	if result.err != nil {
		log.Debug("service late open discarded", "err", result.err)
		return
	}
	if result.conn == nil {
		return
	}
	if err := result.conn.Close(); err != nil {
		log.Warn("service late open close failed", "err", err)
		return
	}
	log.Info("service late open closed", "reason", "timeout")
}

func (s *service) finishShellOpen(log pslog.Logger, userID schema.UserID, key schema.TabKey, sessionID schema.SessionID, req schema.OpenTabRequest, result shellOpenResult) (schema.OpenTabResponse, error) {
	if result.err != nil {
		var mismatch *schema.HostKeyMismatchError
		if errors.As(result.err, &mismatch) {
			return s.shellHostKeyPause(log, userID, key, req, mismatch)
		}
		return s.shellOpenFailed(log, userID, key, result.err)
	}

	conn := result.conn
	var event *schema.TabEvent
	var snap schema.TabSnapshot
	orphan := false
	closeConn := false
	s.mu.Lock()
	state, t := s.liveTabLocked(userID, key, "")
	switch {
	case t == nil:
		// user closed the tab while the call was in flight
		orphan = true
	case t.Phase == schema.TabPhaseExited:
		// exit raced ahead of the open confirmation; leave it be
		closeConn = true
		snap = t.Snapshot(state.active == key)
	default:
		t.SessionID = sessionID
		t.shell.conn = conn
		if t.transition(schema.TabPhaseConnected, "") {
			e := schema.TabEvent{UserID: userID, Type: schema.TabEventPhase, Tab: t.Snapshot(state.active == key)}
			event = &e
			snap = e.Tab
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
	if closeConn {
		if err := conn.Close(); err != nil {
			log.Debug("service conn close after exit failed", "err", err)
		}
		log.Info("service tab exited before open settled", "session", sessionID)
		return schema.OpenTabResponse{Tab: snap}, nil
	}
	if event != nil {
		s.emitTabEvent(*event)
	}
	log.Info("service tab opened", "session", sessionID)
	return schema.OpenTabResponse{Tab: snap}, nil
}

// shellOpenFailed marks the tab with the failure, then unwinds it:
// cleanup entries run, the key leaves the registry, and the active
// pointer fails over.
func (s *service) shellOpenFailed(log pslog.Logger, userID schema.UserID, key schema.TabKey, openErr error) (schema.OpenTabResponse, error) {
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

// shellHostKeyPause unwinds the placeholder tab and hands the decision
// to the caller. A mismatch is a required user decision, not a failure;
// the original request is parked for re-attempt under the prompt token.
func (s *service) shellHostKeyPause(log pslog.Logger, userID schema.UserID, key schema.TabKey, req schema.OpenTabRequest, mismatch *schema.HostKeyMismatchError) (schema.OpenTabResponse, error) {
	prompt := mismatch.Prompt
	var events []schema.TabEvent
	var fns []func()
	s.mu.Lock()
	state, t := s.liveTabLocked(userID, key, "")
	if t != nil {
		state.remove(key)
		fns = t.takeCleanup()
		events = append(events, schema.TabEvent{UserID: userID, Type: schema.TabEventClosed, Tab: t.Snapshot(false)})
		if failover := s.failoverLocked(userID, state); failover != nil {
			events = append(events, *failover)
		}
	}
	s.reopens[prompt.Token] = req
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	events = append(events, schema.TabEvent{UserID: userID, Type: schema.TabEventHostKey, Prompt: &prompt})
	for _, event := range events {
		s.emitTabEvent(event)
	}
	log.Info("service tab open paused", "reason", "host key mismatch", "host", prompt.Host)
	return schema.OpenTabResponse{HostKey: &prompt}, nil
}

// shellSink forwards engine callbacks into the coordinator. detach
// turns later callbacks into no-ops; anything that slips through is
// still dropped by the registry guard.
type shellSink struct {
	s        *service
	userID   schema.UserID
	key      schema.TabKey
	detached atomic.Bool
}

func (k *shellSink) detach() {
	k.detached.Store(true)
}

func (k *shellSink) Output(data []byte) {
	if k.detached.Load() || len(data) == 0 {
		return
	}
	k.s.handleShellOutput(k.userID, k.key, data)
}

func (k *shellSink) Exit(code int) {
	if k.detached.Load() {
		return
	}
	k.s.handleShellExit(k.userID, k.key, code)
}

func (s *service) handleShellOutput(userID schema.UserID, key schema.TabKey, data []byte) {
	s.mu.Lock()
	_, t := s.liveTabLocked(userID, key, "")
	if t == nil || t.shell == nil {
		s.mu.Unlock()
		return
	}
	t.shell.buffer.AppendChunk(data)
	s.mu.Unlock()
	s.emitOutput(userID, key, data)
}

// handleShellExit applies the exit notification. A tab already in a
// terminal phase is left untouched; a stale key is ignored outright.
func (s *service) handleShellExit(userID schema.UserID, key schema.TabKey, code int) {
	log := s.logger.With("user", userID, "tab", key)
	var event *schema.TabEvent
	s.mu.Lock()
	state, t := s.liveTabLocked(userID, key, "")
	if t == nil {
		s.mu.Unlock()
		log.Debug("service exit ignored", "reason", "tab gone", "code", code)
		return
	}
	detail := fmt.Sprintf("shell session exited (code %d)", code)
	if t.Phase == schema.TabPhaseConnecting {
		detail = fmt.Sprintf("shell session closed before connecting (code %d)", code)
	}
	if t.transition(schema.TabPhaseExited, detail) {
		exitCode := code
		t.ExitCode = &exitCode
		if t.shell != nil && t.shell.buffer != nil {
			t.shell.buffer.Append(fmt.Sprintf("[process exited with code %d]", code))
		}
		e := schema.TabEvent{UserID: userID, Type: schema.TabEventPhase, Tab: t.Snapshot(state.active == key)}
		event = &e
	}
	s.mu.Unlock()
	if event != nil {
		s.emitTabEvent(*event)
		log.Info("service tab exited", "code", code)
	}
}

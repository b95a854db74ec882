package core

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pkt.systems/gantry/internal/clock"
	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// service implements the session lifecycle coordinator.
type service struct {
	cfg     schema.ServiceConfig
	shell   ShellEngine
	display DisplayEngine
	keys    HostKeyStore
	sink    EventSink
	clock   clock.Clock
	logger  pslog.Logger
	layout  *layoutScheduler

	mu    sync.Mutex
	users map[schema.UserID]*workspace
	// reopens holds the open requests paused on a host key decision,
	// keyed by one-shot mismatch token.
	reopens map[string]schema.OpenTabRequest
}

// NewService constructs the coordinator.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	s := &service{
		cfg:     cfg,
		shell:   deps.ShellEngine,
		display: deps.DisplayEngine,
		keys:    deps.HostKeys,
		sink:    deps.EventSink,
		clock:   clk,
		logger:  logger,
		users:   make(map[schema.UserID]*workspace),
		reopens: make(map[string]schema.OpenTabRequest),
	}
	s.layout = newLayoutScheduler(clk, cfg.FrameInterval, s.flushLayout)
	return s, nil
}

// OpenTab opens a session tab for the requested connection, dispatching
// on the connection's protocol family.
func (s *service) OpenTab(ctx context.Context, req schema.OpenTabRequest) (schema.OpenTabResponse, error) {
	if ctx == nil {
		return schema.OpenTabResponse{}, errors.New("missing context")
	}
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.OpenTabResponse{}, err
	}
	if err := schema.ValidateConnection(req.Connection); err != nil {
		return schema.OpenTabResponse{}, err
	}
	switch req.Connection.Protocol {
	case schema.ProtocolShell:
		if s.shell == nil {
			return schema.OpenTabResponse{}, schema.ErrEngineUnavailable
		}
		return s.openShellTab(ctx, userID, req)
	case schema.ProtocolDisplay:
		if s.display == nil {
			return schema.OpenTabResponse{}, schema.ErrEngineUnavailable
		}
		return s.openDisplayTab(ctx, userID, req)
	}
	return schema.OpenTabResponse{}, schema.ErrInvalidConnection
}

func (s *service) ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ListTabsResponse{}, err
	}
	log := logx.WithUser(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.workspaceLocked(userID)
	tabs := make([]schema.TabSnapshot, 0, len(state.order))
	for _, key := range state.order {
		t := state.tabs[key]
		if t == nil {
			continue
		}
		tabs = append(tabs, t.Snapshot(key == state.active))
	}
	log.Trace("service tabs listed", "count", len(tabs), "active", state.active)
	return schema.ListTabsResponse{Tabs: tabs, ActiveKey: state.active}, nil
}

func (s *service) ActivateTab(ctx context.Context, req schema.ActivateTabRequest) (schema.ActivateTabResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ActivateTabResponse{}, err
	}
	log := logx.WithUserTab(ctx, userID, req.Key)

	s.mu.Lock()
	state := s.workspaceLocked(userID)
	t := state.get(req.Key)
	if t == nil {
		s.mu.Unlock()
		log.Warn("service tab activate failed", "err", schema.ErrTabNotFound)
		return schema.ActivateTabResponse{}, schema.ErrTabNotFound
	}
	state.setActive(req.Key)
	event := schema.TabEvent{UserID: userID, Type: schema.TabEventActivated, Tab: t.Snapshot(true)}
	s.mu.Unlock()
	s.emitTabEvent(event)
	s.layout.Schedule(userID)
	log.Info("service tab activated")
	return schema.ActivateTabResponse{Tab: event.Tab}, nil
}

// workspaceLocked returns the user's registry, creating it on first
// touch. Callers hold s.mu.
func (s *service) workspaceLocked(userID schema.UserID) *workspace {
	state := s.users[userID]
	if state == nil {
		state = newWorkspace()
		s.users[userID] = state
	}
	return state
}

// liveTabLocked is the guard every asynchronous continuation runs
// before mutating: the tab must still be registered under key and,
// when sessionID is non-empty, still bound to that session. Callers
// hold s.mu.
func (s *service) liveTabLocked(userID schema.UserID, key schema.TabKey, sessionID schema.SessionID) (*workspace, *tab) {
	state := s.users[userID]
	if state == nil {
		return nil, nil
	}
	t := state.tabs[key]
	if t == nil {
		return state, nil
	}
	if sessionID != "" && t.SessionID != sessionID {
		return state, nil
	}
	return state, t
}

// failoverLocked activates the successor after the active tab was
// removed. Returns the activation event, or nil when no tabs remain.
func (s *service) failoverLocked(userID schema.UserID, state *workspace) *schema.TabEvent {
	if state.active != "" {
		return nil
	}
	next := state.nextActive()
	if next == "" {
		return nil
	}
	state.setActive(next)
	t := state.tabs[next]
	if t == nil {
		return nil
	}
	event := schema.TabEvent{UserID: userID, Type: schema.TabEventActivated, Tab: t.Snapshot(true)}
	return &event
}

func (s *service) emitTabEvent(event schema.TabEvent) {
	if s.sink == nil {
		return
	}
	s.sink.OnTabEvent(event)
}

func (s *service) emitOutput(userID schema.UserID, key schema.TabKey, data []byte) {
	if s.sink == nil || len(data) == 0 {
		return
	}
	s.sink.OnOutput(schema.OutputEvent{
		UserID: userID,
		Key:    key,
		Data:   append([]byte(nil), data...),
	})
}

func (s *service) emitFrame(userID schema.UserID, key schema.TabKey, data []byte) {
	if s.sink == nil || len(data) == 0 {
		return
	}
	s.sink.OnFrame(schema.FrameEvent{
		UserID: userID,
		Key:    key,
		Data:   append([]byte(nil), data...),
	})
}

// detachContext strips cancelation while keeping the logger and log
// markers, for work that must outlive the originating request.
func detachContext(ctx context.Context) context.Context {
	base := context.Background()
	if ctx != nil {
		if logger := pslog.Ctx(ctx); logger != nil {
			base = logx.CopyContextFields(pslog.ContextWithLogger(base, logger), ctx)
		}
	}
	return base
}

func normalizeUserID(userID schema.UserID) (schema.UserID, error) {
	if err := schema.ValidateUserID(userID); err != nil {
		return "", schema.ErrInvalidUser
	}
	return userID, nil
}

func truncateName(name schema.TabName, max int) schema.TabName {
	trimmed := strings.TrimSpace(string(name))
	if max <= 0 || len(trimmed) <= max {
		return schema.TabName(trimmed)
	}
	return schema.TabName(trimmed[:max])
}

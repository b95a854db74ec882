package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pkt.systems/gantry/schema"
)

func TestScheduleResizeCoalescesIntoOneFlush(t *testing.T) {
	conn := &fakeShellConn{}
	eng := &fakeShellEngine{handler: func(spec OpenShellSpec, sink ShellSink) (ShellConn, error) {
		return conn, nil
	}}
	svc, sink, clk := newTestService(t, ServiceDeps{ShellEngine: eng})
	user := schema.UserID("alice")

	if _, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{UserID: user, Connection: shellConnection()}); err != nil {
		t.Fatalf("open tab: %v", err)
	}

	first, err := svc.ScheduleResize(context.Background(), schema.ScheduleResizeRequest{UserID: user})
	if err != nil {
		t.Fatalf("schedule resize: %v", err)
	}
	if first.Coalesced {
		t.Fatalf("expected first signal to arm the flush")
	}
	for i := 0; i < 4; i++ {
		resp, err := svc.ScheduleResize(context.Background(), schema.ScheduleResizeRequest{UserID: user})
		if err != nil {
			t.Fatalf("schedule resize %d: %v", i, err)
		}
		if !resp.Coalesced {
			t.Fatalf("expected signal %d coalesced", i)
		}
	}
	if conn.resizeCount() != 0 {
		t.Fatalf("expected no push before the frame, got %d", conn.resizeCount())
	}

	clk.Advance(schema.DefaultFrameInterval)
	if conn.resizeCount() != 1 {
		t.Fatalf("expected one push per frame, got %d", conn.resizeCount())
	}
	if got := conn.lastResize(); got.Cols != schema.DefaultCols || got.Rows != schema.DefaultRows {
		t.Fatalf("unexpected pushed geometry %+v", got)
	}
	if got := len(sink.eventsOf(schema.TabEventGeometry)); got != 1 {
		t.Fatalf("expected one geometry event, got %d", got)
	}

	// The window reopens after the flush.
	again, err := svc.ScheduleResize(context.Background(), schema.ScheduleResizeRequest{UserID: user})
	if err != nil {
		t.Fatalf("schedule resize after flush: %v", err)
	}
	if again.Coalesced {
		t.Fatalf("expected fresh window after flush")
	}
	clk.Advance(schema.DefaultFrameInterval)
	if conn.resizeCount() != 2 {
		t.Fatalf("expected second push, got %d", conn.resizeCount())
	}
}

func TestResizeTabRecordsGeometryAndPushesOnFlush(t *testing.T) {
	conn := &fakeShellConn{}
	eng := &fakeShellEngine{handler: func(spec OpenShellSpec, sink ShellSink) (ShellConn, error) {
		return conn, nil
	}}
	svc, _, clk := newTestService(t, ServiceDeps{ShellEngine: eng})
	user := schema.UserID("alice")

	resp, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{UserID: user, Connection: shellConnection()})
	if err != nil {
		t.Fatalf("open tab: %v", err)
	}
	resized, err := svc.ResizeTab(context.Background(), schema.ResizeTabRequest{
		UserID:   user,
		Key:      resp.Tab.Key,
		Geometry: schema.Geometry{Cols: 80, Rows: 24},
	})
	if err != nil {
		t.Fatalf("resize tab: %v", err)
	}
	if resized.Tab.Geometry.Cols != 80 || resized.Tab.Geometry.Rows != 24 {
		t.Fatalf("expected recorded geometry, got %+v", resized.Tab.Geometry)
	}
	if conn.resizeCount() != 0 {
		t.Fatalf("expected push deferred to the frame, got %d", conn.resizeCount())
	}

	clk.Advance(schema.DefaultFrameInterval)
	if conn.resizeCount() != 1 {
		t.Fatalf("expected one push, got %d", conn.resizeCount())
	}
	if got := conn.lastResize(); got.Cols != 80 || got.Rows != 24 {
		t.Fatalf("expected pushed geometry 80x24, got %+v", got)
	}

	if _, err := svc.ResizeTab(context.Background(), schema.ResizeTabRequest{
		UserID:   user,
		Key:      resp.Tab.Key,
		Geometry: schema.Geometry{Cols: 0, Rows: 24},
	}); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestFlushSkipsTerminalTab(t *testing.T) {
	conn := &fakeShellConn{}
	eng := &fakeShellEngine{handler: func(spec OpenShellSpec, sink ShellSink) (ShellConn, error) {
		return conn, nil
	}}
	svc, _, clk := newTestService(t, ServiceDeps{ShellEngine: eng})
	user := schema.UserID("alice")

	if _, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{UserID: user, Connection: shellConnection()}); err != nil {
		t.Fatalf("open tab: %v", err)
	}
	eng.sink(0).Exit(0)

	if _, err := svc.ScheduleResize(context.Background(), schema.ScheduleResizeRequest{UserID: user}); err != nil {
		t.Fatalf("schedule resize: %v", err)
	}
	clk.Advance(schema.DefaultFrameInterval)
	if conn.resizeCount() != 0 {
		t.Fatalf("expected no push for exited tab, got %d", conn.resizeCount())
	}
}

func TestFlushPushesViewportForActiveDisplay(t *testing.T) {
	eng := &fakeDisplayEngine{}
	svc, sink, clk := newTestService(t, ServiceDeps{DisplayEngine: eng})
	user := schema.UserID("alice")

	resp, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{
		UserID:     user,
		Connection: displayConnection(),
		Viewport:   schema.Viewport{Width: 800, Height: 600},
	})
	if err != nil {
		t.Fatalf("open tab: %v", err)
	}
	eng.sink(0).State(DisplayStateEvent{Kind: DisplayStateConnected})

	if _, err := svc.SetViewport(context.Background(), schema.SetViewportRequest{
		UserID:   user,
		Key:      resp.Tab.Key,
		Viewport: schema.Viewport{X: 10, Y: 20, Width: 1024, Height: 768},
		Visible:  true,
	}); err != nil {
		t.Fatalf("set viewport: %v", err)
	}

	clk.Advance(schema.DefaultFrameInterval)
	conn := eng.conn(0)
	if conn.viewportCount() == 0 {
		t.Fatalf("expected viewport pushed on flush")
	}
	if got := conn.lastViewport(); got.Width != 1024 || got.Height != 768 || got.X != 10 {
		t.Fatalf("unexpected pushed viewport %+v", got)
	}
	if conn.showCount() == 0 {
		t.Fatalf("expected visibility sync to show the active tab")
	}
	if got := len(sink.eventsOf(schema.TabEventGeometry)); got != 1 {
		t.Fatalf("expected one geometry event, got %d", got)
	}
}

func TestFlushHidesInvisibleDisplayTab(t *testing.T) {
	eng := &fakeDisplayEngine{}
	svc, _, clk := newTestService(t, ServiceDeps{DisplayEngine: eng})
	user := schema.UserID("alice")

	resp, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{
		UserID:     user,
		Connection: displayConnection(),
		Viewport:   schema.Viewport{Width: 800, Height: 600},
	})
	if err != nil {
		t.Fatalf("open tab: %v", err)
	}
	eng.sink(0).State(DisplayStateEvent{Kind: DisplayStateConnected})
	if _, err := svc.SetViewport(context.Background(), schema.SetViewportRequest{
		UserID:   user,
		Key:      resp.Tab.Key,
		Viewport: schema.Viewport{Width: 800, Height: 600},
		Visible:  false,
	}); err != nil {
		t.Fatalf("set viewport: %v", err)
	}

	clk.Advance(schema.DefaultFrameInterval)
	conn := eng.conn(0)
	if conn.viewportCount() != 0 {
		t.Fatalf("expected no viewport push for hidden tab, got %d", conn.viewportCount())
	}
	if conn.hideCount() == 0 {
		t.Fatalf("expected hidden tab hidden on sync")
	}
}

func TestSyncVisibilityShowsActiveHidesOthers(t *testing.T) {
	eng := &fakeDisplayEngine{}
	svc, _, _ := newTestService(t, ServiceDeps{DisplayEngine: eng})
	user := schema.UserID("alice")

	first, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{
		UserID:     user,
		Connection: displayConnection(),
		Viewport:   schema.Viewport{Width: 800, Height: 600},
	})
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{
		UserID:     user,
		Connection: displayConnection(),
		Viewport:   schema.Viewport{Width: 800, Height: 600},
	})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}

	resp, err := svc.SyncVisibility(context.Background(), schema.SyncVisibilityRequest{UserID: user})
	if err != nil {
		t.Fatalf("sync visibility: %v", err)
	}
	if len(resp.Shown) != 1 || resp.Shown[0] != second.Tab.Key {
		t.Fatalf("expected %q shown, got %+v", second.Tab.Key, resp.Shown)
	}
	if len(resp.Hidden) != 1 || resp.Hidden[0] != first.Tab.Key {
		t.Fatalf("expected %q hidden, got %+v", first.Tab.Key, resp.Hidden)
	}
	if eng.conn(1).showCount() != 1 || eng.conn(1).viewportCount() != 1 {
		t.Fatalf("expected active shown with viewport, got shows=%d viewports=%d", eng.conn(1).showCount(), eng.conn(1).viewportCount())
	}
	if eng.conn(0).hideCount() != 1 {
		t.Fatalf("expected inactive hidden, got %d", eng.conn(0).hideCount())
	}
}

func TestSyncVisibilityToleratesBackendFailure(t *testing.T) {
	conns := []*fakeDisplayConn{
		{sessionID: "display-a"},
		{sessionID: "display-b", showErr: errors.New("surface not ready")},
	}
	var mu sync.Mutex
	idx := 0
	eng := &fakeDisplayEngine{handler: func(spec OpenDisplaySpec, sink DisplaySink) (DisplayConn, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := conns[idx]
		idx++
		return conn, nil
	}}
	svc, _, _ := newTestService(t, ServiceDeps{DisplayEngine: eng})
	user := schema.UserID("alice")

	for i := 0; i < 2; i++ {
		if _, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{
			UserID:     user,
			Connection: displayConnection(),
			Viewport:   schema.Viewport{Width: 800, Height: 600},
		}); err != nil {
			t.Fatalf("open tab %d: %v", i, err)
		}
	}

	resp, err := svc.SyncVisibility(context.Background(), schema.SyncVisibilityRequest{UserID: user})
	if err != nil {
		t.Fatalf("sync visibility: %v", err)
	}
	if len(resp.Shown) != 0 {
		t.Fatalf("expected failed show reported as not shown, got %+v", resp.Shown)
	}
	if len(resp.Hidden) != 1 || resp.Hidden[0] != "display-a" {
		t.Fatalf("expected the other tab still hidden, got %+v", resp.Hidden)
	}
}

func TestSyncVisibilityEmptyWorkspace(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceDeps{DisplayEngine: &fakeDisplayEngine{}})
	resp, err := svc.SyncVisibility(context.Background(), schema.SyncVisibilityRequest{UserID: "alice"})
	if err != nil {
		t.Fatalf("sync visibility: %v", err)
	}
	if len(resp.Shown) != 0 || len(resp.Hidden) != 0 {
		t.Fatalf("expected empty sync, got %+v / %+v", resp.Shown, resp.Hidden)
	}
}

package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/gantry/internal/clock"
	"pkt.systems/gantry/schema"
)

func TestOpenTabValidation(t *testing.T) {
	svc, _, _ := newTestService(t, ServiceDeps{ShellEngine: &fakeShellEngine{}})

	cases := []struct {
		name string
		req  schema.OpenTabRequest
		want error
	}{
		{
			name: "empty user",
			req:  schema.OpenTabRequest{Connection: shellConnection()},
			want: schema.ErrInvalidUser,
		},
		{
			name: "bad user",
			req:  schema.OpenTabRequest{UserID: "Alice!", Connection: shellConnection()},
			want: schema.ErrInvalidUser,
		},
		{
			name: "missing host",
			req: schema.OpenTabRequest{UserID: "alice", Connection: schema.Connection{
				Protocol: schema.ProtocolShell, Port: 22,
			}},
			want: schema.ErrInvalidConnection,
		},
		{
			name: "port out of range",
			req: schema.OpenTabRequest{UserID: "alice", Connection: schema.Connection{
				Protocol: schema.ProtocolShell, Host: "db1.lab", Port: 0,
			}},
			want: schema.ErrInvalidConnection,
		},
		{
			name: "unknown protocol",
			req: schema.OpenTabRequest{UserID: "alice", Connection: schema.Connection{
				Protocol: "gopher", Host: "db1.lab", Port: 70,
			}},
			want: schema.ErrInvalidConnection,
		},
	}
	for _, tc := range cases {
		_, err := svc.OpenTab(context.Background(), tc.req)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestOpenTabEngineUnavailable(t *testing.T) {
	shellOnly, _, _ := newTestService(t, ServiceDeps{ShellEngine: &fakeShellEngine{}})
	if _, err := shellOnly.OpenTab(context.Background(), schema.OpenTabRequest{
		UserID:     "alice",
		Connection: displayConnection(),
		Viewport:   schema.Viewport{Width: 800, Height: 600},
	}); !errors.Is(err, schema.ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable, got %v", err)
	}

	displayOnly, _, _ := newTestService(t, ServiceDeps{DisplayEngine: &fakeDisplayEngine{}})
	if _, err := displayOnly.OpenTab(context.Background(), schema.OpenTabRequest{
		UserID:     "alice",
		Connection: shellConnection(),
	}); !errors.Is(err, schema.ErrEngineUnavailable) {
		t.Fatalf("expected engine unavailable, got %v", err)
	}
}

func TestListTabsKeepsOpenOrder(t *testing.T) {
	eng := &fakeShellEngine{}
	svc, _, _ := newTestService(t, ServiceDeps{ShellEngine: eng})
	user := schema.UserID("alice")

	var keys []schema.TabKey
	for i := 0; i < 3; i++ {
		resp, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{UserID: user, Connection: shellConnection()})
		if err != nil {
			t.Fatalf("open tab %d: %v", i, err)
		}
		keys = append(keys, resp.Tab.Key)
	}

	list, err := svc.ListTabs(context.Background(), schema.ListTabsRequest{UserID: user})
	if err != nil {
		t.Fatalf("list tabs: %v", err)
	}
	if len(list.Tabs) != 3 {
		t.Fatalf("expected 3 tabs, got %d", len(list.Tabs))
	}
	for i, tab := range list.Tabs {
		if tab.Key != keys[i] {
			t.Fatalf("expected order preserved, index %d got %q want %q", i, tab.Key, keys[i])
		}
	}
	if list.ActiveKey != keys[2] {
		t.Fatalf("expected newest tab active, got %q", list.ActiveKey)
	}
	if !list.Tabs[2].Active || list.Tabs[0].Active {
		t.Fatalf("expected active flag on newest only")
	}
}

func TestActivateTab(t *testing.T) {
	eng := &fakeShellEngine{}
	svc, sink, _ := newTestService(t, ServiceDeps{ShellEngine: eng})
	user := schema.UserID("alice")

	first, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{UserID: user, Connection: shellConnection()})
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	if _, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{UserID: user, Connection: shellConnection()}); err != nil {
		t.Fatalf("open second: %v", err)
	}

	resp, err := svc.ActivateTab(context.Background(), schema.ActivateTabRequest{UserID: user, Key: first.Tab.Key})
	if err != nil {
		t.Fatalf("activate tab: %v", err)
	}
	if resp.Tab.Key != first.Tab.Key || !resp.Tab.Active {
		t.Fatalf("expected %q active, got %+v", first.Tab.Key, resp.Tab)
	}
	list, err := svc.ListTabs(context.Background(), schema.ListTabsRequest{UserID: user})
	if err != nil {
		t.Fatalf("list tabs: %v", err)
	}
	if list.ActiveKey != first.Tab.Key {
		t.Fatalf("expected active %q, got %q", first.Tab.Key, list.ActiveKey)
	}
	activated := sink.eventsOf(schema.TabEventActivated)
	if len(activated) != 1 || activated[0].Tab.Key != first.Tab.Key {
		t.Fatalf("expected activation event, got %+v", activated)
	}

	if _, err := svc.ActivateTab(context.Background(), schema.ActivateTabRequest{UserID: user, Key: "missing"}); !errors.Is(err, schema.ErrTabNotFound) {
		t.Fatalf("expected tab not found, got %v", err)
	}
}

func TestTabTitlesDeduplicate(t *testing.T) {
	eng := &fakeShellEngine{}
	svc, _, _ := newTestService(t, ServiceDeps{ShellEngine: eng})
	user := schema.UserID("alice")

	open := func(name schema.TabName) schema.TabSnapshot {
		t.Helper()
		resp, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{
			UserID:     user,
			Connection: shellConnection(),
			TabName:    name,
		})
		if err != nil {
			t.Fatalf("open %q: %v", name, err)
		}
		return resp.Tab
	}

	if tab := open("db"); tab.Name != "db" {
		t.Fatalf("expected db, got %q", tab.Name)
	}
	if tab := open("db"); tab.Name != "db (2)" {
		t.Fatalf("expected db (2), got %q", tab.Name)
	}
	if tab := open("db"); tab.Name != "db (3)" {
		t.Fatalf("expected db (3), got %q", tab.Name)
	}
	if tab := open("cache"); tab.Name != "cache" {
		t.Fatalf("expected cache untouched, got %q", tab.Name)
	}
}

func TestTabNameTruncated(t *testing.T) {
	sink := &captureSink{}
	svc, err := NewService(schema.ServiceConfig{TabNameMax: 8}, ServiceDeps{
		ShellEngine: &fakeShellEngine{},
		EventSink:   sink,
		Clock:       clock.NewFake(time.Unix(1700000000, 0)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	resp, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{
		UserID:     "alice",
		Connection: shellConnection(),
		TabName:    "  verylongtabname  ",
	})
	if err != nil {
		t.Fatalf("open tab: %v", err)
	}
	if resp.Tab.Name != "verylong" {
		t.Fatalf("expected truncated name, got %q", resp.Tab.Name)
	}
}

func TestBufferScrollThroughService(t *testing.T) {
	eng := &fakeShellEngine{}
	svc, _, _ := newTestService(t, ServiceDeps{ShellEngine: eng})
	user := schema.UserID("alice")

	resp, err := svc.OpenTab(context.Background(), schema.OpenTabRequest{UserID: user, Connection: shellConnection()})
	if err != nil {
		t.Fatalf("open tab: %v", err)
	}
	eng.sink(0).Output([]byte("one\ntwo\nthree\nfour\nfive\n"))

	scrolled, err := svc.ScrollBuffer(context.Background(), schema.ScrollBufferRequest{
		UserID: user,
		Key:    resp.Tab.Key,
		Delta:  2,
		Limit:  3,
	})
	if err != nil {
		t.Fatalf("scroll buffer: %v", err)
	}
	if scrolled.Buffer.ScrollOffset != 2 || scrolled.Buffer.AtBottom {
		t.Fatalf("expected scrolled view, got %+v", scrolled.Buffer)
	}
	if len(scrolled.Buffer.Lines) != 3 || scrolled.Buffer.Lines[0] != "one" {
		t.Fatalf("unexpected lines %v", scrolled.Buffer.Lines)
	}

	got, err := svc.GetBuffer(context.Background(), schema.GetBufferRequest{UserID: user, Key: resp.Tab.Key, Limit: 3})
	if err != nil {
		t.Fatalf("get buffer: %v", err)
	}
	if got.Buffer.Key != resp.Tab.Key {
		t.Fatalf("expected buffer keyed to tab, got %q", got.Buffer.Key)
	}
	if got.Buffer.TotalLines != 5 {
		t.Fatalf("expected 5 lines, got %d", got.Buffer.TotalLines)
	}

	if _, err := svc.GetBuffer(context.Background(), schema.GetBufferRequest{UserID: user, Key: "missing", Limit: 3}); !errors.Is(err, schema.ErrTabNotFound) {
		t.Fatalf("expected tab not found, got %v", err)
	}
}

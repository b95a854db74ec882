package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
)

func TestParseProbeTarget(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		host    string
		port    int
		wantErr bool
	}{
		{name: "host-only", target: "example.com", host: "example.com", port: 22},
		{name: "host-port", target: "example.com:2222", host: "example.com", port: 2222},
		{name: "ipv6", target: "[::1]:8022", host: "::1", port: 8022},
		{name: "empty", target: "", wantErr: true},
		{name: "bad-port", target: "example.com:banana", wantErr: true},
	}
	for _, tc := range tests {
		host, port, err := parseProbeTarget(tc.target)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error for %q", tc.name, tc.target)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: parseProbeTarget(%q): %v", tc.name, tc.target, err)
		}
		if host != tc.host || port != tc.port {
			t.Fatalf("%s: parseProbeTarget(%q) = %s:%d, want %s:%d", tc.name, tc.target, host, port, tc.host, tc.port)
		}
	}
}

func TestProbeCommandReportsReachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = listener.Close() }()

	cmd := newProbeCmd()
	var out bytes.Buffer
	cmd.SetArgs([]string{listener.Addr().String()})
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(out.String(), "reachable") {
		t.Fatalf("expected reachable output, got %q", out.String())
	}
}

func TestProbeCommandFailsOnClosedPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	cmd := newProbeCmd()
	cmd.SetArgs([]string{addr})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for closed port")
	}
}

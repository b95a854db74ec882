package netprobe

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestProbeReachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	addr := listener.Addr().(*net.TCPAddr)

	prober := New(Options{})
	result, err := prober.Probe(context.Background(), "127.0.0.1", addr.Port)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !result.Reachable {
		t.Fatalf("result = %+v, want reachable", result)
	}
	if result.Latency <= 0 {
		t.Fatalf("latency = %v, want > 0", result.Latency)
	}
	if result.Error != "" {
		t.Fatalf("error = %q, want empty", result.Error)
	}
}

func TestProbeRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	prober := New(Options{Timeout: time.Second})
	result, err := prober.Probe(context.Background(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if result.Reachable {
		t.Fatalf("result = %+v, want unreachable", result)
	}
	if result.Error == "" {
		t.Fatalf("refused dial left no error text")
	}
}

func TestProbeNormalizesHost(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	addr := listener.Addr().(*net.TCPAddr)

	prober := New(Options{})
	result, err := prober.Probe(context.Background(), "  127.0.0.1 ", addr.Port)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if result.Host != "127.0.0.1" {
		t.Fatalf("host = %q, want normalized", result.Host)
	}
}

func TestProbeValidatesInput(t *testing.T) {
	prober := New(Options{})
	if _, err := prober.Probe(context.Background(), "", 22); err == nil {
		t.Fatalf("empty host accepted")
	}
	if _, err := prober.Probe(context.Background(), "db1.lab", 0); err == nil {
		t.Fatalf("port 0 accepted")
	}
	if _, err := prober.Probe(context.Background(), "db1.lab", 70000); err == nil {
		t.Fatalf("port 70000 accepted")
	}
}

// Package netprobe answers "can this host:port be reached right now"
// for the workspace connect dialogs and the doctor command.
package netprobe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// DefaultTimeout bounds a single probe dial.
const DefaultTimeout = 1000 * time.Millisecond

// Result is the outcome of one probe. An unreachable target is a
// result, not an error; Error carries the dial failure text.
type Result struct {
	Host      string
	Port      int
	Reachable bool
	Latency   time.Duration
	Error     string
}

// Options configure a Prober.
type Options struct {
	// Timeout bounds each dial. Zero means DefaultTimeout.
	Timeout time.Duration
	// Logger overrides the context logger when set.
	Logger pslog.Logger
}

// Prober dials TCP targets and reports reachability with latency.
type Prober struct {
	timeout time.Duration
	log     pslog.Logger
}

// New returns a Prober.
func New(opts Options) *Prober {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{timeout: timeout, log: opts.Logger}
}

// Probe dials host:port once. It returns an error only for invalid
// input; dial failures come back in the Result.
func (p *Prober) Probe(ctx context.Context, host string, port int) (Result, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return Result{}, fmt.Errorf("probe: host is required")
	}
	if port <= 0 || port > 65535 {
		return Result{}, fmt.Errorf("probe: port %d out of range", port)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: p.timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	result := Result{Host: host, Port: port, Latency: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
		p.logger(ctx).Debug("probe unreachable", "addr", addr, "err", err)
		return result, nil
	}
	_ = conn.Close()
	result.Reachable = true
	p.logger(ctx).Debug("probe ok", "addr", addr, "latency", result.Latency)
	return result, nil
}

func (p *Prober) logger(ctx context.Context) pslog.Logger {
	if p.log != nil {
		return p.log
	}
	return pslog.Ctx(ctx)
}

package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/gantry/internal/netprobe"
	"pkt.systems/pslog"
)

func newProbeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe <host[:port]>",
		Short: "Check whether a target accepts TCP connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := parseProbeTarget(args[0])
			if err != nil {
				return err
			}
			prober := netprobe.New(netprobe.Options{Timeout: timeout, Logger: pslog.Ctx(cmd.Context())})
			result, err := prober.Probe(cmd.Context(), host, port)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !result.Reachable {
				_, _ = fmt.Fprintf(out, "%s:%d unreachable: %s\n", result.Host, result.Port, result.Error)
				return fmt.Errorf("target %s:%d unreachable", result.Host, result.Port)
			}
			_, _ = fmt.Fprintf(out, "%s:%d reachable in %s\n", result.Host, result.Port, result.Latency)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", netprobe.DefaultTimeout, "dial timeout")
	return cmd
}

// parseProbeTarget splits host[:port]; port defaults to 22.
func parseProbeTarget(target string) (string, int, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, fmt.Errorf("target is required")
	}
	host := target
	port := 22
	if h, p, err := net.SplitHostPort(target); err == nil {
		parsed, convErr := strconv.Atoi(p)
		if convErr != nil || parsed < 1 || parsed > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", p)
		}
		host = h
		port = parsed
	}
	if host == "" {
		return "", 0, fmt.Errorf("target must be host[:port], got %q", target)
	}
	return host, port, nil
}

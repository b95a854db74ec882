// Package sshconsole exposes the workspace as a text console over SSH.
// Shell tabs can be attached to directly; display tabs render in the
// web workspace only.
package sshconsole

import "net"

// Config defines SSH console settings.
type Config struct {
	Addr        string
	HostKeyPath string
	// Listener overrides Addr when set; used by tests.
	Listener net.Listener
}

package sshagent

import (
	"crypto"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh/agent"

	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// KeyProvider supplies decrypted identity keys per user, keyed by
// identity name.
type KeyProvider interface {
	LoadPrivateKeys(userID schema.UserID) (map[string]crypto.PrivateKey, error)
}

// Manager hosts per-user SSH agents backed by stored identities. Each
// agent listens on a private unix socket and holds every identity the
// user has.
type Manager struct {
	provider KeyProvider
	dir      string
	mu       sync.Mutex
	agents   map[schema.UserID]*agentHandle
	log      pslog.Logger
}

type agentHandle struct {
	socket   string
	listener net.Listener
	keyring  agent.Agent
}

const sessionBindExtension = "session-bind@openssh.com"

type sessionBindAgent struct {
	agent.ExtendedAgent
}

func (a sessionBindAgent) Extension(extensionType string, contents []byte) ([]byte, error) {
	if extensionType == sessionBindExtension {
		return nil, nil
	}
	return a.ExtendedAgent.Extension(extensionType, contents)
}

// NewManager constructs a Manager rooted at the agent directory.
func NewManager(provider KeyProvider, dir string) (*Manager, error) {
	return NewManagerWithLogger(provider, dir, nil)
}

// NewManagerWithLogger constructs a Manager rooted at the agent directory with logging.
func NewManagerWithLogger(provider KeyProvider, dir string, logger pslog.Logger) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("agent key provider is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("agent directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("agent_dir", dir)
	}
	return &Manager{
		provider: provider,
		dir:      dir,
		agents:   make(map[schema.UserID]*agentHandle),
		log:      logger,
	}, nil
}

// EnsureAgent returns a socket path for the user's agent, starting it
// if needed. The keyring is reloaded from the provider on every call so
// rotated identities take effect on the next open.
func (m *Manager) EnsureAgent(userID schema.UserID) (string, error) {
	if err := schema.ValidateUserID(userID); err != nil {
		return "", err
	}
	if m.log != nil {
		m.log.Debug("agent ensure start", "user", userID)
	}
	m.mu.Lock()
	if handle, ok := m.agents[userID]; ok {
		if probeSocket(handle.socket) {
			if err := refreshKeyring(handle.keyring, m.provider, userID); err != nil && m.log != nil {
				m.log.Warn("agent refresh failed", "user", userID, "err", err)
			}
			m.mu.Unlock()
			if m.log != nil {
				m.log.Debug("agent ensure ok", "user", userID, "socket", handle.socket)
			}
			return handle.socket, nil
		}
		_ = handle.listener.Close()
		delete(m.agents, userID)
	}
	m.mu.Unlock()

	keys, err := m.provider.LoadPrivateKeys(userID)
	if err != nil {
		if m.log != nil {
			m.log.Warn("agent ensure failed", "user", userID, "err", err)
		}
		return "", err
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("no stored identities for %s", userID)
	}

	dir := filepath.Join(m.dir, string(userID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	socket := filepath.Join(dir, "agent.sock")
	_ = os.Remove(socket)

	listener, err := net.Listen("unix", socket)
	if err != nil {
		if m.log != nil {
			m.log.Warn("agent ensure failed", "user", userID, "err", err)
		}
		return "", err
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		_ = listener.Close()
		if m.log != nil {
			m.log.Warn("agent ensure failed", "user", userID, "err", err)
		}
		return "", err
	}

	keyring := agent.NewKeyring()
	extended, ok := keyring.(agent.ExtendedAgent)
	if !ok {
		_ = listener.Close()
		return "", errors.New("agent keyring does not support extensions")
	}
	wrapped := sessionBindAgent{ExtendedAgent: extended}
	if err := addKeys(wrapped, keys); err != nil {
		_ = listener.Close()
		if m.log != nil {
			m.log.Warn("agent ensure failed", "user", userID, "err", err)
		}
		return "", err
	}

	handle := &agentHandle{socket: socket, listener: listener, keyring: wrapped}
	m.mu.Lock()
	m.agents[userID] = handle
	m.mu.Unlock()

	go serve(handle)
	if m.log != nil {
		m.log.Info("agent ensure ok", "user", userID, "socket", socket, "identities", len(keys))
	}
	return socket, nil
}

// Close stops all agent listeners.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastErr error
	count := len(m.agents)
	for user, handle := range m.agents {
		if err := handle.listener.Close(); err != nil && lastErr == nil {
			lastErr = err
		}
		_ = os.Remove(handle.socket)
		delete(m.agents, user)
	}
	if m.log != nil {
		m.log.Info("agents closed", "count", count)
	}
	return lastErr
}

// Dial connects to the agent at socket path. The caller must keep the
// closer open while signatures from the agent are in use.
func Dial(path string) (agent.ExtendedAgent, io.Closer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("agent socket path is required")
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, nil, fmt.Errorf("dial agent %s: %w", path, err)
	}
	return agent.NewClient(conn), conn, nil
}

func serve(handle *agentHandle) {
	for {
		conn, err := handle.listener.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			_ = agent.ServeAgent(handle.keyring, c)
			_ = c.Close()
		}(conn)
	}
}

func probeSocket(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func addKeys(keyring agent.Agent, keys map[string]crypto.PrivateKey) error {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := keyring.Add(agent.AddedKey{PrivateKey: keys[name], Comment: name}); err != nil {
			return fmt.Errorf("add key %s: %w", name, err)
		}
	}
	return nil
}

func refreshKeyring(keyring agent.Agent, provider KeyProvider, userID schema.UserID) error {
	keys, err := provider.LoadPrivateKeys(userID)
	if err != nil {
		return err
	}
	if err := keyring.RemoveAll(); err != nil {
		return fmt.Errorf("remove all keys: %w", err)
	}
	return addKeys(keyring, keys)
}

package sshengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"pkt.systems/gantry/core"
	"pkt.systems/gantry/internal/sshagent"
	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// DefaultDialTimeout bounds TCP connect plus SSH handshake.
const DefaultDialTimeout = 10 * time.Second

// SignerSource loads stored identity signers by name.
type SignerSource interface {
	LoadSigner(userID schema.UserID, name string) (ssh.Signer, error)
}

// AgentSource provides managed per-user agent sockets over stored
// identities.
type AgentSource interface {
	EnsureAgent(userID schema.UserID) (string, error)
}

// HostKeyVerifier checks presented host keys against per-user pins. A
// mismatch surfaces as *schema.HostKeyMismatchError.
type HostKeyVerifier interface {
	Verify(userID schema.UserID, host string, port int, key ssh.PublicKey) error
}

// Options configure the engine. Collaborators are optional; connections
// that need a missing one fail with an auth error.
type Options struct {
	Keys        SignerSource
	Agents      AgentSource
	HostKeys    HostKeyVerifier
	DialTimeout time.Duration
	Logger      pslog.Logger
}

// Engine opens interactive shell sessions over SSH. It implements
// core.ShellEngine.
type Engine struct {
	keys        SignerSource
	agents      AgentSource
	hostKeys    HostKeyVerifier
	dialTimeout time.Duration
	log         pslog.Logger
}

// New constructs the engine.
func New(opts Options) *Engine {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Engine{
		keys:        opts.Keys,
		agents:      opts.Agents,
		hostKeys:    opts.HostKeys,
		dialTimeout: timeout,
		log:         opts.Logger,
	}
}

// Open dials the host, authenticates, requests a PTY, and starts a
// shell. Output and the exit notification flow into the sink from the
// moment this call succeeds.
func (e *Engine) Open(ctx context.Context, spec core.OpenShellSpec, sink core.ShellSink) (core.ShellConn, error) {
	conn := spec.Connection
	log := e.logger(ctx).With("user", spec.UserID, "session", spec.SessionID, "host", conn.Host, "port", conn.Port)
	username := strings.TrimSpace(conn.Username)
	if username == "" {
		return nil, &core.EngineError{Kind: core.EngineKindAuth, Op: "ssh open", Message: "username is required"}
	}

	methods, closers, err := e.authMethods(spec.UserID, conn, log)
	if err != nil {
		log.Warn("ssh open failed", "err", err)
		return nil, err
	}
	// Agent sockets are only consulted during the handshake.
	defer closeAll(closers)

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	var mismatch *schema.HostKeyMismatchError
	if conn.StrictHostKey && e.hostKeys != nil {
		hostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := e.hostKeys.Verify(spec.UserID, conn.Host, conn.Port, key)
			if err != nil {
				var m *schema.HostKeyMismatchError
				if errors.As(err, &m) {
					mismatch = m
				}
			}
			return err
		}
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.dialTimeout,
	}

	addr := net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
	log.Info("ssh open start")
	dialer := net.Dialer{Timeout: e.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Warn("ssh open failed", "err", err)
		return nil, &core.EngineError{Kind: core.EngineKindConnect, Op: "ssh open", Err: err}
	}
	deadline := time.Now().Add(e.dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = raw.SetDeadline(deadline)
	clientConn, chans, reqs, err := ssh.NewClientConn(raw, addr, config)
	if err != nil {
		_ = raw.Close()
		if mismatch != nil {
			log.Warn("ssh open host key mismatch", "endpoint", addr)
			return nil, mismatch
		}
		log.Warn("ssh open failed", "err", err)
		return nil, classifyHandshake(err)
	}
	_ = raw.SetDeadline(time.Time{})
	client := ssh.NewClient(clientConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		log.Warn("ssh open failed", "err", err)
		return nil, &core.EngineError{Kind: core.EngineKindProtocol, Op: "ssh open", Err: err}
	}

	geometry := spec.Geometry
	if geometry.Cols <= 0 {
		geometry.Cols = schema.DefaultCols
	}
	if geometry.Rows <= 0 {
		geometry.Rows = schema.DefaultRows
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", geometry.Rows, geometry.Cols, modes); err != nil {
		_ = session.Close()
		_ = client.Close()
		log.Warn("ssh open failed", "err", err)
		return nil, &core.EngineError{Kind: core.EngineKindProtocol, Op: "ssh open", Message: "pty request rejected", Err: err}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &core.EngineError{Kind: core.EngineKindProtocol, Op: "ssh open", Err: err}
	}
	output := &sinkWriter{sink: sink}
	session.Stdout = output
	session.Stderr = output
	if err := session.Shell(); err != nil {
		_ = session.Close()
		_ = client.Close()
		log.Warn("ssh open failed", "err", err)
		return nil, &core.EngineError{Kind: core.EngineKindProtocol, Op: "ssh open", Message: "shell request rejected", Err: err}
	}

	sc := &shellConn{client: client, session: session, stdin: stdin, log: log}
	go sc.watch(sink)
	log.Info("ssh open ok", "addr", addr)
	return sc, nil
}

func (e *Engine) authMethods(userID schema.UserID, conn schema.Connection, log pslog.Logger) ([]ssh.AuthMethod, []io.Closer, error) {
	var methods []ssh.AuthMethod
	var closers []io.Closer
	if conn.Password != "" {
		password := conn.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}))
	}
	if conn.IdentityRef != "" {
		if e.keys == nil {
			closeAll(closers)
			return nil, nil, &core.EngineError{Kind: core.EngineKindAuth, Op: "ssh open", Message: "identity auth is not configured"}
		}
		signer, err := e.keys.LoadSigner(userID, conn.IdentityRef)
		if err != nil {
			closeAll(closers)
			return nil, nil, &core.EngineError{Kind: core.EngineKindAuth, Op: "ssh open", Message: fmt.Sprintf("load identity %q", conn.IdentityRef), Err: err}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if conn.AgentSocket != "" {
		ag, closer, err := sshagent.Dial(conn.AgentSocket)
		if err != nil {
			closeAll(closers)
			return nil, nil, &core.EngineError{Kind: core.EngineKindAuth, Op: "ssh open", Err: err}
		}
		closers = append(closers, closer)
		methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
	}
	if len(methods) == 0 && e.agents != nil {
		socket, err := e.agents.EnsureAgent(userID)
		if err != nil {
			log.Debug("ssh managed agent unavailable", "err", err)
		} else if ag, closer, err := sshagent.Dial(socket); err == nil {
			closers = append(closers, closer)
			methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
		}
	}
	if len(methods) == 0 {
		closeAll(closers)
		return nil, nil, &core.EngineError{Kind: core.EngineKindAuth, Op: "ssh open", Message: "no authentication method available"}
	}
	return methods, closers, nil
}

func (e *Engine) logger(ctx context.Context) pslog.Logger {
	if e.log != nil {
		return e.log
	}
	return pslog.Ctx(ctx)
}

func classifyHandshake(err error) error {
	kind := core.EngineKindConnect
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		kind = core.EngineKindAuth
	}
	return &core.EngineError{Kind: kind, Op: "ssh open", Err: err}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

// sinkWriter forwards session output to the sink. Stdout and stderr
// share one writer, so writes are serialized here.
type sinkWriter struct {
	mu   sync.Mutex
	sink core.ShellSink
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	w.sink.Output(buf)
	return len(p), nil
}

type shellConn struct {
	client    *ssh.Client
	session   *ssh.Session
	stdin     io.WriteCloser
	log       pslog.Logger
	closeOnce sync.Once
	closeErr  error
}

func (c *shellConn) Write(data []byte) error {
	_, err := c.stdin.Write(data)
	return err
}

func (c *shellConn) Resize(geometry schema.Geometry) error {
	return c.session.WindowChange(geometry.Rows, geometry.Cols)
}

func (c *shellConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.session.Close()
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// watch reports the session exit exactly once. It runs for the lifetime
// of the session.
func (c *shellConn) watch(sink core.ShellSink) {
	err := c.session.Wait()
	code := 0
	if err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			code = exitErr.ExitStatus()
		case errors.As(err, &missing):
			code = -1
		default:
			code = -1
		}
	}
	_ = c.Close()
	c.log.Info("ssh session exited", "code", code)
	sink.Exit(code)
}

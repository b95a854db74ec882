// Package displayengine implements the surface-session engine over a
// websocket display gateway. The gateway terminates the remote-desktop
// protocol; this side speaks a small JSON control channel and receives
// encoded frames as binary messages.
package displayengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/gantry/core"
	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultHandshakeTimeout bounds the gateway dial plus session
	// assignment.
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
)

// Options configure the display engine.
type Options struct {
	// GatewayURL is the websocket endpoint of the display gateway,
	// e.g. ws://127.0.0.1:8473/connect.
	GatewayURL string
	// HandshakeTimeout bounds dial and session assignment. Zero means
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// Logger overrides the context logger when set.
	Logger pslog.Logger
}

// Engine opens display sessions through a websocket gateway. It
// implements core.DisplayEngine.
type Engine struct {
	gatewayURL string
	handshake  time.Duration
	log        pslog.Logger
}

// New returns an engine for the given gateway.
func New(opts Options) *Engine {
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	return &Engine{
		gatewayURL: opts.GatewayURL,
		handshake:  handshake,
		log:        opts.Logger,
	}
}

// gatewayCommand is a control message sent to the gateway. Type selects
// the command; the remaining fields are populated per type.
type gatewayCommand struct {
	Type     string `json:"type"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Scancode int    `json:"scancode,omitempty"`
	Extended bool   `json:"extended,omitempty"`
	Release  bool   `json:"release,omitempty"`
	X        int    `json:"x,omitempty"`
	Y        int    `json:"y,omitempty"`
	Buttons  int    `json:"buttons,omitempty"`
	Wheel    int    `json:"wheel,omitempty"`
}

// gatewayEvent is a control message received from the gateway. Frames
// arrive as binary messages, not as events.
type gatewayEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Open dials the gateway, requests a session, and waits for the session
// assignment. Lifecycle events the gateway emits before Start are
// buffered on the conn.
func (e *Engine) Open(ctx context.Context, spec core.OpenDisplaySpec, sink core.DisplaySink) (core.DisplayConn, error) {
	conn := spec.Connection
	log := e.logger(ctx).With("user", spec.UserID, "host", conn.Host, "port", conn.Port)

	if e.gatewayURL == "" {
		err := &core.EngineError{Kind: core.EngineKindUnavailable, Op: "display open", Message: "no display gateway configured"}
		log.Warn("display open failed", "err", err)
		return nil, err
	}

	log.Info("display open start", "gateway", e.gatewayURL)
	dialer := websocket.Dialer{HandshakeTimeout: e.handshake}
	ws, resp, err := dialer.DialContext(ctx, e.gatewayURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		log.Warn("display open failed", "err", err)
		return nil, &core.EngineError{Kind: core.EngineKindConnect, Op: "display open", Message: "dial display gateway", Err: err}
	}

	open := gatewayCommand{
		Type:     "open",
		Host:     conn.Host,
		Port:     conn.Port,
		Username: conn.Username,
		Password: conn.Password,
		Domain:   conn.Domain,
		Width:    spec.Viewport.Width,
		Height:   spec.Viewport.Height,
	}
	_ = ws.SetWriteDeadline(time.Now().Add(e.handshake))
	if err := ws.WriteJSON(open); err != nil {
		_ = ws.Close()
		log.Warn("display open failed", "err", err)
		return nil, &core.EngineError{Kind: core.EngineKindConnect, Op: "display open", Message: "send open request", Err: err}
	}

	sessionID, buffered, err := awaitSession(ctx, ws, e.handshake)
	if err != nil {
		_ = ws.Close()
		log.Warn("display open failed", "err", err)
		return nil, err
	}

	dc := &displayConn{
		ws:        ws,
		sessionID: schema.SessionID(sessionID),
		sink:      sink,
		pending:   buffered,
		log:       log.With("session", sessionID),
	}
	go dc.readPump()
	log.Info("display open ok", "session", sessionID)
	return dc, nil
}

// awaitSession reads gateway events until the session assignment
// arrives. State events seen before the assignment are returned for the
// conn's pre-Start buffer.
func awaitSession(ctx context.Context, ws *websocket.Conn, handshake time.Duration) (string, []func(core.DisplaySink), error) {
	deadline := time.Now().Add(handshake)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	var buffered []func(core.DisplaySink)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return "", nil, &core.EngineError{Kind: core.EngineKindConnect, Op: "display open", Message: "await session assignment", Err: err}
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var event gatewayEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return "", nil, &core.EngineError{Kind: core.EngineKindProtocol, Op: "display open", Message: "decode gateway event", Err: err}
		}
		switch event.Type {
		case "session":
			if event.SessionID == "" {
				return "", nil, &core.EngineError{Kind: core.EngineKindProtocol, Op: "display open", Message: "gateway assigned empty session id"}
			}
			return event.SessionID, buffered, nil
		case "state":
			state := core.DisplayStateEvent{Kind: core.DisplayStateKind(event.State), Code: event.Code, Reason: event.Reason}
			buffered = append(buffered, func(sink core.DisplaySink) { sink.State(state) })
		case "error":
			return "", nil, &core.EngineError{Kind: errorKind(event.Kind), Op: "display open", Message: event.Reason}
		}
	}
}

func errorKind(kind string) core.EngineErrorKind {
	switch kind {
	case "auth":
		return core.EngineKindAuth
	case "connect":
		return core.EngineKindConnect
	case "unavailable":
		return core.EngineKindUnavailable
	default:
		return core.EngineKindProtocol
	}
}

func (e *Engine) logger(ctx context.Context) pslog.Logger {
	if e.log != nil {
		return e.log
	}
	return pslog.Ctx(ctx)
}

// displayConn is one gateway session. A single read pump dispatches
// sink callbacks; dispatchMu keeps the pre-Start drain and live
// delivery from interleaving.
type displayConn struct {
	ws        *websocket.Conn
	sessionID schema.SessionID
	sink      core.DisplaySink
	log       pslog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	started bool
	pending []func(core.DisplaySink)

	dispatchMu sync.Mutex
	exitOnce   sync.Once
	closeOnce  sync.Once
	closeErr   error
}

func (c *displayConn) SessionID() schema.SessionID {
	return c.sessionID
}

// Start drains events buffered since Open and switches the conn to
// direct dispatch.
func (c *displayConn) Start() {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.mu.Lock()
	queue := c.pending
	c.pending = nil
	c.started = true
	c.mu.Unlock()
	for _, fn := range queue {
		fn(c.sink)
	}
}

func (c *displayConn) emit(fn func(core.DisplaySink)) {
	c.mu.Lock()
	if !c.started {
		c.pending = append(c.pending, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.dispatchMu.Lock()
	fn(c.sink)
	c.dispatchMu.Unlock()
}

func (c *displayConn) SetViewport(ctx context.Context, viewport schema.Viewport) error {
	return c.send(ctx, gatewayCommand{Type: "viewport", Width: viewport.Width, Height: viewport.Height})
}

func (c *displayConn) Show(ctx context.Context) error {
	return c.send(ctx, gatewayCommand{Type: "show"})
}

func (c *displayConn) Hide(ctx context.Context) error {
	return c.send(ctx, gatewayCommand{Type: "hide"})
}

func (c *displayConn) SendKey(ctx context.Context, key core.DisplayKey) error {
	return c.send(ctx, gatewayCommand{Type: "key", Scancode: key.Scancode, Extended: key.Extended, Release: key.Release})
}

func (c *displayConn) SendPointer(ctx context.Context, pointer core.DisplayPointer) error {
	return c.send(ctx, gatewayCommand{Type: "pointer", X: pointer.X, Y: pointer.Y, Buttons: pointer.Buttons, Wheel: pointer.Wheel})
}

func (c *displayConn) send(ctx context.Context, cmd gatewayCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return nil
}

// Close tells the gateway to tear the session down and closes the
// socket. Safe to call more than once and after the session ended.
func (c *displayConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.ws.WriteJSON(gatewayCommand{Type: "close"})
		c.writeMu.Unlock()
		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// readPump delivers gateway traffic to the sink until the socket ends.
// Frames are binary messages; everything else is a JSON event.
func (c *displayConn) readPump() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.exit(exitReason(err))
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			frame := data
			c.emit(func(sink core.DisplaySink) { sink.Frame(frame) })
		case websocket.TextMessage:
			var event gatewayEvent
			if err := json.Unmarshal(data, &event); err != nil {
				c.log.Warn("display event decode failed", "err", err)
				continue
			}
			switch event.Type {
			case "state":
				state := core.DisplayStateEvent{Kind: core.DisplayStateKind(event.State), Code: event.Code, Reason: event.Reason}
				c.emit(func(sink core.DisplaySink) { sink.State(state) })
			case "exit":
				c.exit(event.Reason)
				return
			}
		}
	}
}

// exitReason extracts the close frame text when the gateway closed the
// socket deliberately.
func exitReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Text != "" {
		return closeErr.Text
	}
	return "connection closed"
}

func (c *displayConn) exit(reason string) {
	c.exitOnce.Do(func() {
		c.log.Info("display session exited", "reason", reason)
		c.emit(func(sink core.DisplaySink) { sink.Exit(reason) })
	})
}

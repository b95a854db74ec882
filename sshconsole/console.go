package sshconsole

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/term"

	"pkt.systems/gantry/core"
	"pkt.systems/gantry/internal/eventbus"
	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
)

const consolePrompt = "gantry> "

// consoleIO funnels all reads through one bufio.Reader so the line
// editor and the raw attach loop never compete for bytes. Reads hand
// out a single byte at a time: the line editor would otherwise slurp
// type-ahead into its own buffer where the attach loop cannot see it.
type consoleIO struct {
	r *bufio.Reader
	w io.Writer
}

func (c *consoleIO) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	p[0] = b
	return 1, nil
}

func (c *consoleIO) Write(p []byte) (int, error) { return c.w.Write(p) }

// console is one interactive SSH session over the workspace.
type console struct {
	rw      *consoleIO
	term    *term.Terminal
	service core.Service
	auth    LoginAuthStore
	bus     *eventbus.Bus
	userID  schema.UserID

	mu       sync.Mutex
	geometry schema.Geometry
	attached schema.TabKey
}

func newConsole(rw io.ReadWriter, service core.Service, auth LoginAuthStore, bus *eventbus.Bus, userID schema.UserID) *console {
	cio := &consoleIO{r: bufio.NewReader(rw), w: rw}
	return &console{
		rw:      cio,
		term:    term.NewTerminal(cio, consolePrompt),
		service: service,
		auth:    auth,
		bus:     bus,
		userID:  userID,
	}
}

// setSize records the window geometry and, when a tab is attached,
// forwards it to the coordinator.
func (c *console) setSize(ctx context.Context, width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	_ = c.term.SetSize(width, height)
	c.mu.Lock()
	c.geometry = schema.Geometry{Cols: width, Rows: height}
	key := c.attached
	c.mu.Unlock()
	if key == "" {
		return
	}
	_, err := c.service.ResizeTab(ctx, schema.ResizeTabRequest{
		UserID:   c.userID,
		Key:      key,
		Geometry: schema.Geometry{Cols: width, Rows: height},
	})
	if err != nil {
		logx.WithUserTab(ctx, c.userID, key).Debug("console resize failed", "err", err)
	}
}

func (c *console) currentGeometry() schema.Geometry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.geometry
}

// Run drives the command loop until the session ends.
func (c *console) Run(ctx context.Context) error {
	c.printf("gantry console. Type help for commands.\r\n")
	for {
		line, err := c.term.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help", "?":
			c.printHelp()
		case "tabs", "ls":
			c.cmdTabs(ctx)
		case "open":
			c.cmdOpen(ctx, fields[1:])
		case "attach", "a":
			c.cmdAttach(ctx, fields[1:])
		case "close":
			c.cmdClose(ctx, fields[1:])
		case "closeall":
			c.cmdCloseAll(ctx)
		case "passwd":
			c.cmdPasswd(ctx)
		case "quit", "exit":
			return nil
		default:
			c.printf("unknown command %q; try help\r\n", fields[0])
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *console) printHelp() {
	c.printf("commands:\r\n")
	c.printf("  tabs                     list session tabs\r\n")
	c.printf("  open <user@host[:port]> [name]   open a shell tab\r\n")
	c.printf("  attach [key]             attach to a shell tab (Ctrl-] detaches)\r\n")
	c.printf("  close [key]              close a tab\r\n")
	c.printf("  closeall                 close every tab\r\n")
	c.printf("  passwd                   change your password\r\n")
	c.printf("  quit                     end the console session\r\n")
	c.printf("display tabs render in the web workspace only.\r\n")
}

func (c *console) cmdTabs(ctx context.Context) {
	resp, err := c.service.ListTabs(ctx, schema.ListTabsRequest{UserID: c.userID})
	if err != nil {
		c.printf("tabs: %v\r\n", err)
		return
	}
	if len(resp.Tabs) == 0 {
		c.printf("no open tabs\r\n")
		return
	}
	for _, tab := range resp.Tabs {
		marker := " "
		if tab.Key == resp.ActiveKey {
			marker = "*"
		}
		detail := ""
		if tab.Detail != "" {
			detail = "  " + tab.Detail
		}
		c.printf("%s %-24s %-16s %-8s %s%s\r\n", marker, tab.Key, tab.Name, tab.Protocol, tab.Phase, detail)
	}
}

func (c *console) cmdOpen(ctx context.Context, args []string) {
	if len(args) < 1 {
		c.printf("usage: open <user@host[:port]> [name]\r\n")
		return
	}
	username, host, port, err := parseTarget(args[0])
	if err != nil {
		c.printf("open: %v\r\n", err)
		return
	}
	name := host
	if len(args) > 1 {
		name = args[1]
	}
	password, err := c.term.ReadPassword("password (empty to use stored identity): ")
	if err != nil {
		return
	}
	conn := schema.Connection{
		ID:            schema.ConnectionID(uuid.NewString()),
		Name:          name,
		Protocol:      schema.ProtocolShell,
		Host:          host,
		Port:          port,
		Username:      username,
		Password:      password,
		StrictHostKey: true,
	}
	if password == "" {
		conn.IdentityRef = "default"
	}
	resp, err := c.service.OpenTab(ctx, schema.OpenTabRequest{
		UserID:     c.userID,
		Connection: conn,
		TabName:    schema.TabName(name),
		Geometry:   c.currentGeometry(),
	})
	if err != nil {
		c.printf("open: %v\r\n", err)
		return
	}
	if resp.HostKey != nil {
		c.resolveHostKey(ctx, *resp.HostKey, schema.TabName(name))
		return
	}
	c.printf("opened %s (%s)\r\n", resp.Tab.Key, resp.Tab.Phase)
}

func (c *console) resolveHostKey(ctx context.Context, prompt schema.HostKeyPrompt, name schema.TabName) {
	c.printf("%s\r\n", prompt.Warning)
	c.printf("  pinned:    %s %s\r\n", prompt.StoredKeyType, prompt.StoredFingerprint)
	c.printf("  presented: %s %s\r\n", prompt.PresentedKeyType, prompt.PresentedFingerprint)
	answer, err := c.readLineWithPrompt("trust the presented key and reconnect? [y/N]: ")
	if err != nil {
		return
	}
	trust := strings.EqualFold(strings.TrimSpace(answer), "y")
	resp, err := c.service.HostKeyDecision(ctx, schema.HostKeyDecisionRequest{
		UserID:  c.userID,
		Token:   prompt.Token,
		Trust:   trust,
		TabName: name,
	})
	if err != nil {
		c.printf("hostkey: %v\r\n", err)
		return
	}
	switch {
	case resp.HostKey != nil:
		// The host changed keys again between the prompt and the retry.
		c.resolveHostKey(ctx, *resp.HostKey, name)
	case resp.Reopened:
		c.printf("opened %s (%s)\r\n", resp.Tab.Key, resp.Tab.Phase)
	default:
		c.printf("open aborted\r\n")
	}
}

func (c *console) cmdClose(ctx context.Context, args []string) {
	key, err := c.resolveKey(ctx, args)
	if err != nil {
		c.printf("close: %v\r\n", err)
		return
	}
	resp, err := c.service.CloseTab(ctx, schema.CloseTabRequest{UserID: c.userID, Key: key})
	if err != nil {
		c.printf("close: %v\r\n", err)
		return
	}
	c.printf("closed %s\r\n", resp.Tab.Key)
}

func (c *console) cmdCloseAll(ctx context.Context) {
	resp, err := c.service.CloseAll(ctx, schema.CloseAllRequest{UserID: c.userID})
	if err != nil {
		c.printf("closeall: %v\r\n", err)
		return
	}
	c.printf("closed %d tabs\r\n", resp.Closed)
}

func (c *console) cmdPasswd(ctx context.Context) {
	current, err := c.term.ReadPassword("current password: ")
	if err != nil {
		return
	}
	code, err := c.term.ReadPassword("verification code: ")
	if err != nil {
		return
	}
	next, err := c.term.ReadPassword("new password: ")
	if err != nil {
		return
	}
	confirm, err := c.term.ReadPassword("new password (again): ")
	if err != nil {
		return
	}
	if next != confirm {
		c.printf("passwords do not match\r\n")
		return
	}
	if err := c.auth.ChangePassword(string(c.userID), current, code, next); err != nil {
		c.printf("passwd: %v\r\n", err)
		return
	}
	c.printf("password changed\r\n")
	logx.WithUser(ctx, c.userID).Info("console password changed")
}

func (c *console) cmdAttach(ctx context.Context, args []string) {
	key, err := c.resolveKey(ctx, args)
	if err != nil {
		c.printf("attach: %v\r\n", err)
		return
	}
	resp, err := c.service.ActivateTab(ctx, schema.ActivateTabRequest{UserID: c.userID, Key: key})
	if err != nil {
		c.printf("attach: %v\r\n", err)
		return
	}
	if resp.Tab.Protocol != schema.ProtocolShell {
		c.printf("attach: display tabs render in the web workspace\r\n")
		return
	}
	if err := c.attach(ctx, resp.Tab.Key); err != nil {
		c.printf("attach: %v\r\n", err)
	}
}

// resolveKey picks the explicit key argument or falls back to the
// active tab.
func (c *console) resolveKey(ctx context.Context, args []string) (schema.TabKey, error) {
	if len(args) > 0 {
		return schema.TabKey(args[0]), nil
	}
	resp, err := c.service.ListTabs(ctx, schema.ListTabsRequest{UserID: c.userID})
	if err != nil {
		return "", err
	}
	if resp.ActiveKey == "" {
		return "", schema.ErrNoTabs
	}
	return resp.ActiveKey, nil
}

func (c *console) readLineWithPrompt(prompt string) (string, error) {
	c.term.SetPrompt(prompt)
	defer c.term.SetPrompt(consolePrompt)
	return c.term.ReadLine()
}

func (c *console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.term, format, args...)
}

// writeRaw bypasses the line editor; used while attached.
func (c *console) writeRaw(data []byte) {
	_, _ = c.rw.w.Write(data)
}

// parseTarget splits user@host[:port]; port defaults to 22.
func parseTarget(target string) (username, host string, port int, err error) {
	username, rest, ok := strings.Cut(target, "@")
	if !ok || username == "" || rest == "" {
		return "", "", 0, fmt.Errorf("target must be user@host[:port], got %q", target)
	}
	host = rest
	port = 22
	if h, p, splitErr := net.SplitHostPort(rest); splitErr == nil {
		parsed, convErr := strconv.Atoi(p)
		if convErr != nil || parsed < 1 || parsed > 65535 {
			return "", "", 0, fmt.Errorf("invalid port %q", p)
		}
		host = h
		port = parsed
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("target must be user@host[:port], got %q", target)
	}
	return username, host, port, nil
}

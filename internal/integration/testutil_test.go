package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"pkt.systems/gantry/core"
	"pkt.systems/gantry/httpapi"
	"pkt.systems/gantry/internal/appconfig"
	"pkt.systems/gantry/internal/auth"
	"pkt.systems/gantry/internal/netprobe"
	"pkt.systems/gantry/schema"
)

// echoShellEngine connects instantly and echoes writes back as output.
type echoShellEngine struct{}

func (echoShellEngine) Open(ctx context.Context, spec core.OpenShellSpec, sink core.ShellSink) (core.ShellConn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	conn := &echoShellConn{
		sink: sink,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go conn.pump()
	conn.out <- []byte(fmt.Sprintf("connected to %s\r\n", spec.Connection.Host))
	return conn, nil
}

type echoShellConn struct {
	sink core.ShellSink
	out  chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *echoShellConn) pump() {
	for {
		select {
		case data := <-c.out:
			c.sink.Output(data)
		case <-c.done:
			for {
				select {
				case data := <-c.out:
					c.sink.Output(data)
				default:
					c.sink.Exit(0)
					return
				}
			}
		}
	}
}

func (c *echoShellConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("session closed")
	}
	c.out <- append([]byte(nil), data...)
	return nil
}

func (c *echoShellConn) Resize(geometry schema.Geometry) error {
	_ = geometry
	return nil
}

func (c *echoShellConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

type testStack struct {
	service   core.Service
	httpSrv   *httpapi.Server
	authStore *auth.Store
	hub       *httpapi.Hub
	user      string
	password  string
	totp      string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	userFile := filepath.Join(t.TempDir(), "users.json")

	password := "test-password"
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatal(err)
	}
	secret, err := totp.Generate(totp.GenerateOpts{Issuer: "gantry", AccountName: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	seed := appconfig.SeedUser{
		Username:     "tester",
		PasswordHash: string(hash),
		TOTPSecret:   secret.Secret(),
	}

	authStore, err := auth.NewStoreWithLogger(userFile, []appconfig.SeedUser{seed}, nil)
	if err != nil {
		t.Fatal(err)
	}

	hub := httpapi.NewHub(1000)
	service, err := core.NewService(schema.ServiceConfig{
		BufferMaxLines: 2000,
	}, core.ServiceDeps{
		ShellEngine: echoShellEngine{},
		EventSink:   hub,
	})
	if err != nil {
		t.Fatal(err)
	}

	prober := netprobe.New(netprobe.Options{Timeout: 500 * time.Millisecond})
	httpSrv := httpapi.NewServer(httpapi.Config{
		Addr:               "127.0.0.1:0",
		SessionCookie:      "gantry_session",
		SessionTTLHours:    1,
		InitialBufferLines: 200,
		UIMaxBufferLines:   2000,
		DisableRequestLogs: true,
	}, service, authStore, prober, hub)

	return &testStack{
		service:   service,
		httpSrv:   httpSrv,
		authStore: authStore,
		hub:       hub,
		user:      seed.Username,
		password:  password,
		totp:      seed.TOTPSecret,
	}
}

func (ts *testStack) login(t *testing.T, baseURL string) *http.Client {
	t.Helper()
	client, err := loginWithPassword(t, baseURL, ts.user, ts.password, ts.totp)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return client
}

func loginWithPassword(t *testing.T, baseURL, username, password, totpSecret string) (*http.Client, error) {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Jar: jar}
	payload := map[string]string{
		"username": username,
		"password": password,
		"totp":     currentTOTP(totpSecret),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := client.Post(baseURL+"/api/login", "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("login failed")
	}
	return client, nil
}

func writeJSON(t *testing.T, client *http.Client, url string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode >= 300 {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatal(err)
	}
}

func openShellTab(t *testing.T, client *http.Client, baseURL, host, name string) schema.TabKey {
	t.Helper()
	resp := writeJSON(t, client, baseURL+"/api/tabs", map[string]any{
		"connection": map[string]any{
			"id":       fmt.Sprintf("conn-%s-%d", name, time.Now().UnixNano()),
			"name":     name,
			"protocol": "shell",
			"host":     host,
			"port":     22,
			"username": "tester",
			"password": "secret",
		},
		"tab_name": name,
		"cols":     120,
		"rows":     32,
	})
	var open schema.OpenTabResponse
	readJSON(t, resp, &open)
	if open.HostKey != nil {
		t.Fatalf("unexpected host key prompt for %s", host)
	}
	return open.Tab.Key
}

func waitForPhase(t *testing.T, client *http.Client, baseURL string, key schema.TabKey, phase schema.TabPhase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/api/tabs")
		if err != nil {
			t.Fatal(err)
		}
		var tabs schema.ListTabsResponse
		readJSON(t, resp, &tabs)
		for _, tab := range tabs.Tabs {
			if tab.Key == key && tab.Phase == phase {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for tab %s to reach phase %s", key, phase)
}

func waitForBufferContains(t *testing.T, client *http.Client, baseURL string, key schema.TabKey, needle string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/api/buffer?key=" + string(key) + "&limit=200")
		if err != nil {
			t.Fatal(err)
		}
		var payload schema.GetBufferResponse
		readJSON(t, resp, &payload)
		if strings.Contains(strings.Join(payload.Buffer.Lines, "\n"), needle) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for buffer of %s to contain %q", key, needle)
}

func currentTOTP(secret string) string {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return ""
	}
	return code
}

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

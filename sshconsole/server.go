package sshconsole

import (
	"context"
	"errors"
	"io"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/gantry/core"
	"pkt.systems/gantry/internal/eventbus"
	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
	"pkt.systems/pslog"
)

// LoginAuthStore validates SSH login credentials and supports password changes.
type LoginAuthStore interface {
	HasLoginPubKey(userID schema.UserID, key ssh.PublicKey) (bool, error)
	ValidateTOTP(username string, totpCode string) error
	ChangePassword(username, currentPassword, totpCode, newPassword string) error
}

// Server exposes the workspace console over SSH.
type Server struct {
	Config    Config
	Service   core.Service
	AuthStore LoginAuthStore
	EventBus  *eventbus.Bus
	logger    pslog.Logger
}

type authContextKey string

const loginPubKeyOK authContextKey = "login-pubkey-ok"

// ListenAndServe starts the SSH console and shuts down on context
// cancellation. Login requires a registered public key followed by a
// TOTP code.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}

	signer, err := EnsureHostKey(s.Config.HostKeyPath)
	if err != nil {
		return err
	}

	if s.AuthStore == nil {
		return errors.New("auth store is required for SSH")
	}
	if s.Service == nil {
		return errors.New("service is required for SSH")
	}

	server := &gliderssh.Server{
		Addr:                       s.Config.Addr,
		Handler:                    s.handleSession,
		PublicKeyHandler:           s.handlePublicKey,
		KeyboardInteractiveHandler: s.handleKeyboardInteractive,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Config.Listener != nil {
			errCh <- server.Serve(s.Config.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	fingerprint := ssh.FingerprintSHA256(key)
	remote := remoteAddr(ctx)
	userID := schema.UserID(ctx.User())
	sshSession := ctx.SessionID()
	if userID == "" {
		log.Warn("ssh pubkey rejected", "reason", "missing user", "remote", remote, "ssh_session", sshSession, "fingerprint", fingerprint)
		return false
	}
	log = log.With("user", userID, "remote", remote, "fingerprint", fingerprint)
	if sshSession != "" {
		log = log.With("ssh_session", sshSession)
	}
	ok, err := s.AuthStore.HasLoginPubKey(userID, key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	ctx.SetValue(loginPubKeyOK, true)
	log.Info("ssh pubkey accepted")
	return false
}

func (s *Server) handleKeyboardInteractive(ctx gliderssh.Context, challenger ssh.KeyboardInteractiveChallenge) bool {
	if ctx.Value(loginPubKeyOK) != true {
		return false
	}
	log := s.logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	remote := remoteAddr(ctx)
	userID := schema.UserID(ctx.User())
	sshSession := ctx.SessionID()
	if userID != "" {
		log = log.With("user", userID, "remote", remote)
		if sshSession != "" {
			log = log.With("ssh_session", sshSession)
		}
	}
	answers, err := challenger(ctx.User(), "", []string{"Verification code: "}, []bool{false})
	if err != nil {
		log.Warn("ssh totp rejected", "reason", "challenge failed", "err", err)
		return false
	}
	if len(answers) != 1 {
		log.Warn("ssh totp rejected", "reason", "invalid answer count", "count", len(answers))
		return false
	}
	if err := s.AuthStore.ValidateTOTP(ctx.User(), answers[0]); err != nil {
		log.Warn("ssh totp rejected", "reason", "invalid code", "err", err)
		return false
	}
	log.Info("ssh totp accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	userID := schema.UserID(sess.User())
	if userID == "" {
		log.Info("ssh session rejected", "reason", "missing user", "remote", sess.RemoteAddr().String())
		_, _ = io.WriteString(sess, "missing user\n")
		return
	}
	remote := sess.RemoteAddr().String()
	sshSession := sess.Context().SessionID()
	log = log.With("user", userID, "remote", remote)
	if sshSession != "" {
		log = log.With("ssh_session", sshSession)
	}
	ctx := logx.ContextWithUserLogger(sess.Context(), log, userID)

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		return
	}

	log.Info("ssh session opened", "term", pty.Term)
	con := newConsole(sess, s.Service, s.AuthStore, s.EventBus, userID)
	con.setSize(ctx, pty.Window.Width, pty.Window.Height)
	go func() {
		for win := range winCh {
			con.setSize(ctx, win.Width, win.Height)
		}
	}()
	_ = con.Run(ctx)
	log.Info("ssh session closed", "term", pty.Term)
}

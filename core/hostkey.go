package core

import (
	"context"
	"strings"

	"pkt.systems/gantry/internal/logx"
	"pkt.systems/gantry/schema"
)

// HostKeyDecision settles a pending host key prompt. Trusting pins the
// presented key and re-attempts the open with the parked request on a
// fresh tab; rejecting discards both. Tokens are one-shot.
func (s *service) HostKeyDecision(ctx context.Context, req schema.HostKeyDecisionRequest) (schema.HostKeyDecisionResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.HostKeyDecisionResponse{}, err
	}
	if strings.TrimSpace(req.Token) == "" {
		return schema.HostKeyDecisionResponse{}, schema.ErrInvalidRequest
	}
	log := logx.WithUser(ctx, userID).With("token", req.Token)

	s.mu.Lock()
	saved, ok := s.reopens[req.Token]
	if ok && saved.UserID == userID {
		delete(s.reopens, req.Token)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		log.Warn("service host key decision failed", "err", schema.ErrHostKeyPromptNotFound)
		return schema.HostKeyDecisionResponse{}, schema.ErrHostKeyPromptNotFound
	}

	if !req.Trust {
		if s.keys != nil {
			s.keys.Discard(userID, req.Token)
		}
		log.Info("service host key rejected")
		return schema.HostKeyDecisionResponse{Discarded: true}, nil
	}

	if s.keys != nil {
		if err := s.keys.Trust(userID, req.Token); err != nil {
			log.Warn("service host key trust failed", "err", err)
			return schema.HostKeyDecisionResponse{}, err
		}
	}
	log.Info("service host key trusted", "host", saved.Connection.Host)

	if req.TabName != "" {
		saved.TabName = req.TabName
	}
	resp, err := s.OpenTab(ctx, saved)
	if err != nil {
		return schema.HostKeyDecisionResponse{}, err
	}
	return schema.HostKeyDecisionResponse{
		Tab:      resp.Tab,
		Reopened: resp.HostKey == nil,
		HostKey:  resp.HostKey,
	}, nil
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"worth/internal/auth"
	"worth/internal/models"
	"worth/internal/protocol"
)

// handleLogin authenticates the caller, binds the account to the connection
// and tells every subscriber the account came online.
func (s *Server) handleLogin(_ context.Context, c *call) (protocol.Code, protocol.H, error) {
	name := c.req.Username
	if bound, ok := s.sessions[c.conn]; ok {
		return 0, nil, fmt.Errorf("connection already logged in as %s: %w", bound, models.ErrUnauthenticated)
	}

	account, ok := s.directory.Account(name)
	if !ok || !auth.Verify(c.req.Password, account.PasswordHash, account.Salt) {
		return 0, nil, fmt.Errorf("login %s: %w", name, models.ErrUnauthenticated)
	}

	token, err := s.directory.Login(name)
	if err != nil {
		return 0, nil, err
	}
	s.sessions[c.conn] = name
	s.directory.FanOutPresence(name, true)
	s.logger.Info("user logged in", slog.String("user", name), slog.Uint64("conn", c.conn))

	accounts := s.directory.Accounts()
	users := make([]protocol.UserStatus, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, protocol.UserStatus{Username: a.Username, Online: a.Online})
	}

	return protocol.StatusOK, protocol.H{
		"registered-users": users,
		"projects-list":    projectInfos(s.registry.Projects(name)),
		"session-token":    token,
		"chat-port":        s.opts.ChatPort,
	}, nil
}

// handleLogout ends the session of the account named in the request, or of
// the connection's account when the request names none.
func (s *Server) handleLogout(_ context.Context, c *call) (protocol.Code, protocol.H, error) {
	bound, hasSession := s.sessions[c.conn]
	name := c.req.Username
	if name == "" {
		name = bound
	}

	account, ok := s.directory.Account(name)
	if !ok {
		return 0, nil, fmt.Errorf("logout %s: %w", name, models.ErrNotFound)
	}
	if !account.Online {
		return 0, nil, fmt.Errorf("logout %s: %w", name, models.ErrAlreadyOffline)
	}
	if !hasSession || bound != name {
		return 0, nil, fmt.Errorf("logout %s from another connection: %w", name, models.ErrUnauthenticated)
	}

	if err := s.directory.Logout(name); err != nil {
		return 0, nil, err
	}
	delete(s.sessions, c.conn)
	s.directory.FanOutPresence(name, false)
	s.logger.Info("user logged out", slog.String("user", name))
	return protocol.StatusOK, nil, nil
}

// handleSignup registers a new offline account.
func (s *Server) handleSignup(ctx context.Context, c *call) (protocol.Code, protocol.H, error) {
	name, password := c.req.Username, c.req.Password
	if strings.TrimSpace(name) == "" || password == "" {
		return 0, nil, fmt.Errorf("username and password are required: %w", models.ErrInvalid)
	}
	if _, exists := s.directory.Account(name); exists {
		return 0, nil, fmt.Errorf("user %s: %w", name, models.ErrConflict)
	}

	hash, salt, err := auth.Hash(password)
	if err != nil {
		return 0, nil, fmt.Errorf("hash password: %w", err)
	}
	if err := s.directory.Signup(ctx, name, hash, salt); err != nil {
		return 0, nil, err
	}
	s.directory.FanOutPresence(name, false)
	return protocol.StatusCreated, nil, nil
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"worth/internal/models"
	"worth/internal/protocol"
)

// handlerFunc runs one protocol method. A non-nil error is turned into its
// return code by dispatch; code and payload are used otherwise.
type handlerFunc func(ctx context.Context, c *call) (protocol.Code, protocol.H, error)

type route struct {
	handler handlerFunc
	// session marks methods that need a logged-in caller.
	session bool
}

// call is one request travelling from a connection to the event loop. For a
// hang-up, req is empty and no reply is sent.
type call struct {
	conn   uint64
	req    protocol.Request
	hangup bool
	user   string
	reply  chan reply
}

type reply struct {
	code    protocol.Code
	payload protocol.H
}

func (s *Server) routeTable() map[string]route {
	return map[string]route{
		protocol.MethodLogin:          {handler: s.handleLogin},
		protocol.MethodLogout:         {handler: s.handleLogout},
		protocol.MethodSignup:         {handler: s.handleSignup},
		protocol.MethodCreateProject:  {handler: s.handleCreateProject, session: true},
		protocol.MethodListProjects:   {handler: s.handleListProjects, session: true},
		protocol.MethodAddMember:      {handler: s.handleAddMember, session: true},
		protocol.MethodShowMembers:    {handler: s.handleShowMembers, session: true},
		protocol.MethodAddCard:        {handler: s.handleAddCard, session: true},
		protocol.MethodShowCard:       {handler: s.handleShowCard, session: true},
		protocol.MethodMoveCard:       {handler: s.handleMoveCard, session: true},
		protocol.MethodListCards:      {handler: s.handleListCards, session: true},
		protocol.MethodGetCardHistory: {handler: s.handleGetCardHistory, session: true},
		protocol.MethodDeleteProject:  {handler: s.handleDeleteProject, session: true},
	}
}

// dispatch executes req on behalf of connection conn. It must only be called
// from the event loop. A panicking handler yields a 500.
func (s *Server) dispatch(ctx context.Context, conn uint64, req protocol.Request) (code protocol.Code, payload protocol.H) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				slog.String("method", req.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			code, payload = protocol.StatusInternalFailure, protocol.H{"error": "internal failure"}
		}
	}()

	rt, ok := s.routes[req.Method]
	if !ok {
		return s.failure(req.Method, fmt.Errorf("unknown method %q: %w", req.Method, protocol.ErrMalformed))
	}

	c := &call{conn: conn, req: req}
	if rt.session {
		user, err := s.caller(conn, req.Username)
		if err != nil {
			return s.failure(req.Method, err)
		}
		c.user = user
	}

	code, payload, err := rt.handler(ctx, c)
	if err != nil {
		return s.failure(req.Method, err)
	}
	return code, payload
}

// caller resolves the account bound to conn. A request naming a different
// account is rejected.
func (s *Server) caller(conn uint64, username string) (string, error) {
	user, ok := s.sessions[conn]
	if !ok {
		return "", fmt.Errorf("no session: %w", models.ErrUnauthenticated)
	}
	if username != "" && username != user {
		return "", fmt.Errorf("session belongs to %s, not %s: %w", user, username, models.ErrUnauthenticated)
	}
	return user, nil
}

func (s *Server) failure(method string, err error) (protocol.Code, protocol.H) {
	code := protocol.CodeOf(err)
	if code == protocol.StatusInternalFailure {
		s.logger.Error("request failed", slog.String("method", method), slog.String("error", err.Error()))
		return code, protocol.H{"error": "internal failure"}
	}
	s.logger.Debug("request rejected", slog.String("method", method), slog.Int("code", int(code)), slog.String("error", err.Error()))
	return code, protocol.H{"error": err.Error()}
}

// hangup logs out whoever is bound to conn, exactly like an explicit logout.
// Must only be called from the event loop.
func (s *Server) hangup(conn uint64) {
	user, ok := s.sessions[conn]
	if !ok {
		return
	}
	delete(s.sessions, conn)
	if err := s.directory.Logout(user); err != nil {
		s.logger.Warn("implicit logout failed", slog.String("user", user), slog.String("error", err.Error()))
		return
	}
	s.directory.FanOutPresence(user, false)
	s.logger.Info("user disconnected", slog.String("user", user))
}

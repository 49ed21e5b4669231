package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"worth/internal/models"
	"worth/internal/protocol"
)

func projectInfos(boards []models.Board) []protocol.ProjectInfo {
	out := make([]protocol.ProjectInfo, 0, len(boards))
	for _, b := range boards {
		out = append(out, protocol.ProjectInfo{Name: b.Name, ChatAddr: b.ChatAddr})
	}
	return out
}

// handleCreateProject creates a project owned by the caller and routes the
// caller into its chat group.
func (s *Server) handleCreateProject(ctx context.Context, c *call) (protocol.Code, protocol.H, error) {
	b, err := s.registry.Create(ctx, c.req.ProjectName, c.user)
	if err != nil {
		return 0, nil, err
	}
	s.directory.FanOutChatRoute(c.user, b.Name, b.ChatAddr, true)
	return protocol.StatusCreated, protocol.H{"chat-addr": b.ChatAddr}, nil
}

// handleListProjects returns the projects the caller belongs to.
func (s *Server) handleListProjects(_ context.Context, c *call) (protocol.Code, protocol.H, error) {
	return protocol.StatusOK, protocol.H{"projects": projectInfos(s.registry.Projects(c.user))}, nil
}

// handleAddMember adds a registered account to a project and routes it into
// the project's chat group. The new member's account is checked before the
// caller's membership, so a missing account is a 404 for any caller.
func (s *Server) handleAddMember(ctx context.Context, c *call) (protocol.Code, protocol.H, error) {
	newMember := c.req.NewMember
	if strings.TrimSpace(newMember) == "" {
		return 0, nil, fmt.Errorf("new-member is required: %w", models.ErrInvalid)
	}
	if _, ok := s.directory.Account(newMember); !ok {
		return 0, nil, fmt.Errorf("user %s: %w", newMember, models.ErrNotFound)
	}

	b, err := s.registry.AddMember(ctx, c.req.ProjectName, c.user, newMember)
	if err != nil {
		return 0, nil, err
	}
	s.directory.FanOutChatRoute(newMember, b.Name, b.ChatAddr, true)
	s.logger.Info("member added", slog.String("project", b.Name), slog.String("user", newMember))
	return protocol.StatusCreated, nil, nil
}

// handleShowMembers lists the members of a project.
func (s *Server) handleShowMembers(_ context.Context, c *call) (protocol.Code, protocol.H, error) {
	members, err := s.registry.Members(c.req.ProjectName, c.user)
	if err != nil {
		return 0, nil, err
	}
	return protocol.StatusOK, protocol.H{"members": members}, nil
}

// handleDeleteProject removes a finished project and routes every member out
// of its chat group.
func (s *Server) handleDeleteProject(ctx context.Context, c *call) (protocol.Code, protocol.H, error) {
	b, err := s.registry.Delete(ctx, c.req.ProjectName, c.user)
	if err != nil {
		return 0, nil, err
	}
	for _, m := range b.Members {
		s.directory.FanOutChatRoute(m, b.Name, b.ChatAddr, false)
	}
	return protocol.StatusOK, nil, nil
}

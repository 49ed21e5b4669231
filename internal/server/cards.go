package server

import (
	"context"

	"worth/internal/models"
	"worth/internal/protocol"
)

// handleAddCard creates a card in the todo column.
func (s *Server) handleAddCard(ctx context.Context, c *call) (protocol.Code, protocol.H, error) {
	if _, err := s.registry.AddCard(ctx, c.req.ProjectName, c.user, c.req.CardName, c.req.CardDesc); err != nil {
		return 0, nil, err
	}
	return protocol.StatusCreated, nil, nil
}

// handleShowCard returns a card's description and column.
func (s *Server) handleShowCard(_ context.Context, c *call) (protocol.Code, protocol.H, error) {
	card, err := s.registry.Card(c.req.ProjectName, c.user, c.req.CardName)
	if err != nil {
		return 0, nil, err
	}
	return protocol.StatusOK, protocol.H{"card-info": protocol.CardInfo{
		Name:        card.Name,
		Description: card.Description,
		CurrentList: string(card.Status),
	}}, nil
}

// handleMoveCard moves a card along one workflow edge. Column names that do
// not parse are passed through as-is and rejected by the workflow check.
func (s *Server) handleMoveCard(ctx context.Context, c *call) (protocol.Code, protocol.H, error) {
	from := parseColumn(c.req.From)
	to := parseColumn(c.req.To)
	if _, err := s.registry.MoveCard(ctx, c.req.ProjectName, c.user, c.req.CardName, from, to); err != nil {
		return 0, nil, err
	}
	return protocol.StatusOK, nil, nil
}

// handleListCards lists every card of a project in column order.
func (s *Server) handleListCards(_ context.Context, c *call) (protocol.Code, protocol.H, error) {
	cards, err := s.registry.Cards(c.req.ProjectName, c.user)
	if err != nil {
		return 0, nil, err
	}
	list := make([]protocol.CardSummary, 0, len(cards))
	for _, card := range cards {
		list = append(list, protocol.CardSummary{
			Name:        card.Name,
			State:       string(card.Status),
			Description: card.Description,
		})
	}
	return protocol.StatusOK, protocol.H{"card-list": list}, nil
}

// handleGetCardHistory returns a card's transitions, oldest first.
func (s *Server) handleGetCardHistory(_ context.Context, c *call) (protocol.Code, protocol.H, error) {
	card, err := s.registry.Card(c.req.ProjectName, c.user, c.req.CardName)
	if err != nil {
		return 0, nil, err
	}
	history := make([]protocol.CardEvent, 0, len(card.History))
	for _, t := range card.History {
		history = append(history, protocol.CardEvent{
			From: string(t.From),
			To:   string(t.To),
			Date: t.At.UnixMilli(),
		})
	}
	return protocol.StatusOK, protocol.H{"card-history": history}, nil
}

func parseColumn(raw string) models.Status {
	if s, err := models.ParseStatus(raw); err == nil {
		return s
	}
	return models.Status(raw)
}

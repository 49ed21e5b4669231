// Package memory is a volatile Store used for tests and for running the
// server without a database file.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"worth/internal/models"
)

// Store keeps accounts, projects and cards in maps.
type Store struct {
	mu       sync.Mutex
	users    map[string]models.Account
	projects map[string]models.Board
	cards    map[string]map[string]models.Card
	order    map[string][]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]models.Account),
		projects: make(map[string]models.Board),
		cards:    make(map[string]map[string]models.Card),
		order:    make(map[string][]string),
	}
}

// LoadUsers returns all accounts sorted by username.
func (s *Store) LoadUsers(_ context.Context) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]models.Account, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// LoadProjects returns all projects with their cards, sorted by name.
func (s *Store) LoadProjects(_ context.Context) ([]models.Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	boards := make([]models.Board, 0, len(s.projects))
	for name, b := range s.projects {
		b.Members = slices.Clone(b.Members)
		b.Cards = nil
		for _, cardName := range s.order[name] {
			c := s.cards[name][cardName]
			c.History = slices.Clone(c.History)
			b.Cards = append(b.Cards, c)
		}
		boards = append(boards, b)
	}
	sort.Slice(boards, func(i, j int) bool { return boards[i].Name < boards[j].Name })
	return boards, nil
}

// SaveUser inserts or replaces an account. Session state is not kept.
func (s *Store) SaveUser(_ context.Context, u models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Online = false
	u.SessionToken = ""
	s.users[u.Username] = u
	return nil
}

// SaveProject inserts or replaces project metadata and members.
func (s *Store) SaveProject(_ context.Context, b models.Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.Members = slices.Clone(b.Members)
	b.Cards = nil
	s.projects[b.Name] = b
	if _, ok := s.cards[b.Name]; !ok {
		s.cards[b.Name] = make(map[string]models.Card)
	}
	return nil
}

// SaveCard inserts or replaces one card of an existing project.
func (s *Store) SaveCard(_ context.Context, project string, c models.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards, ok := s.cards[project]
	if !ok {
		return fmt.Errorf("save card %s: project %s: %w", c.Name, project, models.ErrNotFound)
	}
	if _, exists := cards[c.Name]; !exists {
		s.order[project] = append(s.order[project], c.Name)
	}
	c.History = slices.Clone(c.History)
	cards[c.Name] = c
	return nil
}

// DeleteProject removes a project and its cards.
func (s *Store) DeleteProject(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[name]; !ok {
		return fmt.Errorf("delete project %s: %w", name, models.ErrNotFound)
	}
	delete(s.projects, name)
	delete(s.cards, name)
	delete(s.order, name)
	return nil
}

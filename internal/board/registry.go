// Package board holds the in-memory directory of projects, their members and
// their cards, and enforces the card workflow.
package board

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"worth/internal/clock"
	"worth/internal/models"
)

// Store persists board state. Every mutation is written before it becomes
// visible in the registry.
type Store interface {
	SaveProject(ctx context.Context, b models.Board) error
	SaveCard(ctx context.Context, project string, c models.Card) error
	DeleteProject(ctx context.Context, name string) error
}

// Addresses issues chat group addresses.
type Addresses interface {
	Allocate() (netip.Addr, error)
	Release(addr netip.Addr)
	Reserve(addr netip.Addr) error
}

type project struct {
	name      string
	members   []string
	chatAddr  netip.Addr
	createdAt time.Time
	columns   map[models.Status][]string
	cards     map[string]*Ledger
}

func (p *project) isMember(username string) bool {
	return slices.Contains(p.members, username)
}

func (p *project) unfinished() bool {
	for _, s := range models.Statuses {
		if s.Unfinished() && len(p.columns[s]) > 0 {
			return true
		}
	}
	return false
}

func (p *project) view(withCards bool) models.Board {
	b := models.Board{
		Name:      p.name,
		Members:   slices.Clone(p.members),
		ChatAddr:  p.chatAddr.String(),
		CreatedAt: p.createdAt,
	}
	if withCards {
		b.Cards = p.orderedCards()
	}
	return b
}

func (p *project) orderedCards() []models.Card {
	cards := make([]models.Card, 0, len(p.cards))
	for _, s := range models.Statuses {
		for _, name := range p.columns[s] {
			cards = append(cards, p.cards[name].snapshot())
		}
	}
	return cards
}

// Registry is the authoritative set of projects. All methods are safe for
// concurrent use; each one is atomic with respect to the others.
type Registry struct {
	mu        sync.RWMutex
	projects  map[string]*project
	store     Store
	addresses Addresses
	clock     clock.Clock
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(store Store, addresses Addresses, clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		projects:  make(map[string]*project),
		store:     store,
		addresses: addresses,
		clock:     clk,
		logger:    logger,
	}
}

// Restore loads previously persisted projects and reserves their chat
// addresses. It must run before the registry serves requests.
func (r *Registry) Restore(boards []models.Board) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range boards {
		if _, exists := r.projects[b.Name]; exists {
			return fmt.Errorf("restore %s: duplicate project", b.Name)
		}
		addr, err := netip.ParseAddr(b.ChatAddr)
		if err != nil {
			return fmt.Errorf("restore %s: chat address: %w", b.Name, err)
		}
		if err := r.addresses.Reserve(addr); err != nil {
			return fmt.Errorf("restore %s: %w", b.Name, err)
		}

		p := &project{
			name:      b.Name,
			members:   slices.Clone(b.Members),
			chatAddr:  addr,
			createdAt: b.CreatedAt,
			columns:   make(map[models.Status][]string),
			cards:     make(map[string]*Ledger),
		}
		for _, c := range b.Cards {
			if !c.Status.Valid() {
				return fmt.Errorf("restore %s: card %s has unknown status %q", b.Name, c.Name, c.Status)
			}
			if _, dup := p.cards[c.Name]; dup {
				return fmt.Errorf("restore %s: duplicate card %s", b.Name, c.Name)
			}
			p.cards[c.Name] = restoreLedger(c)
			p.columns[c.Status] = append(p.columns[c.Status], c.Name)
		}
		// Stores return cards in creation order; columns list them in the
		// order they arrived.
		for _, column := range p.columns {
			slices.SortStableFunc(column, func(x, y string) int {
				return p.cards[x].arrivedAt().Compare(p.cards[y].arrivedAt())
			})
		}
		r.projects[b.Name] = p
		r.logger.Info("project restored", slog.String("project", b.Name), slog.Int("cards", len(p.cards)))
	}
	return nil
}

// Create registers a new project with creator as its only member.
func (r *Registry) Create(ctx context.Context, name, creator string) (models.Board, error) {
	if strings.TrimSpace(name) == "" {
		return models.Board{}, fmt.Errorf("project name must not be empty: %w", models.ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[name]; exists {
		return models.Board{}, fmt.Errorf("project %s: %w", name, models.ErrConflict)
	}

	addr, err := r.addresses.Allocate()
	if err != nil {
		return models.Board{}, fmt.Errorf("allocate chat address: %w", err)
	}

	p := &project{
		name:      name,
		members:   []string{creator},
		chatAddr:  addr,
		createdAt: r.clock.Now(),
		columns:   make(map[models.Status][]string),
		cards:     make(map[string]*Ledger),
	}
	if err := r.store.SaveProject(ctx, p.view(false)); err != nil {
		r.addresses.Release(addr)
		return models.Board{}, fmt.Errorf("save project: %w", err)
	}

	r.projects[name] = p
	r.logger.Info("project created", slog.String("project", name), slog.String("chat_addr", addr.String()))
	return p.view(false), nil
}

// Delete removes a project whose todo, in-progress and review columns are
// empty, and gives its chat address back to the pool. The returned board
// carries the members that must leave the chat group.
func (r *Registry) Delete(ctx context.Context, name, caller string) (models.Board, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookup(name, caller)
	if err != nil {
		return models.Board{}, err
	}
	if p.unfinished() {
		return models.Board{}, fmt.Errorf("project %s: %w", name, models.ErrUnfinishedWork)
	}
	if err := r.store.DeleteProject(ctx, name); err != nil {
		return models.Board{}, fmt.Errorf("delete project: %w", err)
	}

	delete(r.projects, name)
	r.addresses.Release(p.chatAddr)
	r.logger.Info("project deleted", slog.String("project", name))
	return p.view(false), nil
}

// AddMember adds newMember to the project. The caller must be a member and is
// responsible for checking that newMember is a registered account.
func (r *Registry) AddMember(ctx context.Context, name, caller, newMember string) (models.Board, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookup(name, caller)
	if err != nil {
		return models.Board{}, err
	}
	if p.isMember(newMember) {
		return models.Board{}, fmt.Errorf("member %s: %w", newMember, models.ErrConflict)
	}

	next := p.view(false)
	next.Members = append(next.Members, newMember)
	if err := r.store.SaveProject(ctx, next); err != nil {
		return models.Board{}, fmt.Errorf("save project: %w", err)
	}

	p.members = append(p.members, newMember)
	return p.view(false), nil
}

// AddCard creates a card in the todo column.
func (r *Registry) AddCard(ctx context.Context, name, caller, card, description string) (models.Card, error) {
	if strings.TrimSpace(card) == "" {
		return models.Card{}, fmt.Errorf("card name must not be empty: %w", models.ErrInvalid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookup(name, caller)
	if err != nil {
		return models.Card{}, err
	}
	if _, exists := p.cards[card]; exists {
		return models.Card{}, fmt.Errorf("card %s: %w", card, models.ErrConflict)
	}

	l := newLedger(card, description)
	if err := r.store.SaveCard(ctx, name, l.snapshot()); err != nil {
		return models.Card{}, fmt.Errorf("save card: %w", err)
	}

	p.cards[card] = l
	p.columns[models.StatusTodo] = append(p.columns[models.StatusTodo], card)
	return l.snapshot(), nil
}

// MoveCard moves a card between columns following the workflow graph and
// records the transition. An unknown card is reported before the edge is
// checked.
func (r *Registry) MoveCard(ctx context.Context, name, caller, card string, from, to models.Status) (models.Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.lookup(name, caller)
	if err != nil {
		return models.Card{}, err
	}
	l, ok := p.cards[card]
	if !ok {
		return models.Card{}, fmt.Errorf("card %s: %w", card, models.ErrNotFound)
	}
	if !models.CanMove(from, to) {
		return models.Card{}, fmt.Errorf("%s -> %s: %w", from, to, models.ErrMoveForbidden)
	}
	if l.status != from {
		return models.Card{}, fmt.Errorf("card %s is in %s, not %s: %w", card, l.status, from, models.ErrMoveForbidden)
	}

	t := l.transition(to, r.clock.Now())
	if err := r.store.SaveCard(ctx, name, l.preview(t)); err != nil {
		return models.Card{}, fmt.Errorf("save card: %w", err)
	}

	l.apply(t)
	p.columns[from] = slices.DeleteFunc(p.columns[from], func(n string) bool { return n == card })
	p.columns[to] = append(p.columns[to], card)
	return l.snapshot(), nil
}

// Projects lists the projects username belongs to, sorted by name.
func (r *Registry) Projects(username string) []models.Board {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var boards []models.Board
	for _, p := range r.projects {
		if p.isMember(username) {
			boards = append(boards, p.view(false))
		}
	}
	sort.Slice(boards, func(i, j int) bool { return boards[i].Name < boards[j].Name })
	return boards
}

// Members returns the member list of a project.
func (r *Registry) Members(name, caller string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, err := r.lookup(name, caller)
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.members), nil
}

// Cards returns every card of a project ordered by column.
func (r *Registry) Cards(name, caller string) ([]models.Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, err := r.lookup(name, caller)
	if err != nil {
		return nil, err
	}
	return p.orderedCards(), nil
}

// Card returns one card including its history.
func (r *Registry) Card(name, caller, card string) (models.Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, err := r.lookup(name, caller)
	if err != nil {
		return models.Card{}, err
	}
	l, ok := p.cards[card]
	if !ok {
		return models.Card{}, fmt.Errorf("card %s: %w", card, models.ErrNotFound)
	}
	return l.snapshot(), nil
}

// lookup finds a project the caller belongs to. Must hold r.mu.
func (r *Registry) lookup(name, caller string) (*project, error) {
	p, ok := r.projects[name]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", name, models.ErrNotFound)
	}
	if !p.isMember(caller) {
		return nil, fmt.Errorf("project %s: %w", name, models.ErrNotMember)
	}
	return p, nil
}

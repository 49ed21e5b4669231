// Package presence tracks which accounts are online and pushes presence and
// chat-route notifications to the live notification sinks of logged-in
// clients.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"worth/internal/models"
	"worth/internal/protocol"
)

// ErrSinkClosed is returned by Sink.Deliver once the sink is gone.
var ErrSinkClosed = errors.New("notification sink closed")

// Sink is one client's notification endpoint. Deliver must not block: a sink
// that cannot take a notification right away reports an error and is pruned.
type Sink interface {
	Username() string
	Token() string
	Deliver(n protocol.Notification) error
	Close()
}

// Store persists accounts.
type Store interface {
	SaveUser(ctx context.Context, u models.Account) error
}

// Directory owns the account table and the sink registry. All methods are
// safe for concurrent use.
type Directory struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	sinks    []Sink
	store    Store
	logger   *slog.Logger
}

// NewDirectory creates an empty directory.
func NewDirectory(store Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		accounts: make(map[string]*models.Account),
		store:    store,
		logger:   logger,
	}
}

// Restore loads persisted accounts. Everyone starts offline.
func (d *Directory) Restore(accounts []models.Account) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, a := range accounts {
		if _, exists := d.accounts[a.Username]; exists {
			return fmt.Errorf("restore user %s: duplicate", a.Username)
		}
		a.Online = false
		a.SessionToken = ""
		d.accounts[a.Username] = &a
	}
	return nil
}

// Signup creates an offline account and persists it.
func (d *Directory) Signup(ctx context.Context, username, hash, salt string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("username must not be empty: %w", models.ErrInvalid)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.accounts[username]; exists {
		return fmt.Errorf("user %s: %w", username, models.ErrConflict)
	}
	a := models.Account{Username: username, PasswordHash: hash, Salt: salt}
	if err := d.store.SaveUser(ctx, a); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	d.accounts[username] = &a
	d.logger.Info("user registered", slog.String("user", username))
	return nil
}

// Account returns a copy of the named account.
func (d *Directory) Account(username string) (models.Account, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.accounts[username]
	if !ok {
		return models.Account{}, false
	}
	return *a, true
}

// Accounts returns every account sorted by username.
func (d *Directory) Accounts() []models.Account {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.Account, 0, len(d.accounts))
	for _, a := range d.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// UserForToken returns the online account holding session token.
func (d *Directory) UserForToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, a := range d.accounts {
		if a.Online && a.SessionToken == token {
			return a.Username, true
		}
	}
	return "", false
}

// Login marks username online and mints its session token.
func (d *Directory) Login(username string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.accounts[username]
	if !ok {
		return "", fmt.Errorf("user %s: %w", username, models.ErrNotFound)
	}
	if a.Online {
		return "", fmt.Errorf("user %s: %w", username, models.ErrAlreadyOnline)
	}
	a.Online = true
	a.SessionToken = uuid.NewString()
	return a.SessionToken, nil
}

// Logout marks username offline and drops its sinks.
func (d *Directory) Logout(username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.accounts[username]
	if !ok {
		return fmt.Errorf("user %s: %w", username, models.ErrNotFound)
	}
	if !a.Online {
		return fmt.Errorf("user %s: %w", username, models.ErrAlreadyOffline)
	}
	a.Online = false
	a.SessionToken = ""

	d.sinks = slices.DeleteFunc(d.sinks, func(s Sink) bool {
		if s.Username() != username {
			return false
		}
		s.Close()
		return true
	})
	return nil
}

// Register adds a sink. The sink's account must be online and its token must
// match the current session. Registering the same sink twice is a no-op; a
// newer sink replaces an older one of the same account.
func (d *Directory) Register(s Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.accounts[s.Username()]
	if !ok || !a.Online || a.SessionToken == "" || a.SessionToken != s.Token() {
		return fmt.Errorf("register sink for %s: %w", s.Username(), models.ErrUnauthenticated)
	}

	if slices.Contains(d.sinks, s) {
		return nil
	}
	d.sinks = slices.DeleteFunc(d.sinks, func(existing Sink) bool {
		if existing.Username() != s.Username() {
			return false
		}
		existing.Close()
		return true
	})
	d.sinks = append(d.sinks, s)
	d.logger.Info("notification sink registered", slog.String("user", s.Username()), slog.Int("sinks", len(d.sinks)))
	return nil
}

// Unregister removes a sink. Removing an unknown sink is a no-op.
func (d *Directory) Unregister(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i := slices.Index(d.sinks, s); i >= 0 {
		d.sinks = slices.Delete(d.sinks, i, i+1)
		d.logger.Info("notification sink unregistered", slog.String("user", s.Username()), slog.Int("sinks", len(d.sinks)))
	}
}

// Sinks returns the number of registered sinks.
func (d *Directory) Sinks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sinks)
}

// FanOutPresence tells every sink that username went online or offline and
// returns how many sinks took the notification.
func (d *Directory) FanOutPresence(username string, online bool) int {
	n := protocol.PresenceEvent(username, online)
	return d.fanOut(n, func(Sink) bool { return true })
}

// FanOutChatRoute tells the sinks of username to join or leave the chat
// group of project.
func (d *Directory) FanOutChatRoute(username, project, chatAddr string, joined bool) int {
	n := protocol.ChatRouteEvent(project, chatAddr, joined)
	return d.fanOut(n, func(s Sink) bool { return s.Username() == username })
}

// fanOut delivers n to every matching sink. Sinks that fail are closed and
// dropped for good; the failure never reaches the caller.
func (d *Directory) fanOut(n protocol.Notification, match func(Sink) bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	delivered := 0
	d.sinks = slices.DeleteFunc(d.sinks, func(s Sink) bool {
		if !match(s) {
			return false
		}
		if err := s.Deliver(n); err != nil {
			d.logger.Warn("dropping notification sink",
				slog.String("user", s.Username()),
				slog.String("type", n.Type),
				slog.String("error", err.Error()))
			s.Close()
			return true
		}
		delivered++
		return false
	})
	return delivered
}

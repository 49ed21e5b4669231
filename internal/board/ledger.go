package board

import (
	"slices"
	"time"

	"worth/internal/models"
)

// Ledger is a card together with its append-only transition history.
// It is only touched with the owning Registry's lock held.
type Ledger struct {
	name        string
	description string
	status      models.Status
	history     []models.Transition
}

func newLedger(name, description string) *Ledger {
	return &Ledger{name: name, description: description, status: models.StatusTodo}
}

// restoreLedger rebuilds a ledger from persisted state, sorting the history
// by time in case the store returned it out of order.
func restoreLedger(c models.Card) *Ledger {
	history := slices.Clone(c.History)
	slices.SortStableFunc(history, func(a, b models.Transition) int {
		return a.At.Compare(b.At)
	})
	return &Ledger{
		name:        c.Name,
		description: c.Description,
		status:      c.Status,
		history:     history,
	}
}

// transition builds the event for a move to `to` at time now. The timestamp
// never goes below the last recorded one so history stays ordered.
func (l *Ledger) transition(to models.Status, now time.Time) models.Transition {
	if n := len(l.history); n > 0 && now.Before(l.history[n-1].At) {
		now = l.history[n-1].At
	}
	return models.Transition{At: now, From: l.status, To: to}
}

// apply records t and moves the card. The edge must already be validated.
func (l *Ledger) apply(t models.Transition) {
	l.history = append(l.history, t)
	l.status = t.To
}

// preview returns the card as it would look after t without changing l.
func (l *Ledger) preview(t models.Transition) models.Card {
	c := l.snapshot()
	c.Status = t.To
	c.History = append(c.History, t)
	return c
}

// arrivedAt is when the card entered its current column, or the zero time
// for a card that has never moved.
func (l *Ledger) arrivedAt() time.Time {
	if n := len(l.history); n > 0 {
		return l.history[n-1].At
	}
	return time.Time{}
}

func (l *Ledger) snapshot() models.Card {
	return models.Card{
		Name:        l.name,
		Description: l.description,
		Status:      l.status,
		History:     slices.Clone(l.history),
	}
}

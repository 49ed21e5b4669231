package models

import (
	"fmt"
	"strings"
)

// Status is the board column a card currently sits in.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusToReview   Status = "to_review"
	StatusDone       Status = "done"
)

// Statuses lists the board columns in display order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusToReview, StatusDone}

// allowedMoves is the complete workflow graph. Done has no outgoing edges.
var allowedMoves = map[Status][]Status{
	StatusTodo:       {StatusInProgress},
	StatusInProgress: {StatusToReview, StatusDone},
	StatusToReview:   {StatusInProgress, StatusDone},
}

// ParseStatus maps a column name to its Status. Case, '_', '-' and spaces are
// ignored, so "InProgress" and "in-progress" both parse.
func ParseStatus(raw string) (Status, error) {
	key := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(raw)))

	for _, s := range Statuses {
		if strings.ReplaceAll(string(s), "_", "") == key {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown card list %q", raw)
}

// Valid reports whether s is one of the four columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusToReview, StatusDone:
		return true
	}
	return false
}

// CanMove reports whether the workflow allows a card to go from one column to
// another. Self moves are never allowed.
func CanMove(from, to Status) bool {
	for _, next := range allowedMoves[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Unfinished reports whether a card in this column blocks board deletion.
func (s Status) Unfinished() bool {
	return s != StatusDone
}

package models

import "time"

// Account is a registered user. Online and SessionToken only live in memory.
type Account struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Salt         string `json:"-"`
	Online       bool   `json:"status"`
	SessionToken string `json:"-"`
}

// Board describes a shared project: its members, chat group and cards.
type Board struct {
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	ChatAddr  string    `json:"chat-addr"`
	Cards     []Card    `json:"cards,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Card represents a single task on a board.
type Card struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Status      Status       `json:"status"`
	History     []Transition `json:"history,omitempty"`
}

// Transition is one recorded status change of a card.
type Transition struct {
	At   time.Time `json:"date"`
	From Status    `json:"from"`
	To   Status    `json:"to"`
}

package models

import "errors"

// Sentinel errors shared by the registry, the presence directory and the
// protocol layer. Callers wrap them with context and match with errors.Is.
var (
	ErrUnauthenticated = errors.New("not logged in or bad credentials")
	ErrNotMember       = errors.New("not a member of the project")
	ErrUnfinishedWork  = errors.New("project has unfinished cards")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrMoveForbidden   = errors.New("card move not allowed")
	ErrAlreadyOffline  = errors.New("user already offline")
	ErrAlreadyOnline   = errors.New("user already online")
	ErrInvalid         = errors.New("invalid argument")
)

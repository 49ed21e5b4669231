// Package protocol defines the line-delimited JSON request/response format
// spoken between clients and the server, the status codes, and the push
// notifications sent over the notification channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Method names.
const (
	MethodLogin          = "login"
	MethodLogout         = "logout"
	MethodSignup         = "signup"
	MethodCreateProject  = "create-project"
	MethodListProjects   = "list-projects"
	MethodAddMember      = "add-member"
	MethodShowMembers    = "show-members"
	MethodAddCard        = "add-card"
	MethodShowCard       = "show-card"
	MethodMoveCard       = "move-card"
	MethodListCards      = "list-cards"
	MethodGetCardHistory = "get-card-history"
	MethodDeleteProject  = "delete-project"
)

// ErrMalformed marks input that could not be decoded into a Request.
var ErrMalformed = errors.New("malformed request")

// Request is the union of every method's fields.
type Request struct {
	Method      string `json:"method"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	ProjectName string `json:"projectname,omitempty"`
	NewMember   string `json:"new-member,omitempty"`
	CardName    string `json:"cardname,omitempty"`
	CardDesc    string `json:"cardesc,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
}

// DecodeRequest parses one request line.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Request{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	if req.Method == "" {
		return Request{}, fmt.Errorf("%w: missing method", ErrMalformed)
	}
	return req, nil
}

// H is a response payload, flattened next to "return-code" on the wire.
type H map[string]any

// EncodeResponse renders code and payload as one JSON line (with trailing
// newline).
func EncodeResponse(code Code, payload H) ([]byte, error) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["return-code"] = code
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return append(b, '\n'), nil
}

// UserStatus is one entry of the login user directory.
type UserStatus struct {
	Username string `json:"username"`
	Online   bool   `json:"status"`
}

// ProjectInfo names a project and its chat group.
type ProjectInfo struct {
	Name     string `json:"name"`
	ChatAddr string `json:"chat-addr"`
}

// CardSummary is one entry of list-cards.
type CardSummary struct {
	Name        string `json:"card-name"`
	State       string `json:"card-state"`
	Description string `json:"card-desc"`
}

// CardInfo is the show-card payload.
type CardInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CurrentList string `json:"currentlist"`
}

// CardEvent is one entry of get-card-history. Date is Unix milliseconds.
type CardEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
	Date int64  `json:"date"`
}

// Response is the client-side view of any server reply.
type Response struct {
	Code            Code          `json:"return-code"`
	Error           string        `json:"error,omitempty"`
	SessionToken    string        `json:"session-token,omitempty"`
	ChatPort        int           `json:"chat-port,omitempty"`
	ChatAddr        string        `json:"chat-addr,omitempty"`
	RegisteredUsers []UserStatus  `json:"registered-users,omitempty"`
	ProjectsList    []ProjectInfo `json:"projects-list,omitempty"`
	Projects        []ProjectInfo `json:"projects,omitempty"`
	Members         []string      `json:"members,omitempty"`
	CardList        []CardSummary `json:"card-list,omitempty"`
	CardInfo        *CardInfo     `json:"card-info,omitempty"`
	CardHistory     []CardEvent   `json:"card-history,omitempty"`
}

// DecodeResponse parses one response line.
func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

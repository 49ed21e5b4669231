// Package client is a WORTH protocol client. It issues requests over the TCP
// protocol connection, follows presence and chat-route notifications over the
// notification channel, and joins project chats through a chat.Fabric.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"worth/internal/chat"
	"worth/internal/netutil"
	"worth/internal/protocol"
)

// StatusError is a reply whose return code is not a success.
type StatusError struct {
	Method  string
	Code    protocol.Code
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: return-code %d", e.Method, e.Code)
	}
	return fmt.Sprintf("%s: return-code %d: %s", e.Method, e.Code, e.Message)
}

// CodeOf returns the return code carried by err, or 0 when err is not a
// StatusError.
func CodeOf(err error) protocol.Code {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// ErrNotLoggedIn is returned by operations that need a session.
var ErrNotLoggedIn = errors.New("not logged in")

var errChatDisabled = errors.New("chat is not configured")

// Options configures a Client.
type Options struct {
	// NotifyURL is the base HTTP URL of the server, e.g. http://localhost:8080.
	// Empty disables Subscribe.
	NotifyURL string
	// Fabric carries project chats. Nil disables chat.
	Fabric      *chat.Fabric
	Logger      *slog.Logger
	DialTimeout time.Duration
}

// Client is one user's connection to a WORTH server. Calls are serialized.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	opts   Options
	logger *slog.Logger

	callMu sync.Mutex

	mu       sync.Mutex
	user     string
	token    string
	chatPort int
	presence map[string]bool
	chats    map[string]struct{}
	ws       *websocket.Conn
	wsDone   chan struct{}
}

// Dial connects to the protocol listener at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		opts:     opts,
		logger:   opts.Logger,
		presence: make(map[string]bool),
		chats:    make(map[string]struct{}),
	}, nil
}

// Call sends req and returns the raw reply. Only transport failures are
// returned as errors.
func (c *Client) Call(req protocol.Request) (protocol.Response, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	line, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode %s: %w", req.Method, err)
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Method, err)
	}
	raw, err := c.reader.ReadBytes('\n')
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read %s reply: %w", req.Method, err)
	}
	return protocol.DecodeResponse(raw)
}

// do calls req and turns a failure code into a *StatusError.
func (c *Client) do(req protocol.Request) (protocol.Response, error) {
	resp, err := c.Call(req)
	if err != nil {
		return resp, err
	}
	if !resp.Code.OK() {
		return resp, &StatusError{Method: req.Method, Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

// User returns the logged-in username, or "" when logged out.
func (c *Client) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Signup registers a new account.
func (c *Client) Signup(username, password string) error {
	_, err := c.do(protocol.Request{Method: protocol.MethodSignup, Username: username, Password: password})
	return err
}

// Login authenticates, records the user directory and joins the chats of
// the user's projects.
func (c *Client) Login(username, password string) error {
	resp, err := c.do(protocol.Request{Method: protocol.MethodLogin, Username: username, Password: password})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.user = username
	c.token = resp.SessionToken
	c.chatPort = resp.ChatPort
	c.presence = make(map[string]bool, len(resp.RegisteredUsers))
	for _, u := range resp.RegisteredUsers {
		c.presence[u.Username] = u.Online
	}
	c.mu.Unlock()

	for _, p := range resp.ProjectsList {
		c.joinChat(p.Name, p.ChatAddr)
	}
	return nil
}

// Logout ends the session, closes the notification channel and leaves every
// chat.
func (c *Client) Logout() error {
	if _, err := c.do(protocol.Request{Method: protocol.MethodLogout, Username: c.User()}); err != nil {
		return err
	}
	c.closeNotifications()
	c.leaveAllChats()

	c.mu.Lock()
	c.user, c.token = "", ""
	c.mu.Unlock()
	return nil
}

// ChatPort returns the UDP port announced at login.
func (c *Client) ChatPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatPort
}

// CreateProject creates a project and joins its chat.
func (c *Client) CreateProject(name string) (string, error) {
	resp, err := c.do(protocol.Request{Method: protocol.MethodCreateProject, Username: c.User(), ProjectName: name})
	if err != nil {
		return "", err
	}
	c.joinChat(name, resp.ChatAddr)
	return resp.ChatAddr, nil
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects() ([]protocol.ProjectInfo, error) {
	resp, err := c.do(protocol.Request{Method: protocol.MethodListProjects, Username: c.User()})
	return resp.Projects, err
}

// AddMember adds a registered user to a project.
func (c *Client) AddMember(project, member string) error {
	_, err := c.do(protocol.Request{Method: protocol.MethodAddMember, Username: c.User(), ProjectName: project, NewMember: member})
	return err
}

// ShowMembers lists a project's members.
func (c *Client) ShowMembers(project string) ([]string, error) {
	resp, err := c.do(protocol.Request{Method: protocol.MethodShowMembers, Username: c.User(), ProjectName: project})
	return resp.Members, err
}

// AddCard creates a card in the todo column.
func (c *Client) AddCard(project, card, description string) error {
	_, err := c.do(protocol.Request{Method: protocol.MethodAddCard, Username: c.User(), ProjectName: project, CardName: card, CardDesc: description})
	return err
}

// ShowCard returns a card's details.
func (c *Client) ShowCard(project, card string) (protocol.CardInfo, error) {
	resp, err := c.do(protocol.Request{Method: protocol.MethodShowCard, Username: c.User(), ProjectName: project, CardName: card})
	if err != nil || resp.CardInfo == nil {
		return protocol.CardInfo{}, err
	}
	return *resp.CardInfo, nil
}

// MoveCard moves a card from one column to another.
func (c *Client) MoveCard(project, card, from, to string) error {
	_, err := c.do(protocol.Request{Method: protocol.MethodMoveCard, Username: c.User(), ProjectName: project, CardName: card, From: from, To: to})
	return err
}

// ListCards returns a project's cards.
func (c *Client) ListCards(project string) ([]protocol.CardSummary, error) {
	resp, err := c.do(protocol.Request{Method: protocol.MethodListCards, Username: c.User(), ProjectName: project})
	return resp.CardList, err
}

// CardHistory returns a card's transitions.
func (c *Client) CardHistory(project, card string) ([]protocol.CardEvent, error) {
	resp, err := c.do(protocol.Request{Method: protocol.MethodGetCardHistory, Username: c.User(), ProjectName: project, CardName: card})
	return resp.CardHistory, err
}

// DeleteProject deletes a finished project.
func (c *Client) DeleteProject(project string) error {
	_, err := c.do(protocol.Request{Method: protocol.MethodDeleteProject, Username: c.User(), ProjectName: project})
	return err
}

// Presence returns the last known online state of every registered user.
func (c *Client) Presence() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.presence))
	for k, v := range c.presence {
		out[k] = v
	}
	return out
}

// OnlineUsers returns the users currently known to be online, sorted.
func (c *Client) OnlineUsers() []string {
	var out []string
	for user, online := range c.Presence() {
		if online {
			out = append(out, user)
		}
	}
	slices.Sort(out)
	return out
}

// SendChat posts body to the chat of project.
func (c *Client) SendChat(project, body string) error {
	if c.opts.Fabric == nil {
		return errChatDisabled
	}
	user := c.User()
	if user == "" {
		return fmt.Errorf("send to %s: %w", project, ErrNotLoggedIn)
	}
	return c.opts.Fabric.Send(project, user, body)
}

// ReadChat returns the chat messages of project received since the last
// read.
func (c *Client) ReadChat(project string) ([]string, error) {
	if c.opts.Fabric == nil {
		return nil, errChatDisabled
	}
	if c.User() == "" {
		return nil, fmt.Errorf("read %s: %w", project, ErrNotLoggedIn)
	}
	return c.opts.Fabric.Drain(project)
}

// Subscribe opens the notification channel for the current session. It
// returns once the channel is established; notifications are then handled
// in the background until logout or Close.
func (c *Client) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return fmt.Errorf("subscribe: %w", ErrNotLoggedIn)
	}
	if c.opts.NotifyURL == "" {
		return errors.New("subscribe: no notification URL configured")
	}

	u, err := url.Parse(c.opts.NotifyURL)
	if err != nil {
		return fmt.Errorf("parse notification URL: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/notify"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial notification channel: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.ws, c.wsDone = ws, done
	c.mu.Unlock()

	go c.readNotifications(ws, done)
	return nil
}

func (c *Client) readNotifications(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var n protocol.Notification
		if err := ws.ReadJSON(&n); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !netutil.IsExpectedCloseError(err) {
				c.logger.Debug("notification channel closed", slog.String("error", err.Error()))
			}
			return
		}
		c.handleNotification(n)
	}
}

func (c *Client) handleNotification(n protocol.Notification) {
	switch n.Type {
	case protocol.NotifyPresence:
		c.mu.Lock()
		c.presence[n.Username] = n.Online
		c.mu.Unlock()
	case protocol.NotifyChatRoute:
		if n.Joined {
			c.joinChat(n.Project, n.ChatAddr)
		} else {
			c.leaveChat(n.Project)
		}
	default:
		c.logger.Debug("ignoring notification", slog.String("type", n.Type))
	}
}

func (c *Client) joinChat(project, addr string) {
	if c.opts.Fabric == nil {
		return
	}
	group, err := netip.ParseAddr(addr)
	if err != nil {
		c.logger.Warn("bad chat address", slog.String("project", project), slog.String("addr", addr))
		return
	}
	if _, err := c.opts.Fabric.Join(project, group); err != nil && !errors.Is(err, chat.ErrAlreadyJoined) {
		c.logger.Warn("join chat", slog.String("project", project), slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	c.chats[project] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) leaveChat(project string) {
	if c.opts.Fabric == nil {
		return
	}
	c.mu.Lock()
	delete(c.chats, project)
	c.mu.Unlock()
	if err := c.opts.Fabric.Leave(project); err != nil && !errors.Is(err, chat.ErrNotJoined) {
		c.logger.Warn("leave chat", slog.String("project", project), slog.String("error", err.Error()))
	}
}

// leaveAllChats leaves every chat joined by this client.
func (c *Client) leaveAllChats() {
	c.mu.Lock()
	projects := make([]string, 0, len(c.chats))
	for p := range c.chats {
		projects = append(projects, p)
	}
	c.mu.Unlock()
	for _, p := range projects {
		c.leaveChat(p)
	}
}

// closeNotifications closes the notification channel and waits for its
// reader to stop.
func (c *Client) closeNotifications() {
	c.mu.Lock()
	ws, done := c.ws, c.wsDone
	c.ws, c.wsDone = nil, nil
	c.mu.Unlock()
	if ws == nil {
		return
	}
	_ = ws.Close()
	<-done
}

// Close drops the connection. The server treats this like a logout.
func (c *Client) Close() error {
	c.closeNotifications()
	c.leaveAllChats()
	return c.conn.Close()
}

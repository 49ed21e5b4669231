// Package chat implements per-project chat over IP multicast. Each project has
// its own group address; a client joins the groups of its projects, sends
// messages to them and reads what arrived since its last read.
//
// Delivery is best effort: datagrams can be lost or reordered and nothing is
// retransmitted.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

var (
	// ErrNotJoined is returned for a project whose group is not joined.
	ErrNotJoined = errors.New("chat group not joined")
	// ErrAlreadyJoined is returned when joining a project twice.
	ErrAlreadyJoined = errors.New("chat group already joined")
)

// maxBacklog bounds the unread messages kept per project; the oldest are
// dropped first.
const maxBacklog = 1024

// Message is the datagram exchanged between group members.
type Message struct {
	Project string `json:"projectname"`
	From    string `json:"from"`
	Body    string `json:"body"`
}

// String renders the message the way it is shown to readers.
func (m Message) String() string {
	return fmt.Sprintf("%s: %s", m.From, m.Body)
}

// Membership is the handle returned by Join. Leave gives it up; a handle can
// only be left once.
type Membership struct {
	fabric  *Fabric
	project string
	group   netip.Addr
}

// Project returns the project the membership belongs to.
func (m *Membership) Project() string { return m.project }

// Group returns the multicast address of the membership.
func (m *Membership) Group() netip.Addr { return m.group }

// Leave drops the group membership and discards unread messages.
func (m *Membership) Leave() error {
	return m.fabric.release(m)
}

// Fabric routes chat messages between the local user and the groups joined
// through one transport. Safe for concurrent use.
type Fabric struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	joined  map[string]*Membership
	backlog map[string][]string
}

// NewFabric wraps transport. Call Run to start receiving.
func NewFabric(transport Transport, logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{
		transport: transport,
		logger:    logger,
		joined:    make(map[string]*Membership),
		backlog:   make(map[string][]string),
	}
}

// Join subscribes to the group of project.
func (f *Fabric) Join(project string, group netip.Addr) (*Membership, error) {
	if !group.IsMulticast() {
		return nil, fmt.Errorf("join %s: %s is not a multicast address", project, group)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.joined[project]; ok {
		return nil, fmt.Errorf("join %s: %w", project, ErrAlreadyJoined)
	}
	if err := f.transport.JoinGroup(group); err != nil {
		return nil, fmt.Errorf("join %s: %w", project, err)
	}
	m := &Membership{fabric: f, project: project, group: group}
	f.joined[project] = m
	f.backlog[project] = nil
	f.logger.Debug("joined chat group", slog.String("project", project), slog.String("group", group.String()))
	return m, nil
}

// Leave gives up the membership of project.
func (f *Fabric) Leave(project string) error {
	f.mu.Lock()
	m, ok := f.joined[project]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("leave %s: %w", project, ErrNotJoined)
	}
	return m.Leave()
}

func (f *Fabric) release(m *Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.joined[m.project] != m {
		return fmt.Errorf("leave %s: %w", m.project, ErrNotJoined)
	}
	delete(f.joined, m.project)
	delete(f.backlog, m.project)
	if err := f.transport.LeaveGroup(m.group); err != nil {
		return fmt.Errorf("leave %s: %w", m.project, err)
	}
	f.logger.Debug("left chat group", slog.String("project", m.project))
	return nil
}

// Joined reports whether the group of project is joined.
func (f *Fabric) Joined(project string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.joined[project]
	return ok
}

// Send multicasts a message from `from` to the group of project.
func (f *Fabric) Send(project, from, body string) error {
	f.mu.Lock()
	m, ok := f.joined[project]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", project, ErrNotJoined)
	}

	payload, err := json.Marshal(Message{Project: project, From: from, Body: body})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := f.transport.Send(m.group, payload); err != nil {
		return fmt.Errorf("send to %s: %w", project, err)
	}
	return nil
}

// Drain returns the messages received for project since the previous call.
func (f *Fabric) Drain(project string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.joined[project]; !ok {
		return nil, fmt.Errorf("read %s: %w", project, ErrNotJoined)
	}
	msgs := f.backlog[project]
	f.backlog[project] = nil
	return msgs, nil
}

// Run receives datagrams until ctx is done or the transport is closed. It
// closes the transport on return.
func (f *Fabric) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = f.transport.Close() })
	defer stop()
	defer f.transport.Close()

	for {
		payload, err := f.transport.Receive()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive chat datagram: %w", err)
		}
		f.handle(payload)
	}
}

// Close stops Run and releases the transport.
func (f *Fabric) Close() error {
	return f.transport.Close()
}

func (f *Fabric) handle(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Project == "" || msg.From == "" {
		f.logger.Debug("discarding malformed chat datagram", slog.Int("bytes", len(payload)))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.joined[msg.Project]; !ok {
		return
	}
	backlog := append(f.backlog[msg.Project], msg.String())
	if len(backlog) > maxBacklog {
		backlog = backlog[len(backlog)-maxBacklog:]
	}
	f.backlog[msg.Project] = backlog
}

package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	groupB = netip.MustParseAddr("239.1.0.1")
	groupC = netip.MustParseAddr("239.1.0.2")
)

func startFabric(t *testing.T, network *Loopback) *Fabric {
	t.Helper()
	f := NewFabric(network.Attach(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not stop")
		}
	})
	return f
}

// waitDrain polls until n messages have been read from project.
func waitDrain(t *testing.T, f *Fabric, project string, n int) []string {
	t.Helper()
	var got []string
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < n {
		msgs, err := f.Drain(project)
		if err != nil {
			t.Fatalf("Drain(%s): %v", project, err)
		}
		got = append(got, msgs...)
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d/%d messages: %v", len(got), n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return got
}

func TestSendReachesGroupMembers(t *testing.T) {
	network := NewLoopback()
	alice := startFabric(t, network)
	bob := startFabric(t, network)

	for _, f := range []*Fabric{alice, bob} {
		if _, err := f.Join("B", groupB); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	if err := alice.Send("B", "alice", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := bob.Send("B", "bob", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	want := []string{"alice: hello", "bob: hi"}
	if diff := cmp.Diff(want, waitDrain(t, bob, "B", 2)); diff != "" {
		t.Errorf("bob backlog (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, waitDrain(t, alice, "B", 2)); diff != "" {
		t.Errorf("alice backlog (-want +got):\n%s", diff)
	}

	msgs, err := bob.Drain("B")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages delivered twice: %v", msgs)
	}
}

func TestOtherGroupsAreIsolated(t *testing.T) {
	network := NewLoopback()
	alice := startFabric(t, network)
	carol := startFabric(t, network)

	if _, err := alice.Join("B", groupB); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Join("C", groupC); err != nil {
		t.Fatal(err)
	}
	if _, err := carol.Join("C", groupC); err != nil {
		t.Fatal(err)
	}

	if err := alice.Send("B", "alice", "only B"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Send("C", "alice", "for C"); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"alice: for C"}, waitDrain(t, carol, "C", 1)); diff != "" {
		t.Errorf("carol backlog (-want +got):\n%s", diff)
	}
	waitDrain(t, alice, "B", 1)
}

func TestMembershipLifecycle(t *testing.T) {
	f := NewFabric(NewLoopback().Attach(), nil)
	defer f.Close()

	m, err := f.Join("B", groupB)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if m.Project() != "B" || m.Group() != groupB {
		t.Errorf("membership = %s %s", m.Project(), m.Group())
	}
	if _, err := f.Join("B", groupB); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join: expected ErrAlreadyJoined, got %v", err)
	}
	if _, err := f.Join("X", netip.MustParseAddr("10.0.0.1")); err == nil {
		t.Fatal("expected unicast group to be rejected")
	}

	if err := m.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := m.Leave(); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("second leave: expected ErrNotJoined, got %v", err)
	}
	if f.Joined("B") {
		t.Error("B still joined")
	}
	if err := f.Send("B", "alice", "x"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("send after leave: expected ErrNotJoined, got %v", err)
	}
	if _, err := f.Drain("B"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("drain after leave: expected ErrNotJoined, got %v", err)
	}

	// A stale handle must not drop a newer membership of the same project.
	if _, err := f.Join("B", groupB); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if err := m.Leave(); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("stale leave: expected ErrNotJoined, got %v", err)
	}
	if err := f.Leave("B"); err != nil {
		t.Fatalf("leave by name: %v", err)
	}
}

func TestHandleDiscardsBadDatagrams(t *testing.T) {
	f := NewFabric(NewLoopback().Attach(), nil)
	defer f.Close()
	if _, err := f.Join("B", groupB); err != nil {
		t.Fatal(err)
	}

	f.handle([]byte("not json"))
	f.handle([]byte(`{"projectname":"B","body":"no sender"}`))
	f.handle([]byte(`{"projectname":"Z","from":"eve","body":"wrong project"}`))
	f.handle([]byte(`{"projectname":"B","from":"bob","body":"ok"}`))

	msgs, err := f.Drain("B")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"bob: ok"}, msgs); diff != "" {
		t.Errorf("backlog (-want +got):\n%s", diff)
	}
}

func TestBacklogIsBounded(t *testing.T) {
	f := NewFabric(NewLoopback().Attach(), nil)
	defer f.Close()
	if _, err := f.Join("B", groupB); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxBacklog+10; i++ {
		f.handle([]byte(`{"projectname":"B","from":"bob","body":"spam"}`))
	}
	msgs, _ := f.Drain("B")
	if len(msgs) != maxBacklog {
		t.Fatalf("backlog = %d, want %d", len(msgs), maxBacklog)
	}
}

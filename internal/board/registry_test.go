package board

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"worth/internal/addrpool"
	"worth/internal/clock"
	"worth/internal/models"
	"worth/internal/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// flakyStore fails every write while failing is set.
type flakyStore struct {
	*memory.Store
	failing bool
}

var errDisk = errors.New("disk full")

func (f *flakyStore) SaveProject(ctx context.Context, b models.Board) error {
	if f.failing {
		return errDisk
	}
	return f.Store.SaveProject(ctx, b)
}

func (f *flakyStore) SaveCard(ctx context.Context, project string, c models.Card) error {
	if f.failing {
		return errDisk
	}
	return f.Store.SaveCard(ctx, project, c)
}

func (f *flakyStore) DeleteProject(ctx context.Context, name string) error {
	if f.failing {
		return errDisk
	}
	return f.Store.DeleteProject(ctx, name)
}

type fixture struct {
	reg   *Registry
	store *flakyStore
	pool  *addrpool.Pool
	clock *clock.FakeClock
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	pool, err := addrpool.New("239.1.0.0", capacity)
	if err != nil {
		t.Fatalf("addrpool.New: %v", err)
	}
	store := &flakyStore{Store: memory.New()}
	clk := clock.Fake(epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		reg:   NewRegistry(store, pool, clk, logger),
		store: store,
		pool:  pool,
		clock: clk,
	}
}

func (f *fixture) mustCreate(t *testing.T, name, creator string) models.Board {
	t.Helper()
	b, err := f.reg.Create(context.Background(), name, creator)
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return b
}

func (f *fixture) mustAddCard(t *testing.T, project, caller, card string) {
	t.Helper()
	if _, err := f.reg.AddCard(context.Background(), project, caller, card, "desc of "+card); err != nil {
		t.Fatalf("AddCard(%s): %v", card, err)
	}
}

func (f *fixture) move(project, caller, card string, from, to models.Status) error {
	f.clock.Advance(time.Minute)
	_, err := f.reg.MoveCard(context.Background(), project, caller, card, from, to)
	return err
}

func TestWorkflowScenario(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	b := f.mustCreate(t, "B", "alice")
	if diff := cmp.Diff([]string{"alice"}, b.Members); diff != "" {
		t.Fatalf("members (-want +got):\n%s", diff)
	}
	if b.ChatAddr != "239.1.0.1" {
		t.Fatalf("chat address = %s, want 239.1.0.1", b.ChatAddr)
	}

	f.mustAddCard(t, "B", "alice", "X")
	card, err := f.reg.Card("B", "alice", "X")
	if err != nil {
		t.Fatalf("Card: %v", err)
	}
	if card.Status != models.StatusTodo || len(card.History) != 0 {
		t.Fatalf("new card = %+v, want todo with empty history", card)
	}

	if err := f.move("B", "alice", "X", models.StatusTodo, models.StatusInProgress); err != nil {
		t.Fatalf("todo -> in_progress: %v", err)
	}
	if err := f.move("B", "alice", "X", models.StatusInProgress, models.StatusTodo); !errors.Is(err, models.ErrMoveForbidden) {
		t.Fatalf("in_progress -> todo: expected ErrMoveForbidden, got %v", err)
	}
	if err := f.move("B", "alice", "X", models.StatusInProgress, models.StatusDone); err != nil {
		t.Fatalf("in_progress -> done: %v", err)
	}

	card, _ = f.reg.Card("B", "alice", "X")
	want := []models.Transition{
		{At: epoch.Add(time.Minute), From: models.StatusTodo, To: models.StatusInProgress},
		{At: epoch.Add(3 * time.Minute), From: models.StatusInProgress, To: models.StatusDone},
	}
	if diff := cmp.Diff(want, card.History); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}

	removed, err := f.reg.Delete(ctx, "B", "alice")
	if err != nil {
		t.Fatalf("Delete with only done cards: %v", err)
	}
	if removed.ChatAddr != "239.1.0.1" {
		t.Fatalf("removed chat address = %s", removed.ChatAddr)
	}
	if f.pool.InUse() != 0 {
		t.Fatalf("address not released, InUse() = %d", f.pool.InUse())
	}
	if got := f.reg.Projects("alice"); len(got) != 0 {
		t.Fatalf("project still listed: %+v", got)
	}
}

func TestDeleteRequiresFinishedWork(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.mustCreate(t, "B", "alice")
	f.mustAddCard(t, "B", "alice", "X")

	if _, err := f.reg.Delete(ctx, "B", "alice"); !errors.Is(err, models.ErrUnfinishedWork) {
		t.Fatalf("delete with todo card: expected ErrUnfinishedWork, got %v", err)
	}

	for _, step := range [][2]models.Status{
		{models.StatusTodo, models.StatusInProgress},
		{models.StatusInProgress, models.StatusToReview},
	} {
		if err := f.move("B", "alice", "X", step[0], step[1]); err != nil {
			t.Fatalf("move %s -> %s: %v", step[0], step[1], err)
		}
		if _, err := f.reg.Delete(ctx, "B", "alice"); !errors.Is(err, models.ErrUnfinishedWork) {
			t.Fatalf("delete with card in %s: expected ErrUnfinishedWork, got %v", step[1], err)
		}
	}

	if err := f.move("B", "alice", "X", models.StatusToReview, models.StatusDone); err != nil {
		t.Fatalf("to_review -> done: %v", err)
	}
	if _, err := f.reg.Delete(ctx, "B", "alice"); err != nil {
		t.Fatalf("delete after done: %v", err)
	}
}

func TestMoveCardRejectsIllegalEdges(t *testing.T) {
	f := newFixture(t, 10)
	f.mustCreate(t, "B", "alice")
	f.mustAddCard(t, "B", "alice", "X")

	t.Run("self moves", func(t *testing.T) {
		for _, s := range models.Statuses {
			if err := f.move("B", "alice", "X", s, s); !errors.Is(err, models.ErrMoveForbidden) {
				t.Errorf("%s -> %s: expected ErrMoveForbidden, got %v", s, s, err)
			}
		}
	})

	t.Run("unknown card is reported before the edge", func(t *testing.T) {
		err := f.move("B", "alice", "nope", models.StatusDone, models.StatusTodo)
		if !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("from must match current column", func(t *testing.T) {
		err := f.move("B", "alice", "X", models.StatusInProgress, models.StatusDone)
		if !errors.Is(err, models.ErrMoveForbidden) {
			t.Fatalf("expected ErrMoveForbidden, got %v", err)
		}
	})

	t.Run("unknown column", func(t *testing.T) {
		err := f.move("B", "alice", "X", models.StatusTodo, models.Status("archive"))
		if !errors.Is(err, models.ErrMoveForbidden) {
			t.Fatalf("expected ErrMoveForbidden, got %v", err)
		}
	})

	t.Run("nothing leaves done", func(t *testing.T) {
		if err := f.move("B", "alice", "X", models.StatusTodo, models.StatusInProgress); err != nil {
			t.Fatal(err)
		}
		if err := f.move("B", "alice", "X", models.StatusInProgress, models.StatusDone); err != nil {
			t.Fatal(err)
		}
		for _, s := range models.Statuses {
			if err := f.move("B", "alice", "X", models.StatusDone, s); !errors.Is(err, models.ErrMoveForbidden) {
				t.Errorf("done -> %s: expected ErrMoveForbidden, got %v", s, err)
			}
		}
	})

	card, _ := f.reg.Card("B", "alice", "X")
	for _, tr := range card.History {
		if !models.CanMove(tr.From, tr.To) {
			t.Errorf("illegal transition recorded: %s -> %s", tr.From, tr.To)
		}
	}
}

func TestHistoryStaysOrderedWhenClockStepsBack(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.mustCreate(t, "B", "alice")
	f.mustAddCard(t, "B", "alice", "X")

	f.clock.Set(epoch.Add(time.Hour))
	if _, err := f.reg.MoveCard(ctx, "B", "alice", "X", models.StatusTodo, models.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	f.clock.Set(epoch)
	if _, err := f.reg.MoveCard(ctx, "B", "alice", "X", models.StatusInProgress, models.StatusToReview); err != nil {
		t.Fatal(err)
	}

	card, _ := f.reg.Card("B", "alice", "X")
	for i := 1; i < len(card.History); i++ {
		if card.History[i].At.Before(card.History[i-1].At) {
			t.Fatalf("history out of order at %d: %v before %v", i, card.History[i].At, card.History[i-1].At)
		}
	}
}

func TestMembershipChecks(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.mustCreate(t, "B", "alice")

	if _, err := f.reg.AddCard(ctx, "B", "bob", "X", ""); !errors.Is(err, models.ErrNotMember) {
		t.Fatalf("non-member AddCard: expected ErrNotMember, got %v", err)
	}
	if _, err := f.reg.Members("missing", "alice"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown project: expected ErrNotFound, got %v", err)
	}
	if _, err := f.reg.AddMember(ctx, "B", "bob", "carol"); !errors.Is(err, models.ErrNotMember) {
		t.Fatalf("non-member AddMember: expected ErrNotMember, got %v", err)
	}

	b, err := f.reg.AddMember(ctx, "B", "alice", "bob")
	if err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, b.Members); diff != "" {
		t.Fatalf("members (-want +got):\n%s", diff)
	}
	if _, err := f.reg.AddMember(ctx, "B", "bob", "alice"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate member: expected ErrConflict, got %v", err)
	}
	if _, err := f.reg.AddCard(ctx, "B", "bob", "X", ""); err != nil {
		t.Fatalf("new member AddCard: %v", err)
	}
	if _, err := f.reg.AddCard(ctx, "B", "alice", "X", ""); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate card: expected ErrConflict, got %v", err)
	}
	if got := f.reg.Projects("bob"); len(got) != 1 || got[0].Name != "B" {
		t.Fatalf("Projects(bob) = %+v", got)
	}
}

func TestCreateConflictAndExhaustion(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.mustCreate(t, "A", "alice")

	if _, err := f.reg.Create(ctx, "A", "bob"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate project: expected ErrConflict, got %v", err)
	}
	if _, err := f.reg.Create(ctx, "B", "alice"); !errors.Is(err, addrpool.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if _, err := f.reg.Create(ctx, "  ", "alice"); !errors.Is(err, models.ErrInvalid) {
		t.Fatalf("blank name: expected ErrInvalid, got %v", err)
	}
}

func TestFailedWritesLeaveStateUntouched(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.mustCreate(t, "B", "alice")
	f.mustAddCard(t, "B", "alice", "X")

	f.store.failing = true

	if _, err := f.reg.Create(ctx, "C", "alice"); !errors.Is(err, errDisk) {
		t.Fatalf("Create: expected disk error, got %v", err)
	}
	if f.pool.InUse() != 1 {
		t.Fatalf("address leaked on failed create, InUse() = %d", f.pool.InUse())
	}
	if _, err := f.reg.MoveCard(ctx, "B", "alice", "X", models.StatusTodo, models.StatusInProgress); !errors.Is(err, errDisk) {
		t.Fatalf("MoveCard: expected disk error, got %v", err)
	}
	card, _ := f.reg.Card("B", "alice", "X")
	if card.Status != models.StatusTodo || len(card.History) != 0 {
		t.Fatalf("card changed after failed write: %+v", card)
	}
	if _, err := f.reg.AddMember(ctx, "B", "alice", "bob"); !errors.Is(err, errDisk) {
		t.Fatalf("AddMember: expected disk error, got %v", err)
	}
	if members, _ := f.reg.Members("B", "alice"); len(members) != 1 {
		t.Fatalf("member added after failed write: %v", members)
	}

	f.store.failing = false
	if _, err := f.reg.MoveCard(ctx, "B", "alice", "X", models.StatusTodo, models.StatusInProgress); err != nil {
		t.Fatalf("MoveCard after recovery: %v", err)
	}
}

func TestRestoreFromStore(t *testing.T) {
	src := newFixture(t, 10)
	ctx := context.Background()
	src.mustCreate(t, "A", "alice")
	src.mustCreate(t, "B", "alice")
	src.mustAddCard(t, "B", "alice", "X")
	src.mustAddCard(t, "B", "alice", "Y")
	if err := src.move("B", "alice", "X", models.StatusTodo, models.StatusInProgress); err != nil {
		t.Fatal(err)
	}

	boards, err := src.store.LoadProjects(ctx)
	if err != nil {
		t.Fatal(err)
	}

	dst := newFixture(t, 10)
	if err := dst.reg.Restore(boards); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	want, _ := src.reg.Cards("B", "alice")
	got, err := dst.reg.Cards("B", "alice")
	if err != nil {
		t.Fatalf("Cards: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("restored cards (-want +got):\n%s", diff)
	}

	// Restored addresses are never handed out again.
	c := dst.mustCreate(t, "C", "alice")
	if c.ChatAddr != "239.1.0.3" {
		t.Fatalf("new project got %s, want 239.1.0.3", c.ChatAddr)
	}

	if err := dst.reg.Restore(boards[:1]); err == nil {
		t.Fatal("restoring a duplicate project should fail")
	}
}

func TestRestoreKeepsColumnArrivalOrder(t *testing.T) {
	src := newFixture(t, 10)
	ctx := context.Background()
	src.mustCreate(t, "B", "alice")
	for _, card := range []string{"X", "Y", "Z"} {
		src.mustAddCard(t, "B", "alice", card)
	}
	// Z reaches in-progress first, then X; Y stays in todo.
	for _, card := range []string{"Z", "X"} {
		if err := src.move("B", "alice", card, models.StatusTodo, models.StatusInProgress); err != nil {
			t.Fatal(err)
		}
	}

	boards, err := src.store.LoadProjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	dst := newFixture(t, 10)
	if err := dst.reg.Restore(boards); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	names := func(r *Registry) []string {
		cards, err := r.Cards("B", "alice")
		if err != nil {
			t.Fatalf("Cards: %v", err)
		}
		out := make([]string, 0, len(cards))
		for _, c := range cards {
			out = append(out, c.Name)
		}
		return out
	}
	if diff := cmp.Diff([]string{"Y", "Z", "X"}, names(dst.reg)); diff != "" {
		t.Fatalf("restored order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(names(src.reg), names(dst.reg)); diff != "" {
		t.Fatalf("order changed across restore (-before +after):\n%s", diff)
	}
}

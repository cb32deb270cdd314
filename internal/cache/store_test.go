package cache

import (
	"ScrapbookComments/internal/models"
	"ScrapbookComments/internal/tree"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type mockLoader struct {
	mu     sync.Mutex
	calls  int
	trees  map[string][]models.Comment
	loadFn func(ctx context.Context, entryID string) ([]models.Comment, error)
}

func (m *mockLoader) Load(ctx context.Context, entryID string) ([]models.Comment, error) {
	m.mu.Lock()
	m.calls++
	fn := m.loadFn
	stored := m.trees[entryID]
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, entryID)
	}
	return tree.Clone(stored), nil
}

func (m *mockLoader) set(entryID string, cs []models.Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trees == nil {
		m.trees = map[string][]models.Comment{}
	}
	m.trees[entryID] = cs
}

func (m *mockLoader) setLoadFn(fn func(ctx context.Context, entryID string) ([]models.Comment, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadFn = fn
}

// seed makes cs the durable state of the entry and revalidates it.
func seed(t *testing.T, s *Store, l *mockLoader, entryID string, cs []models.Comment) {
	t.Helper()
	l.set(entryID, cs)
	if _, err := s.Revalidate(context.Background(), entryID); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
}

func comments(ids ...string) []models.Comment {
	out := make([]models.Comment, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Comment{ID: id, EntryID: "E1", Reactions: []models.Reaction{}, Replies: []models.Comment{}})
	}
	return out
}

func newStore(t *testing.T, loader Loader, size int) *Store {
	t.Helper()
	s, err := NewStore(loader, size, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func idsOf(cs []models.Comment) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func TestGet_UnknownEntryIsEmpty(t *testing.T) {
	s := newStore(t, &mockLoader{}, 0)
	got := s.Get("nope")
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty tree, got %v", got)
	}
	if s.Loaded("nope") {
		t.Fatalf("entry should not be loaded")
	}
}

func TestRevalidate_ReplacesTree(t *testing.T) {
	loader := &mockLoader{}
	s := newStore(t, loader, 0)
	seed(t, s, loader, "E1", comments("old"))

	loader.set("E1", comments("C1", "C2"))
	view, err := s.Revalidate(context.Background(), "E1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := idsOf(view); len(got) != 2 || got[0] != "C1" {
		t.Fatalf("expected [C1 C2] returned, got %v", got)
	}
	if got := idsOf(s.Get("E1")); len(got) != 2 || got[0] != "C1" {
		t.Fatalf("expected [C1 C2], got %v", got)
	}
	if !s.Loaded("E1") {
		t.Fatalf("entry should be loaded")
	}
}

func TestRevalidate_LoaderErrorKeepsState(t *testing.T) {
	boom := errors.New("boom")
	loader := &mockLoader{}
	s := newStore(t, loader, 0)
	seed(t, s, loader, "E1", comments("C1"))

	loader.setLoadFn(func(ctx context.Context, entryID string) ([]models.Comment, error) {
		return nil, boom
	})
	if _, err := s.Revalidate(context.Background(), "E1"); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	if got := idsOf(s.Get("E1")); len(got) != 1 {
		t.Fatalf("failed revalidation must leave the tree alone, got %v", got)
	}
}

func TestOptimistic_CommitAndDiscard(t *testing.T) {
	loader := &mockLoader{}
	s := newStore(t, loader, 0)
	seed(t, s, loader, "E1", comments("C1"))

	p := s.ApplyOptimistic("E1", func(cs []models.Comment) []models.Comment {
		return tree.AppendComment(cs, models.Comment{ID: "C2"})
	})
	if got := idsOf(s.Get("E1")); len(got) != 2 {
		t.Fatalf("optimistic comment should be visible, got %v", got)
	}
	if got := idsOf(s.Committed("E1")); len(got) != 1 {
		t.Fatalf("optimistic comment must not reach the committed tree, got %v", got)
	}

	s.Discard(p)
	if got := idsOf(s.Get("E1")); len(got) != 1 {
		t.Fatalf("discarded overlay should disappear, got %v", got)
	}

	p = s.ApplyOptimistic("E1", func(cs []models.Comment) []models.Comment {
		return tree.AppendComment(cs, models.Comment{ID: "temp"})
	})
	s.Commit(p, func(cs []models.Comment) []models.Comment {
		return tree.AppendComment(cs, models.Comment{ID: "C3"})
	})
	if got := idsOf(s.Get("E1")); len(got) != 2 || got[1] != "C3" {
		t.Fatalf("commit should replace the overlay with confirmed data, got %v", got)
	}
	if got := idsOf(s.Committed("E1")); len(got) != 2 {
		t.Fatalf("confirmed data should be committed, got %v", got)
	}
}

func TestOptimistic_SurvivesRevalidation(t *testing.T) {
	loader := &mockLoader{}
	loader.set("E1", comments("C1", "C9"))
	s := newStore(t, loader, 0)
	s.ApplyOptimistic("E1", func(cs []models.Comment) []models.Comment {
		return tree.AppendComment(cs, models.Comment{ID: "pending"})
	})

	if _, err := s.Revalidate(context.Background(), "E1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := idsOf(s.Get("E1")); len(got) != 3 || got[2] != "pending" {
		t.Fatalf("pending overlay should be reapplied on the new tree, got %v", got)
	}
}

func TestOptimistic_FailingMutatorIsAllOrNothing(t *testing.T) {
	loader := &mockLoader{}
	s := newStore(t, loader, 0)
	seed(t, s, loader, "E1", comments("C1"))

	s.ApplyOptimistic("E1", func(cs []models.Comment) []models.Comment {
		cs[0].Content = "half applied"
		panic("broken mutator")
	})
	s.ApplyOptimistic("E1", func(cs []models.Comment) []models.Comment { return nil })

	got := s.Get("E1")
	if len(got) != 1 || got[0].Content != "" {
		t.Fatalf("failing mutators must not leave partial changes, got %+v", got)
	}

	s.Commit(Pending{EntryID: "E1"}, func(cs []models.Comment) []models.Comment {
		cs[0].Content = "half applied"
		panic("broken mutator")
	})
	if got := s.Committed("E1"); got[0].Content != "" {
		t.Fatalf("failing commit must not leave partial changes, got %+v", got)
	}
}

func TestRevalidate_DiscardedAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newStore(t, &mockLoader{loadFn: func(ctx context.Context, entryID string) ([]models.Comment, error) {
		cancel()
		return comments("C1"), nil
	}}, 0)

	view, err := s.Revalidate(ctx, "E1")
	if !errors.Is(err, context.Canceled) || view != nil {
		t.Fatalf("expected context.Canceled and no tree, got %v, %v", view, err)
	}
	if s.Loaded("E1") || len(s.Get("E1")) != 0 {
		t.Fatalf("cancelled revalidation must not be applied")
	}
}

func TestRevalidate_ReleasedEntryStillAnswersCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := newStore(t, &mockLoader{loadFn: func(ctx context.Context, entryID string) ([]models.Comment, error) {
		close(started)
		<-release
		return comments("C1"), nil
	}}, 0)

	_, unsubscribe := s.Subscribe("E1")
	type result struct {
		view []models.Comment
		err  error
	}
	done := make(chan result, 1)
	go func() {
		view, err := s.Revalidate(context.Background(), "E1")
		done <- result{view, err}
	}()

	<-started
	unsubscribe()
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if got := idsOf(res.view); len(got) != 1 || got[0] != "C1" {
		t.Fatalf("caller should still get the loaded tree, got %v", got)
	}
	if s.Loaded("E1") || s.entries.Len() != 0 {
		t.Fatalf("result for a released entry must not be cached")
	}
}

func TestRevalidate_LastResponseWins(t *testing.T) {
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	var mu sync.Mutex
	call := 0
	s := newStore(t, &mockLoader{loadFn: func(ctx context.Context, entryID string) ([]models.Comment, error) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		if n == 1 {
			close(firstStarted)
			<-releaseFirst
			return comments("stale"), nil
		}
		return comments("fresh"), nil
	}}, 0)

	done := make(chan error, 1)
	go func() {
		_, err := s.Revalidate(context.Background(), "E1")
		done <- err
	}()
	<-firstStarted

	if _, err := s.Revalidate(context.Background(), "E1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(releaseFirst)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := idsOf(s.Get("E1")); len(got) != 1 || got[0] != "stale" {
		t.Fatalf("the response that lands last replaces the tree, got %v", got)
	}
}

func TestSubscribe_ReceivesUpdatesAndReleases(t *testing.T) {
	loader := &mockLoader{}
	s := newStore(t, loader, 0)
	seed(t, s, loader, "E1", comments("C1"))

	ch, cancel := s.Subscribe("E1")
	first := <-ch
	if len(first) != 1 {
		t.Fatalf("subscriber should get the current view, got %v", idsOf(first))
	}

	s.ApplyOptimistic("E1", func(cs []models.Comment) []models.Comment {
		return tree.AppendComment(cs, models.Comment{ID: "C2"})
	})
	seed(t, s, loader, "E1", comments("C1", "C3"))

	select {
	case latest := <-ch:
		if got := idsOf(latest); len(got) != 3 {
			t.Fatalf("subscriber should only see the newest view, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update received")
	}

	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Fatalf("channel should be closed after cancel")
	}
	if s.entries.Len() != 0 {
		t.Fatalf("entry should be dropped with its last subscriber")
	}
}

func TestEviction_ClosesSubscribers(t *testing.T) {
	loader := &mockLoader{}
	s := newStore(t, loader, 1)
	ch, cancel := s.Subscribe("E1")
	defer cancel()

	seed(t, s, loader, "E2", comments("C1"))

	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("expected closed channel after eviction")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber was not released on eviction")
	}
}

func TestEntryOf(t *testing.T) {
	loader := &mockLoader{}
	s := newStore(t, loader, 0)
	seed(t, s, loader, "E1", []models.Comment{{ID: "C1", Replies: []models.Comment{{ID: "R1"}}}})
	seed(t, s, loader, "E2", comments("C2"))

	if entryID, ok := s.EntryOf("R1"); !ok || entryID != "E1" {
		t.Fatalf("expected E1, got %q %v", entryID, ok)
	}
	if _, ok := s.EntryOf("missing"); ok {
		t.Fatalf("unknown comment should not resolve")
	}
}

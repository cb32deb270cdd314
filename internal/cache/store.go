// Package cache keeps the last known comment tree of every scrapbook entry in
// memory. Each entry holds a committed tree, which only ever comes from the
// persistence layer or from server-confirmed records, and an ordered overlay of
// pending optimistic mutations applied on top of it when read.
package cache

import (
	"ScrapbookComments/internal/models"
	"ScrapbookComments/internal/tree"
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const DefaultSize = 500

// Mutator derives a new tree from the current one. It receives a copy it may
// modify freely.
type Mutator func([]models.Comment) []models.Comment

type Loader interface {
	Load(ctx context.Context, entryID string) ([]models.Comment, error)
}

type LoaderFunc func(ctx context.Context, entryID string) ([]models.Comment, error)

func (f LoaderFunc) Load(ctx context.Context, entryID string) ([]models.Comment, error) {
	return f(ctx, entryID)
}

// Pending identifies one optimistic mutation.
type Pending struct {
	EntryID string
	id      uint64
}

type overlay struct {
	id     uint64
	mutate Mutator
}

type entry struct {
	base    []models.Comment
	loaded  bool
	pending []overlay
	subs    map[uint64]chan []models.Comment
}

func (e *entry) view() []models.Comment {
	v := tree.Clone(e.base)
	for _, o := range e.pending {
		if next, ok := apply(o.mutate, tree.Clone(v)); ok {
			v = next
		}
	}
	return v
}

type Store struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	loader  Loader
	seq     uint64
	log     *zap.Logger
}

func NewStore(loader Loader, size int, log *zap.Logger) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	s := &Store{loader: loader, log: log.Named("cache")}
	entries, err := lru.NewWithEvict[string, *entry](size, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	s.entries = entries
	return s, nil
}

// Get returns the tree as the UI should render it, pending mutations included.
// An entry that was never loaded yields an empty tree.
func (s *Store) Get(entryID string) []models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(entryID)
	if !ok {
		return []models.Comment{}
	}
	return e.view()
}

func (s *Store) Committed(entryID string) []models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(entryID)
	if !ok {
		return []models.Comment{}
	}
	return tree.Clone(e.base)
}

func (s *Store) Loaded(entryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Peek(entryID)
	return ok && e.loaded
}

// EntryOf finds the entry whose committed tree contains the comment.
func (s *Store) EntryOf(commentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		if _, found := tree.FindComment(e.base, commentID); found {
			return key, true
		}
	}
	return "", false
}

func (s *Store) ApplyOptimistic(entryID string, m Mutator) Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(entryID)
	s.seq++
	e.pending = append(e.pending, overlay{id: s.seq, mutate: m})
	s.notify(e)
	return Pending{EntryID: entryID, id: s.seq}
}

// Commit folds a server-confirmed change into the committed tree and drops the
// overlay p. A nil mutator only drops the overlay; a Pending built from just an
// entry id has no overlay and commits directly.
func (s *Store) Commit(p Pending, m Mutator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(p.EntryID)
	if m != nil {
		if next, ok := apply(m, tree.Clone(e.base)); ok {
			e.base = next
		} else {
			s.log.Warn("Discarded failing mutation", zap.String("entry_id", p.EntryID))
		}
	}
	e.dropOverlay(p.id)
	s.notify(e)
}

func (s *Store) Discard(p Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Peek(p.EntryID)
	if !ok {
		return
	}
	if e.dropOverlay(p.id) {
		s.notify(e)
	}
}

// Revalidate reloads the entry and replaces its committed tree, returning the
// loaded view. Concurrent calls for one entry are not coalesced: whichever load
// finishes last wins. When ctx is done by the time the load returns the result
// is dropped and ctx.Err() is returned. When the entry was released or evicted
// in the meantime the cache is left alone, but the loaded tree is still
// returned to the caller.
func (s *Store) Revalidate(ctx context.Context, entryID string) ([]models.Comment, error) {
	s.mu.Lock()
	e := s.getOrCreate(entryID)
	s.mu.Unlock()

	comments, err := s.loader.Load(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to revalidate entry %s: %w", entryID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		s.log.Debug("Dropped revalidation after cancellation", zap.String("entry_id", entryID))
		return nil, ctx.Err()
	}
	if cur, ok := s.entries.Peek(entryID); !ok || cur != e {
		s.log.Debug("Dropped revalidation for released entry", zap.String("entry_id", entryID))
		return tree.Clone(comments), nil
	}
	e.base = tree.Clone(comments)
	e.loaded = true
	s.notify(e)
	return e.view(), nil
}

// Subscribe registers a listener for the entry. The channel receives the
// current view whenever it changes; a slow reader only sees the newest one.
// The entry is dropped once its last subscriber cancels.
func (s *Store) Subscribe(entryID string) (<-chan []models.Comment, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(entryID)
	s.seq++
	id := s.seq
	ch := make(chan []models.Comment, 1)
	e.subs[id] = ch
	if e.loaded {
		ch <- e.view()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			cur, ok := s.entries.Peek(entryID)
			if !ok || cur != e {
				return
			}
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
			if len(e.subs) == 0 {
				s.entries.Remove(entryID)
			}
		})
	}
	return ch, cancel
}

func (s *Store) getOrCreate(entryID string) *entry {
	if e, ok := s.entries.Get(entryID); ok {
		return e
	}
	e := &entry{base: []models.Comment{}, subs: make(map[uint64]chan []models.Comment)}
	s.entries.Add(entryID, e)
	return e
}

func (s *Store) notify(e *entry) {
	if len(e.subs) == 0 {
		return
	}
	v := e.view()
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- tree.Clone(v)
	}
}

// onEvict runs with s.mu held, from inside the lru calls above.
func (s *Store) onEvict(entryID string, e *entry) {
	if len(e.subs) > 0 {
		s.log.Info("Evicted entry with active subscribers", zap.String("entry_id", entryID), zap.Int("subscribers", len(e.subs)))
	}
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}

func (e *entry) dropOverlay(id uint64) bool {
	for i, o := range e.pending {
		if o.id == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

func apply(m Mutator, in []models.Comment) (out []models.Comment, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			out, ok = nil, false
		}
	}()
	out = m(in)
	if out == nil {
		return nil, false
	}
	return out, true
}

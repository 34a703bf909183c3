// Package memstore provides an in-process paper store used when no Firestore
// project is configured. Papers live only as long as the process.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/ports"
	"github.com/oklog/ulid/v2"
)

// ErrStreamStopped is returned by Next after Stop or context cancellation.
var ErrStreamStopped = errors.New("memstore: stream stopped")

// Store keeps one paper list per collection path and pushes the full list to
// every live stream after each write. Timestamps are materialized immediately.
type Store struct {
	mu          sync.Mutex
	collections map[string][]models.Paper
	streams     map[*stream]struct{}
	now         func() time.Time
}

var _ ports.PaperStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string][]models.Paper),
		streams:     make(map[*stream]struct{}),
		now:         time.Now,
	}
}

// Create implements ports.PaperStore.
func (s *Store) Create(ctx context.Context, ref models.CollectionRef, fields models.PaperFields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	createdAt := s.now().UTC()
	paper := models.Paper{
		ID:        ulid.Make().String(),
		Title:     fields.Title,
		Abstract:  fields.Abstract,
		Content:   fields.Content,
		AuthorID:  fields.AuthorID,
		CreatedAt: &createdAt,
	}

	s.mu.Lock()
	path := ref.Path()
	s.collections[path] = append(s.collections[path], paper)
	batch := s.copyLocked(path)
	for st := range s.streams {
		if st.path == path {
			st.push(batch)
		}
	}
	s.mu.Unlock()
	return paper.ID, nil
}

// Subscribe implements ports.PaperStore. The current contents are delivered as
// the first batch.
func (s *Store) Subscribe(ctx context.Context, ref models.CollectionRef) (ports.BatchStream, error) {
	st := &stream{
		store:   s,
		path:    ref.Path(),
		ctx:     ctx,
		pending: make(chan []models.Paper, 1),
		stopped: make(chan struct{}),
	}
	s.mu.Lock()
	s.streams[st] = struct{}{}
	st.push(s.copyLocked(st.path))
	s.mu.Unlock()
	return st, nil
}

// Len returns the number of papers stored under ref.
func (s *Store) Len(ref models.CollectionRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[ref.Path()])
}

func (s *Store) copyLocked(path string) []models.Paper {
	return append([]models.Paper(nil), s.collections[path]...)
}

func (s *Store) remove(st *stream) {
	s.mu.Lock()
	delete(s.streams, st)
	s.mu.Unlock()
}

type stream struct {
	store    *Store
	path     string
	ctx      context.Context
	pending  chan []models.Paper // holds only the latest undelivered batch
	stopped  chan struct{}
	stopOnce sync.Once
}

// push replaces any undelivered batch. Callers hold store.mu.
func (st *stream) push(batch []models.Paper) {
	select {
	case <-st.pending:
	default:
	}
	st.pending <- batch
}

func (st *stream) Next() ([]models.Paper, error) {
	select {
	case batch := <-st.pending:
		return batch, nil
	case <-st.stopped:
		return nil, ErrStreamStopped
	case <-st.ctx.Done():
		return nil, st.ctx.Err()
	}
}

func (st *stream) Stop() {
	st.stopOnce.Do(func() {
		close(st.stopped)
		st.store.remove(st)
	})
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/ports"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultResubscribeBackoff    = 1 * time.Second
	defaultMaxResubscribeBackoff = 30 * time.Second
)

// SyncEvent is delivered to observers after every batch or subscription failure.
// On failure Err is a SyncFailed error and Snapshot is the last good snapshot.
type SyncEvent struct {
	Snapshot models.Snapshot
	Err      error
}

// SyncOption configures a CollectionSync.
type SyncOption func(*CollectionSync)

// WithResubscribeBackoff sets the initial and maximum delay between attempts
// to re-open a failed subscription.
func WithResubscribeBackoff(initial, maxDelay time.Duration) SyncOption {
	return func(s *CollectionSync) {
		if initial > 0 {
			s.backoff = initial
		}
		if maxDelay >= s.backoff {
			s.maxBackoff = maxDelay
		}
	}
}

// WithSyncLogger sets the logger used by the sync.
func WithSyncLogger(logger *slog.Logger) SyncOption {
	return func(s *CollectionSync) { s.logger = logger }
}

// CollectionSync owns the single live subscription to the paper collection and
// the Snapshot derived from it. Only the subscription goroutine writes the
// Snapshot; it is replaced as a whole.
type CollectionSync struct {
	store      ports.PaperStore
	ref        models.CollectionRef
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
	now        func() time.Time

	snapshot atomic.Pointer[models.Snapshot]

	lifecycle sync.Mutex // serializes Open and Close
	sub       *subscription

	mu           sync.Mutex // protects the fields below
	lastErr      error
	observers    map[int]func(SyncEvent)
	nextObserver int
}

type subscription struct {
	identityID string
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewCollectionSync creates a sync for ref. Nothing is subscribed until Open.
func NewCollectionSync(store ports.PaperStore, ref models.CollectionRef, opts ...SyncOption) *CollectionSync {
	s := &CollectionSync{
		store:      store,
		ref:        ref,
		logger:     slog.Default(),
		backoff:    defaultResubscribeBackoff,
		maxBackoff: defaultMaxResubscribeBackoff,
		now:        time.Now,
		observers:  make(map[int]func(SyncEvent)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts the subscription for identity. Any previous subscription is
// fully closed first, so at most one is ever live. The subscription ends when
// ctx is cancelled or Close is called.
func (s *CollectionSync) Open(ctx context.Context, identity models.Identity) error {
	if !identity.IsEstablished {
		return boardError(KindValidation, "session not ready", nil)
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.closeLocked()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		identityID: identity.ID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.sub = sub
	go s.run(subCtx, sub)
	return nil
}

// Close releases the live subscription, if any, and waits for it to stop.
// The last Snapshot is kept. Observers must not call Close.
func (s *CollectionSync) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.closeLocked()
}

func (s *CollectionSync) closeLocked() {
	if s.sub == nil {
		return
	}
	s.sub.cancel()
	<-s.sub.done
	s.sub = nil
}

// Follow re-opens the subscription whenever the identity id changes, until ctx
// is done or changes is closed.
func (s *CollectionSync) Follow(ctx context.Context, changes <-chan models.Identity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case identity, ok := <-changes:
			if !ok {
				return nil
			}
			if identity.ID == s.subscribedIdentity() {
				continue
			}
			s.logger.Info("Identity changed. Re-subscribing.", "identityId", identity.ID, "collection", s.ref.Path())
			if err := s.Open(ctx, identity); err != nil {
				s.logger.Warn("Could not re-subscribe.", "identityId", identity.ID, "error", err)
			}
		}
	}
}

func (s *CollectionSync) subscribedIdentity() string {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.sub == nil {
		return ""
	}
	return s.sub.identityID
}

// Snapshot returns the latest published snapshot; it is empty before the first batch.
func (s *CollectionSync) Snapshot() models.Snapshot {
	if snap := s.snapshot.Load(); snap != nil {
		return *snap
	}
	return models.Snapshot{}
}

// Err returns the last SyncFailed condition, cleared by the next good batch.
func (s *CollectionSync) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Observe registers fn for every SyncEvent. fn runs on the subscription
// goroutine and must not block. The returned func unregisters it.
func (s *CollectionSync) Observe(fn func(SyncEvent)) func() {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *CollectionSync) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	logCtx := s.logger.With("collection", s.ref.Path(), "identityId", sub.identityID)
	logCtx.Info("Opening subscription.")

	backoff := s.backoff
	for {
		delivered, err := s.consume(ctx)
		if ctx.Err() != nil {
			logCtx.Info("Subscription closed.")
			return
		}
		if delivered {
			backoff = s.backoff
		}
		s.fail(logCtx, err)

		logCtx.Warn("Subscription lost, will re-subscribe.", "backoff", backoff.String())
		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
		case <-ctx.Done():
			logCtx.Info("Subscription closed during backoff.")
			return
		}
	}
}

// consume reads batches until the stream fails. It reports whether at least
// one batch was applied.
func (s *CollectionSync) consume(ctx context.Context) (bool, error) {
	stream, err := s.store.Subscribe(ctx, s.ref)
	if err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer stream.Stop()

	delivered := false
	for {
		papers, err := stream.Next()
		if err != nil {
			return delivered, err
		}
		s.apply(papers)
		delivered = true
	}
}

func (s *CollectionSync) apply(papers []models.Paper) {
	snap := BuildSnapshot(papers, s.now())
	s.snapshot.Store(&snap)

	s.mu.Lock()
	s.lastErr = nil
	observers := s.observerListLocked()
	s.mu.Unlock()

	for _, fn := range observers {
		fn(SyncEvent{Snapshot: snap})
	}
}

func (s *CollectionSync) fail(logCtx *slog.Logger, err error) {
	syncErr := boardError(KindSyncFailed, describeSyncError(err), err)
	logCtx.Error("Subscription failed. Keeping last snapshot.", "error", err, "cachedPapers", s.Snapshot().Len())

	s.mu.Lock()
	s.lastErr = syncErr
	observers := s.observerListLocked()
	s.mu.Unlock()

	event := SyncEvent{Snapshot: s.Snapshot(), Err: syncErr}
	for _, fn := range observers {
		fn(event)
	}
}

func (s *CollectionSync) observerListLocked() []func(SyncEvent) {
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	list := make([]func(SyncEvent), 0, len(ids))
	for _, id := range ids {
		list = append(list, s.observers[id])
	}
	return list
}

func describeSyncError(err error) string {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return "permission denied"
	case codes.Unavailable, codes.DeadlineExceeded:
		return "store unavailable"
	default:
		return "subscription error"
	}
}

// BuildSnapshot derives an ordered snapshot from one batch. The batch is
// treated as the complete collection.
func BuildSnapshot(papers []models.Paper, receivedAt time.Time) models.Snapshot {
	return models.Snapshot{Papers: OrderPapers(papers), ReceivedAt: receivedAt}
}

// OrderPapers returns papers newest first. Papers without a resolved creation
// time sort after all resolved ones. The sort is stable, so ties and
// unresolved papers keep batch order. When an id appears more than once
// the first position is kept with the last state.
func OrderPapers(papers []models.Paper) []models.Paper {
	out := make([]models.Paper, 0, len(papers))
	index := make(map[string]int, len(papers))
	for _, p := range papers {
		if i, ok := index[p.ID]; ok {
			out[i] = p
			continue
		}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	slices.SortStableFunc(out, comparePapers)
	return out
}

func comparePapers(a, b models.Paper) int {
	switch {
	case a.CreatedAt == nil && b.CreatedAt == nil:
		return 0
	case a.CreatedAt == nil:
		return 1
	case b.CreatedAt == nil:
		return -1
	}
	return b.CreatedAt.Compare(*a.CreatedAt)
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Lllllllleong/researchboard/internal/models"
)

// Board wires the session, the collection sync and the submission pipeline
// together and enforces their start order.
type Board struct {
	session     *SessionManager
	collection  *CollectionSync
	submissions *SubmissionPipeline
	logger      *slog.Logger

	mu      sync.Mutex
	authErr error
}

// NewBoard assembles a board from its components.
func NewBoard(session *SessionManager, collection *CollectionSync, submissions *SubmissionPipeline, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{session: session, collection: collection, submissions: submissions, logger: logger}
}

// Run bootstraps the session, opens the collection subscription once the
// session is ready and follows identity changes until ctx is done. A failed
// bootstrap is reported through View and Run keeps waiting for the session to
// become ready by other means.
func (b *Board) Run(ctx context.Context) error {
	changes, stopChanges := b.session.Changes()
	defer stopChanges()

	identity, err := b.session.Bootstrap(ctx)
	if err != nil {
		b.setAuthErr(err)
		select {
		case <-ctx.Done():
			return nil
		case <-b.session.Ready():
			b.setAuthErr(nil)
			identity = b.session.Current()
		}
	}

	if err := b.collection.Open(ctx, identity); err != nil {
		return err
	}
	defer b.collection.Close()
	b.logger.Info("Board is live.", "identityId", identity.ID, "source", identity.Source)

	if err := b.collection.Follow(ctx, changes); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Submit forwards draft to the submission pipeline.
func (b *Board) Submit(ctx context.Context, draft *models.Draft) (string, error) {
	return b.submissions.Submit(ctx, draft)
}

// Snapshot returns the current synchronized snapshot.
func (b *Board) Snapshot() models.Snapshot {
	return b.collection.Snapshot()
}

// Observe registers fn for collection sync events.
func (b *Board) Observe(fn func(SyncEvent)) func() {
	return b.collection.Observe(fn)
}

// View renders the current board state.
func (b *Board) View() models.ViewState {
	identity := b.session.Current()
	if !identity.IsEstablished {
		return RenderView(identity, models.Snapshot{}, models.StatusIdle, b.getAuthErr())
	}
	return RenderView(identity, b.collection.Snapshot(), b.submissions.Status(), b.getAuthErr(), b.collection.Err())
}

func (b *Board) setAuthErr(err error) {
	b.mu.Lock()
	b.authErr = err
	b.mu.Unlock()
}

func (b *Board) getAuthErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authErr
}

package services

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/ports"
)

// DefaultWriteTimeout bounds how long a submission waits for acknowledgment.
const DefaultWriteTimeout = 10 * time.Second

// SubmissionOption configures a SubmissionPipeline.
type SubmissionOption func(*SubmissionPipeline)

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) SubmissionOption {
	return func(p *SubmissionPipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithSubmissionLogger sets the logger used by the pipeline.
func WithSubmissionLogger(logger *slog.Logger) SubmissionOption {
	return func(p *SubmissionPipeline) { p.logger = logger }
}

// SubmissionPipeline validates drafts and writes them to the store. It never
// touches the synchronized snapshot: a new paper shows up only with the next
// batch from the subscription.
type SubmissionPipeline struct {
	store   ports.PaperStore
	ref     models.CollectionRef
	session IdentitySource
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex // protects the fields below
	status   models.SubmissionStatus
	inFlight bool
}

// NewSubmissionPipeline creates a pipeline writing to ref as the current session identity.
func NewSubmissionPipeline(store ports.PaperStore, ref models.CollectionRef, session IdentitySource, opts ...SubmissionOption) *SubmissionPipeline {
	p := &SubmissionPipeline{
		store:   store,
		ref:     ref,
		session: session,
		timeout: DefaultWriteTimeout,
		logger:  slog.Default(),
		status:  models.StatusIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit publishes draft and returns the new paper id. Preconditions are
// checked in order: complete fields, established session, no submission in
// flight. A draft rejected because another submission is in flight keeps its
// status. On success the draft fields are cleared; on a write failure they are
// kept so the caller can retry with a fresh Submit. Nothing is retried here.
func (p *SubmissionPipeline) Submit(ctx context.Context, draft *models.Draft) (string, error) {
	if draft == nil || !draft.Complete() {
		if draft != nil {
			draft.Status = models.StatusInvalid
		}
		p.setStatus(models.StatusInvalid)
		return "", boardError(KindValidation, "missing fields", nil)
	}

	identity := p.session.Current()
	if !identity.IsEstablished {
		draft.Status = models.StatusInvalid
		p.setStatus(models.StatusInvalid)
		return "", boardError(KindValidation, "session not ready", nil)
	}

	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return "", boardError(KindValidation, "submission in progress", nil)
	}
	p.inFlight = true
	p.status = models.StatusSubmitting
	p.mu.Unlock()
	draft.Status = models.StatusSubmitting

	logCtx := p.logger.With("identityId", identity.ID, "collection", p.ref.Path())
	logCtx.Info("Submitting paper.", "title", strings.TrimSpace(draft.Title))

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	id, err := p.store.Create(writeCtx, p.ref, models.PaperFields{
		Title:    strings.TrimSpace(draft.Title),
		Abstract: strings.TrimSpace(draft.Abstract),
		Content:  strings.TrimSpace(draft.Content),
		AuthorID: identity.ID,
	})

	p.mu.Lock()
	p.inFlight = false
	if err != nil {
		p.status = models.StatusFailed
	} else {
		p.status = models.StatusSucceeded
	}
	p.mu.Unlock()

	if err != nil {
		draft.Status = models.StatusFailed
		logCtx.Error("Paper write failed. Draft kept for retry.", "error", err)
		return "", boardError(KindWriteFailed, "failed to create paper", err)
	}

	draft.Clear()
	draft.Status = models.StatusSucceeded
	logCtx.Info("Paper submitted.", "paperId", id)
	return id, nil
}

// Status returns the outcome of the most recent submission attempt.
func (p *SubmissionPipeline) Status() models.SubmissionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *SubmissionPipeline) setStatus(status models.SubmissionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inFlight {
		p.status = status
	}
}

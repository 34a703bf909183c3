// Package ports defines the interfaces the board core needs from its external
// collaborators: the identity provider, the remote paper store and the archive
// bucket. Adapters in internal/gcp and internal/memstore implement them.
package ports

import (
	"context"

	"github.com/Lllllllleong/researchboard/internal/models"
)

// IdentityProvider establishes sessions and reports identity changes.
type IdentityProvider interface {
	EstablishAnonymous(ctx context.Context) (*models.Principal, error)
	EstablishWithToken(ctx context.Context, token string) (*models.Principal, error)
	// OnIdentityChange registers fn for every change of the signed-in principal.
	// A nil principal means signed out. The returned func unregisters fn.
	OnIdentityChange(fn func(*models.Principal)) (unsubscribe func())
}

// PaperStore is the remote document store holding the shared paper collection.
type PaperStore interface {
	// Create adds a paper with a server-assigned creation timestamp and returns its id.
	Create(ctx context.Context, ref models.CollectionRef, fields models.PaperFields) (string, error)
	// Subscribe opens a live feed of full-collection batches. The feed ends when
	// ctx is cancelled or Stop is called.
	Subscribe(ctx context.Context, ref models.CollectionRef) (BatchStream, error)
}

// BatchStream yields the complete set of papers present at each change.
type BatchStream interface {
	// Next blocks until the next batch. Batch order carries no meaning.
	Next() ([]models.Paper, error)
	Stop()
}

// ObjectWriter stores an object once; writing an existing name is a no-op.
type ObjectWriter interface {
	WriteIfAbsent(ctx context.Context, name string, content []byte) error
}

package gcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/ports"
	"google.golang.org/api/iterator"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// FIRESTORE_EMULATOR_HOST is honoured by the client library.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestorePaperStore keeps the shared paper collection in Firestore.
// It performs no server-side ordering so no composite index is needed.
type FirestorePaperStore struct {
	client *firestore.Client
}

var _ ports.PaperStore = (*FirestorePaperStore)(nil)

// NewFirestorePaperStore wraps an existing client.
func NewFirestorePaperStore(client *firestore.Client) *FirestorePaperStore {
	return &FirestorePaperStore{client: client}
}

// Create adds a new paper document with a server timestamp placeholder for createdAt.
func (s *FirestorePaperStore) Create(ctx context.Context, ref models.CollectionRef, fields models.PaperFields) (string, error) {
	docRef, _, err := s.client.Collection(ref.Path()).Add(ctx, map[string]interface{}{
		"title":     fields.Title,
		"abstract":  fields.Abstract,
		"content":   fields.Content,
		"authorId":  fields.AuthorID,
		"createdAt": firestore.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create paper document: %w", err)
	}
	return docRef.ID, nil
}

// Subscribe starts a realtime listener on the whole collection.
func (s *FirestorePaperStore) Subscribe(ctx context.Context, ref models.CollectionRef) (ports.BatchStream, error) {
	coll := s.client.Collection(ref.Path())
	if coll == nil {
		return nil, fmt.Errorf("invalid collection path %q", ref.Path())
	}
	return &snapshotStream{it: coll.Snapshots(ctx)}, nil
}

// ErrListenerStopped is returned by a stream's Next once Stop has been called.
var ErrListenerStopped = errors.New("firestore listener stopped")

type snapshotStream struct {
	it *firestore.QuerySnapshotIterator
}

func (s *snapshotStream) Next() ([]models.Paper, error) {
	qs, err := s.it.Next()
	if errors.Is(err, iterator.Done) {
		return nil, ErrListenerStopped
	}
	if err != nil {
		return nil, err
	}
	docs, err := qs.Documents.GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot documents: %w", err)
	}
	papers := make([]models.Paper, 0, len(docs))
	for _, doc := range docs {
		papers = append(papers, paperFromData(doc.Ref.ID, doc.Data()))
	}
	return papers, nil
}

func (s *snapshotStream) Stop() {
	s.it.Stop()
}

// paperFromData decodes a raw document. Missing or mistyped fields decode to
// their zero value; a null or absent createdAt stays nil.
func paperFromData(id string, data map[string]interface{}) models.Paper {
	p := models.Paper{
		ID:       id,
		Title:    stringField(data, "title"),
		Abstract: stringField(data, "abstract"),
		Content:  stringField(data, "content"),
		AuthorID: stringField(data, "authorId"),
	}
	if ts, ok := data["createdAt"].(time.Time); ok && !ts.IsZero() {
		p.CreatedAt = &ts
	}
	return p
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

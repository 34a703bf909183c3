package models

import (
	"fmt"
	"time"
)

// DefaultDeploymentID is used when no deployment identifier is configured.
const DefaultDeploymentID = "default-app-id"

// Paper is a single published document on the board as stored in Firestore.
// CreatedAt is nil while the server timestamp has not been materialized yet.
type Paper struct {
	ID        string     `firestore:"-" json:"id"`
	Title     string     `firestore:"title" json:"title"`
	Abstract  string     `firestore:"abstract" json:"abstract"`
	Content   string     `firestore:"content" json:"content"`
	AuthorID  string     `firestore:"authorId" json:"authorId"`
	CreatedAt *time.Time `firestore:"createdAt" json:"createdAt,omitempty"`
}

// PaperFields are the author-supplied fields of a new paper.
type PaperFields struct {
	Title    string
	Abstract string
	Content  string
	AuthorID string
}

// Snapshot is the full, client-side ordered set of papers known at ReceivedAt.
// A published Snapshot is never modified; it is replaced as a whole.
type Snapshot struct {
	Papers     []Paper   `json:"papers"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Len returns the number of papers in the snapshot.
func (s Snapshot) Len() int { return len(s.Papers) }

// IDs returns the paper ids in snapshot order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Papers))
	for _, p := range s.Papers {
		ids = append(ids, p.ID)
	}
	return ids
}

// CollectionRef addresses the shared paper collection of one deployment.
type CollectionRef struct {
	Deployment string
}

// NewCollectionRef returns a ref for deployment, falling back to DefaultDeploymentID.
func NewCollectionRef(deployment string) CollectionRef {
	if deployment == "" {
		deployment = DefaultDeploymentID
	}
	return CollectionRef{Deployment: deployment}
}

// Path is the slash-separated Firestore collection path.
func (r CollectionRef) Path() string {
	return fmt.Sprintf("artifacts/%s/public/data/research_papers", r.Deployment)
}

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/researchboard/internal/models"
	"github.com/Lllllllleong/researchboard/internal/ports"
)

const archiveWriteTimeout = 30 * time.Second

// SnapshotArchiver writes each distinct snapshot once to an object store,
// named by the hash of its papers. Writes happen on the archiver's own
// goroutine; only the latest pending snapshot is kept.
type SnapshotArchiver struct {
	writer  ports.ObjectWriter
	ref     models.CollectionRef
	logger  *slog.Logger
	pending chan models.Snapshot
	last    string
}

// NewSnapshotArchiver returns an archiver for ref's deployment.
func NewSnapshotArchiver(writer ports.ObjectWriter, ref models.CollectionRef, logger *slog.Logger) *SnapshotArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotArchiver{
		writer:  writer,
		ref:     ref,
		logger:  logger,
		pending: make(chan models.Snapshot, 1),
	}
}

// Observe is a CollectionSync observer. Failure events are ignored.
func (a *SnapshotArchiver) Observe(event SyncEvent) {
	if event.Err != nil {
		return
	}
	select {
	case <-a.pending:
	default:
	}
	select {
	case a.pending <- event.Snapshot:
	default:
	}
}

// Run archives pending snapshots until ctx is done.
func (a *SnapshotArchiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-a.pending:
			if _, err := a.Archive(ctx, snap); err != nil {
				a.logger.Error("Failed to archive snapshot.", "error", err, "papers", snap.Len())
			}
		}
	}
}

// Archive writes snap and returns its object name. A snapshot identical to
// the previous one is skipped.
func (a *SnapshotArchiver) Archive(ctx context.Context, snap models.Snapshot) (string, error) {
	name, content, err := ArchiveObject(a.ref, snap)
	if err != nil {
		return "", err
	}
	if name == a.last {
		return name, nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, archiveWriteTimeout)
	defer cancel()
	if err := a.writer.WriteIfAbsent(writeCtx, name, content); err != nil {
		return "", fmt.Errorf("failed to write snapshot archive %s: %w", name, err)
	}
	a.last = name
	a.logger.Info("Snapshot archived.", "object", name, "papers", snap.Len())
	return name, nil
}

// ArchiveObject encodes snap's papers and derives the content-addressed object
// name {deployment}/snapshots/{sha256}.json.
func ArchiveObject(ref models.CollectionRef, snap models.Snapshot) (string, []byte, error) {
	papers := snap.Papers
	if papers == nil {
		papers = []models.Paper{}
	}
	content, err := json.Marshal(papers)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%s/snapshots/%s.json", ref.Deployment, hex.EncodeToString(sum[:])), content, nil
}

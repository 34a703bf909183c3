package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/researchboard/internal/config"
	"github.com/Lllllllleong/researchboard/internal/gcp"
	"github.com/Lllllllleong/researchboard/internal/memstore"
	"github.com/Lllllllleong/researchboard/internal/ports"
	"github.com/Lllllllleong/researchboard/internal/server"
	"github.com/Lllllllleong/researchboard/internal/services"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		slog.Error("Board stopped with an error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		// Environment values and defaults still apply.
		logger.Warn("Ignoring unreadable config file", "error", err)
	}
	ref := cfg.CollectionRef()
	logCtx := logger.With("deploymentId", ref.Deployment, "collection", ref.Path())

	store, closeStore, err := newPaperStore(ctx, cfg, logCtx)
	if err != nil {
		return err
	}
	defer closeStore()

	var provider ports.IdentityProvider
	if cfg.AuthConfigured() {
		p, err := gcp.NewIdentityToolkitProvider(ctx, cfg.IdentityAPIKey)
		if err != nil {
			logCtx.Error("Identity provider unavailable. Falling back to a local-only identity.", "error", err)
		} else {
			provider = p
		}
	} else {
		logCtx.Warn("IDENTITY_API_KEY not set. Using a local-only identity.")
	}

	session := services.NewSessionManager(provider, cfg.AuthToken,
		services.WithAuthTimeout(cfg.AuthTimeout),
		services.WithSessionLogger(logger),
	)
	defer session.Close()
	collection := services.NewCollectionSync(store, ref, services.WithSyncLogger(logger))
	submissions := services.NewSubmissionPipeline(store, ref, session,
		services.WithWriteTimeout(cfg.WriteTimeout),
		services.WithSubmissionLogger(logger),
	)
	board := services.NewBoard(session, collection, submissions, logger)
	srv := server.New(board, "/boards/"+ref.Deployment, logger)

	eg, gctx := errgroup.WithContext(ctx)
	if cfg.ArchiveBucket != "" {
		archiver, closeArchive, err := newArchiver(gctx, cfg, logCtx)
		if err != nil {
			logCtx.Error("Snapshot archive disabled.", "error", err)
		} else {
			defer closeArchive()
			stopObserving := board.Observe(archiver.Observe)
			defer stopObserving()
			eg.Go(func() error { return archiver.Run(gctx) })
		}
	}
	eg.Go(func() error { return board.Run(gctx) })
	eg.Go(func() error { return srv.ListenAndServe(gctx, cfg.Addr) })

	logCtx.Info("Research board starting.", "addr", cfg.Addr, "firestore", cfg.StoreConfigured())
	return eg.Wait()
}

func newPaperStore(ctx context.Context, cfg config.Config, logCtx *slog.Logger) (ports.PaperStore, func(), error) {
	if !cfg.StoreConfigured() {
		logCtx.Warn("PROJECT_ID not set. Papers are kept in memory for this process only.")
		return memstore.New(), func() {}, nil
	}
	client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return gcp.NewFirestorePaperStore(client), func() { _ = client.Close() }, nil
}

func newArchiver(ctx context.Context, cfg config.Config, logCtx *slog.Logger) (*services.SnapshotArchiver, func(), error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	writer, err := gcp.NewBucketWriter(client, cfg.ArchiveBucket)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logCtx.Info("Archiving snapshots.", "bucket", cfg.ArchiveBucket)
	return services.NewSnapshotArchiver(writer, cfg.CollectionRef(), logCtx), func() { _ = client.Close() }, nil
}

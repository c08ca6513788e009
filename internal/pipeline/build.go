package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adraguidev/reportsync/internal/config"
	"github.com/adraguidev/reportsync/internal/credentials"
	"github.com/adraguidev/reportsync/internal/fetch"
	rshttp "github.com/adraguidev/reportsync/internal/http"
	"github.com/adraguidev/reportsync/internal/ledger"
	"github.com/adraguidev/reportsync/internal/lock"
	"github.com/adraguidev/reportsync/internal/metrics"
	"github.com/adraguidev/reportsync/internal/progress"
	"github.com/adraguidev/reportsync/internal/publish"
)

// NewFetcher builds the report fetcher described by cfg.
func NewFetcher(cfg config.Config, creds rshttp.CredentialSource, logger *slog.Logger, sink progress.Sink) *fetch.Fetcher {
	client := rshttp.NewClient(rshttp.Options{
		MaxIdleConnsPerHost: cfg.Workers,
		Timeout:             cfg.RequestTimeout,
		Auth:                rshttp.AuthScheme(cfg.Auth),
	}, creds)

	policy := fetch.DefaultPolicy()
	policy.Base = cfg.Retry.Backoff
	policy.MaxAttempts = cfg.Retry.Attempts
	policy.MaxJitter = cfg.Retry.MaxJitter

	return &fetch.Fetcher{
		Client: client,
		Lock: lock.Options{
			WaitTimeout:  cfg.Lock.WaitTimeout,
			StaleAge:     cfg.Lock.StaleMaxAge,
			PollInterval: cfg.Lock.WaitInterval,
			Logger:       logger,
		},
		ChunkSize:       int(cfg.ChunkSize),
		InterChunkDelay: cfg.InterChunkDelay,
		DirectDownload:  cfg.DirectDownload,
		Policy:          policy,
		Logger:          logger,
		Sink:            sink,
	}
}

// OpenLedger returns the Postgres ledger when cfg names a database and an
// in-memory one otherwise.
func OpenLedger(ctx context.Context, cfg config.Config) (ledger.Repo, error) {
	if cfg.Ledger.DatabaseURL == "" {
		return ledger.NewInMemoryRepo(), nil
	}
	return ledger.NewPostgresRepo(ctx, cfg.Ledger.DatabaseURL)
}

// ApplyStoredServer points cfg at the server saved with the credentials,
// if any.
func ApplyStoredServer(cfg *config.Config, c credentials.Credentials) {
	if c.ServerURL != "" {
		cfg.BaseURL = c.ServerURL
	}
}

// New assembles a pipeline for cfg: credentials-backed fetcher, ledger,
// metrics and publisher. The returned close function drops pooled server
// connections and releases the ledger and the bucket.
func New(ctx context.Context, cfg config.Config, store *credentials.Store, logger *slog.Logger, sink progress.Sink) (*Pipeline, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if store != nil {
		stored, err := store.Load()
		if err != nil {
			return nil, nil, err
		}
		ApplyStoredServer(&cfg, stored)
	}

	repo, err := OpenLedger(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errStorage, err)
	}

	p := &Pipeline{
		Config:  cfg,
		Ledger:  repo,
		Metrics: metrics.New(),
		Sink:    sink,
		Logger:  logger,
	}

	var creds rshttp.CredentialSource
	if store != nil {
		creds = store
	}
	fetcher := NewFetcher(cfg, creds, logger, sink)
	p.Fetcher = fetcher

	var pub *publish.Publisher
	if cfg.Publish.Bucket != "" {
		pub, err = publish.Open(ctx, cfg.Publish.Bucket, cfg.Publish.Prefix, logger)
		if err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("%w: %w", errStorage, err)
		}
		p.Publisher = pub
	}

	closeFn := func() error {
		if c, ok := fetcher.Client.(*rshttp.Client); ok {
			c.CloseIdleConnections()
		}
		var errs []error
		if pub != nil {
			errs = append(errs, pub.Close())
		}
		errs = append(errs, repo.Close())
		return errors.Join(errs...)
	}
	return p, closeFn, nil
}

// errStorage marks setup failures of the ledger or bucket.
var errStorage = errors.New("pipeline: storage unavailable")

// IsStorageError reports whether err came from opening shared storage.
func IsStorageError(err error) bool {
	return errors.Is(err, errStorage)
}

// Package app constructs the fieldops service context once and injects it
// into every handler. Nothing in the module reaches for process globals.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/jacentio/fieldops/assetsync"
	"github.com/jacentio/fieldops/cipher"
	"github.com/jacentio/fieldops/config"
	"github.com/jacentio/fieldops/entity"
	"github.com/jacentio/fieldops/internal/logging"
	"github.com/jacentio/fieldops/ledger"
	"github.com/jacentio/fieldops/link"
	"github.com/jacentio/fieldops/regionlock"
	"github.com/jacentio/fieldops/store"
	"github.com/jacentio/fieldops/stream"
)

// App holds every constructed component.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Repo     store.Repository
	Cipher   *cipher.Cipher
	Ledger   *ledger.Ledger
	Locker   *regionlock.Locker
	Entities *entity.Service
	Links    *link.Coordinator

	// Syncer is nil when asset sync is not configured.
	Syncer assetsync.Syncer
	Stream *stream.Handler
}

// New loads AWS credentials and builds the DynamoDB and KMS clients, then
// assembles the service context on top of them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.New(cfg.Logging, os.Stdout)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	repo := store.New(ddb, cfg.StoreConfig())

	var provider cipher.KeyProvider
	if cfg.Encryption.KMSKeyID != "" {
		provider = cipher.NewKMSProvider(kms.NewFromConfig(awsCfg), cfg.Encryption.KMSKeyID)
	} else {
		logger.Warn("no kms key configured",
			"environment", cfg.Encryption.Environment,
			"allowLocalFallback", cfg.Encryption.AllowLocalFallback,
		)
	}

	return Assemble(cfg, repo, provider, logger), nil
}

// Assemble wires the components over an existing repository and key
// provider. provider may be nil.
func Assemble(cfg *config.Config, repo store.Repository, provider cipher.KeyProvider, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	sc := cfg.StoreConfig()

	opts := cfg.CipherOptions()
	opts.Logger = logger
	c := cipher.New(provider, opts)

	l := ledger.New(repo, sc.Table, ledger.Options{})
	locker := regionlock.New(repo, sc.LockTable)

	var syncer assetsync.Syncer
	if cfg.AssetSync.Enabled() {
		syncer = assetsync.NewClient(cfg.AssetSyncClient(), logger.With("component", "assetsync"))
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Repo:     repo,
		Cipher:   c,
		Ledger:   l,
		Locker:   locker,
		Entities: entity.New(repo, sc, c, l, locker, entity.Options{Logger: logger.With("component", "entity")}),
		Links:    link.New(repo, sc, l, link.Options{Syncer: syncer, Logger: logger.With("component", "link")}),
		Syncer:   syncer,
		Stream:   stream.NewHandler(syncer, logger.With("component", "stream")),
	}
}

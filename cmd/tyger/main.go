package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tyger/internal/api"
	"tyger/internal/backend"
	"tyger/internal/backend/kubernetes"
	"tyger/internal/backend/local"
	"tyger/internal/buffer"
	"tyger/internal/bufferprovider"
	cloudprovider "tyger/internal/bufferprovider/cloud"
	localprovider "tyger/internal/bufferprovider/local"
	"tyger/internal/config"
	"tyger/internal/deleter"
	"tyger/internal/logs"
	"tyger/internal/obslog"
	"tyger/internal/run"
	"tyger/internal/signing"
	"tyger/internal/store"
	"tyger/internal/store/migrations"
	"tyger/internal/sweeper"
)

func main() {
	app := &cli.App{
		Name:    "tyger",
		Usage:   "Tyger control plane - orchestrates containerized signal-processing runs",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a JSON or YAML config file",
				EnvVars: []string{"TYGER_CONFIG"},
				Value:   "/etc/tyger/config.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "Start the control plane server and background loops",
				Action: runServer,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host", Usage: "override server.host"},
					&cli.IntFlag{Name: "port", Usage: "override server.port"},
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply pending database migrations",
				Action: runMigrate,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "target", Usage: "target schema version (0 means latest)"},
					&cli.BoolFlag{Name: "offline", Usage: "skip the replica-readiness gate"},
				},
			},
			{
				Name:   "sweep-once",
				Usage:  "Run a single pass of every sweeper reconciliation loop and exit",
				Action: runSweepOnce,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads c's --config file (parsed as YAML, falling back to
// JSON; the file extension is not consulted) into a map and parses it through config.ParseConfig, the same loosely
// typed ingestion path internal/docker.ParseConfig's callers use for a
// secrets-manager payload.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var data map[string]interface{}
	if err := yaml.Unmarshal(body, &data); err != nil {
		if jsonErr := json.Unmarshal(body, &data); jsonErr != nil {
			return nil, fmt.Errorf("parsing config file %q as YAML or JSON: %w", path, err)
		}
	}

	cfg, err := config.ParseConfig(data)
	if err != nil {
		return nil, err
	}

	if h := c.String("host"); h != "" {
		cfg.Server.Host = h
	}
	if p := c.Int("port"); p != 0 {
		cfg.Server.Port = p
	}
	return cfg, nil
}

// buildBackend constructs the execution backend selected by cfg.Backend.Kind.
func buildBackend(cfg *config.Config) (backend.ContainerBackend, error) {
	switch cfg.Backend.Kind {
	case config.BackendLocal:
		return local.New(local.Config{
			Host:           cfg.Backend.Local.Host,
			APIVersion:     cfg.Backend.Local.APIVersion,
			RunSecretsPath: cfg.Backend.Local.RunSecretsPath,
		})
	case config.BackendKubernetes:
		return kubernetes.New(kubernetes.Config{
			Namespace:  cfg.Backend.Kubernetes.Namespace,
			Kubeconfig: cfg.Backend.Kubernetes.Kubeconfig,
			Context:    cfg.Backend.Kubernetes.Context,
		})
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// buildBufferProvider constructs the buffer-storage provider selected by
// cfg.Buffers.Provider, initializing the process-wide HMAC signer first
// when the local provider needs one to mint access tokens.
func buildBufferProvider(ctx context.Context, cfg *config.Config) (bufferprovider.Provider, error) {
	switch cfg.Buffers.Provider {
	case config.ProviderCloud:
		accounts := make([]cloudprovider.AccountConfig, len(cfg.Buffers.CloudAccounts))
		for i, a := range cfg.Buffers.CloudAccounts {
			accounts[i] = cloudprovider.AccountConfig{
				Name: a.Name, Location: a.Location, Endpoint: a.Endpoint, Bucket: a.Bucket,
				AccessKeyID: a.AccessKeyID, SecretAccessKey: a.SecretAccessKey, Region: a.Region, UseSSL: a.UseSSL,
			}
		}
		return cloudprovider.New(ctx, accounts)
	case config.ProviderLocal:
		if err := signing.Init(cfg.Signing.PrimaryKeyBase64, cfg.Signing.SecondaryKeyBase64); err != nil {
			return nil, err
		}
		return localprovider.New(localprovider.Config{
			Root:       cfg.Buffers.LocalRoot,
			TCPAddr:    cfg.Buffers.LocalTCPAddr,
			SocketPath: cfg.Buffers.LocalSocketPath,
		}, signing.DefaultSigner)
	default:
		return nil, fmt.Errorf("unknown buffer provider kind %q", cfg.Buffers.Provider)
	}
}

// buildArchiveStore constructs the log archiver's object-storage backend,
// reusing the cloud account's credentials when one buffer provider is
// configured, or a filesystem tree alongside the local provider.
func buildArchiveStore(cfg *config.Config) (logs.ArchiveStore, error) {
	if cfg.Buffers.Provider == config.ProviderLocal {
		root := cfg.Buffers.ArchiveRoot
		if root == "" {
			root = cfg.Buffers.LocalRoot + "-logs"
		}
		return &logs.FilesystemArchiveStore{Root: root}, nil
	}

	if len(cfg.Buffers.CloudAccounts) == 0 {
		return nil, fmt.Errorf("buffers.cloudAccounts must have at least one entry to archive logs")
	}
	a := cfg.Buffers.CloudAccounts[0]
	client, err := minio.New(a.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(a.AccessKeyID, a.SecretAccessKey, ""),
		Secure: a.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("building log archive minio client: %w", err)
	}
	bucket := cfg.Buffers.ArchiveBucket
	if bucket == "" {
		bucket = a.Bucket
	}
	return &logs.MinioArchiveStore{Client: client, Bucket: bucket}, nil
}

func durationOr(cfg string, fallback time.Duration) time.Duration {
	d, err := config.Duration(cfg)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}

func runServer(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, logger := obslog.PrepareLogger(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runner := migrations.NewRunner(st.DB(), nil, nil)
	if err := runner.Apply(ctx, 0, true); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	be, err := buildBackend(cfg)
	if err != nil {
		return fmt.Errorf("building backend: %w", err)
	}

	provider, err := buildBufferProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building buffer provider: %w", err)
	}

	buffers, err := buffer.New(st, provider, buffer.Config{
		ActiveLifetime:      durationOr(cfg.Buffers.ActiveLifetime, 0),
		SoftDeletedLifetime: durationOr(cfg.Buffers.SoftDeletedLifetime, 7*24*time.Hour),
		DefaultLocation:     cfg.Buffers.DefaultLocation,
	})
	if err != nil {
		return fmt.Errorf("building buffer manager: %w", err)
	}

	runs := run.New(st, buffers, be, run.Config{
		NeverScheduledGrace: durationOr(cfg.Sweeper.NeverScheduledGrace, 5*time.Minute),
	})

	archiveStore, err := buildArchiveStore(cfg)
	if err != nil {
		return fmt.Errorf("building log archive store: %w", err)
	}
	logSvc := logs.New(be, st, archiveStore)

	sw := sweeperFor(st, runs, be, logSvc, cfg)
	del := deleter.New(st, provider, durationOr(cfg.Buffers.SoftDeletedLifetime, 7*24*time.Hour))
	secretUpdater := run.NewRunSecretUpdater(runs)

	go sw.Run(ctx)
	go del.Run(ctx)
	go secretUpdater.Run(ctx)

	router := api.NewRouter()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func runMigrate(c *cli.Context) error {
	ctx := context.Background()
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runner := migrations.NewRunner(st.DB(), nil, nil)
	if err := runner.Apply(ctx, c.Int("target"), c.Bool("offline")); err != nil {
		return err
	}
	log.Println("migrations applied")
	return nil
}

func runSweepOnce(c *cli.Context) error {
	ctx := context.Background()
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	be, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	provider, err := buildBufferProvider(ctx, cfg)
	if err != nil {
		return err
	}
	buffers, err := buffer.New(st, provider, buffer.Config{
		SoftDeletedLifetime: durationOr(cfg.Buffers.SoftDeletedLifetime, 7*24*time.Hour),
	})
	if err != nil {
		return err
	}
	runs := run.New(st, buffers, be, run.Config{})

	archiveStore, err := buildArchiveStore(cfg)
	if err != nil {
		return err
	}
	logSvc := logs.New(be, st, archiveStore)

	sweeperFor(st, runs, be, logSvc, cfg).Tick(ctx)
	log.Println("sweep complete")
	return nil
}

// sweeperFor builds a sweeper with the process's configured grace periods.
func sweeperFor(st *store.Store, runs *run.Service, be backend.ContainerBackend, archiver sweeper.LogArchiver, cfg *config.Config) *sweeper.Sweeper {
	return sweeper.New(st, runs, be, archiver, sweeper.Config{
		NeverScheduledGrace: durationOr(cfg.Sweeper.NeverScheduledGrace, 5*time.Minute),
		FinalizeSettleTime:  durationOr(cfg.Sweeper.FinalizeSettleTime, 30*time.Second),
	})
}

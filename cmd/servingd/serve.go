package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/raulk/go-watchdog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"servingd/internal/daemon"
	"servingd/internal/extension"
	"servingd/internal/httpapi"
	"servingd/internal/journal"
	"servingd/internal/manager"
	"servingd/internal/sequence"
	"servingd/internal/storage"
)

type serveOptions struct {
	configPath string
	addr       string

	watchInterval           time.Duration
	sequenceCleanerInterval time.Duration
	resourceCleanerInterval time.Duration
	sessionIdleTimeout      time.Duration
	reconcileConcurrency    int

	backend      string
	llamaCtx     int
	llamaThreads int

	downloadDir    string
	s3Region       string
	gcsEnabled     bool
	gcsCredentials string

	journalEnabled bool
	journalDir     string

	memoryLimitMB   int
	maxBodyBytes    int
	inferTimeout    time.Duration
	shutdownTimeout time.Duration

	corsEnabled bool
	corsOrigins string
	corsMethods string
	corsHeaders string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve models and pipelines from a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := stderrLogger(root)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), o, log)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", envStr("SERVINGD_CONFIG", ""), "Configuration file (.json, .yaml, .toml, .hcl)")
	f.StringVar(&o.addr, "addr", envStr("SERVINGD_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	f.DurationVar(&o.watchInterval, "watch-interval", envDur("SERVINGD_WATCH_INTERVAL", time.Second), "How often the configuration file is checked for changes")
	f.DurationVar(&o.sequenceCleanerInterval, "sequence-cleaner-interval", envDur("SERVINGD_SEQUENCE_CLEANER_INTERVAL", daemon.DefaultSequenceCleanerInterval), "Idle sequence eviction period (negative disables)")
	f.DurationVar(&o.resourceCleanerInterval, "resource-cleaner-interval", envDur("SERVINGD_RESOURCE_CLEANER_INTERVAL", daemon.DefaultResourceCleanerInterval), "Shared resource cleanup period (negative disables)")
	f.DurationVar(&o.sessionIdleTimeout, "session-idle-timeout", envDur("SERVINGD_SESSION_IDLE_TIMEOUT", daemon.DefaultSessionIdleTimeout), "Drop pipeline sessions idle this long (negative disables)")
	f.IntVar(&o.reconcileConcurrency, "reconcile-concurrency", envInt("SERVINGD_RECONCILE_CONCURRENCY", 4), "Models reconciled in parallel")
	f.StringVar(&o.backend, "backend", envStr("SERVINGD_BACKEND", "identity"), "Model backend: identity|llama")
	f.IntVar(&o.llamaCtx, "llama-ctx", envInt("SERVINGD_LLAMA_CTX", 2048), "llama context size")
	f.IntVar(&o.llamaThreads, "llama-threads", envInt("SERVINGD_LLAMA_THREADS", 4), "llama threads")
	f.StringVar(&o.downloadDir, "download-dir", envStr("SERVINGD_DOWNLOAD_DIR", filepath.Join(os.TempDir(), "servingd")), "Local directory for versions downloaded from S3 or GCS")
	f.StringVar(&o.s3Region, "s3-region", envStr("SERVINGD_S3_REGION", ""), "Enable s3:// repositories in this AWS region")
	f.BoolVar(&o.gcsEnabled, "gcs", envBool("SERVINGD_GCS", false), "Enable gs:// repositories")
	f.StringVar(&o.gcsCredentials, "gcs-credentials", envStr("SERVINGD_GCS_CREDENTIALS", ""), "GCS service account key file (default application credentials)")
	f.BoolVar(&o.journalEnabled, "journal", envBool("SERVINGD_JOURNAL", true), "Record version lifecycle events")
	f.StringVar(&o.journalDir, "journal-dir", envStr("SERVINGD_JOURNAL_DIR", ""), "Journal directory (empty keeps the journal in memory)")
	f.IntVar(&o.memoryLimitMB, "memory-limit-mb", envInt("SERVINGD_MEMORY_LIMIT_MB", 0), "Run the memory watchdog against this limit (0 disables)")
	f.IntVar(&o.maxBodyBytes, "max-body-bytes", envInt("SERVINGD_MAX_BODY_BYTES", 1<<20), "Maximum infer request body size")
	f.DurationVar(&o.inferTimeout, "infer-timeout", envDur("SERVINGD_INFER_TIMEOUT", 0), "Infer request timeout (0 disables)")
	f.DurationVar(&o.shutdownTimeout, "shutdown-timeout", envDur("SERVINGD_SHUTDOWN_TIMEOUT", 10*time.Second), "Graceful shutdown bound")
	f.BoolVar(&o.corsEnabled, "cors-enabled", envBool("SERVINGD_CORS_ENABLED", false), "Enable CORS")
	f.StringVar(&o.corsOrigins, "cors-origins", envStr("SERVINGD_CORS_ORIGINS", ""), "Comma separated allowed origins")
	f.StringVar(&o.corsMethods, "cors-methods", envStr("SERVINGD_CORS_METHODS", ""), "Comma separated allowed methods")
	f.StringVar(&o.corsHeaders, "cors-headers", envStr("SERVINGD_CORS_HEADERS", ""), "Comma separated allowed headers")
	return cmd
}

func (o *serveOptions) modelBackend() (manager.Backend, error) {
	switch o.backend {
	case "identity", "":
		return manager.IdentityBackend{}, nil
	case "llama":
		if !manager.LlamaBuilt() {
			return nil, fmt.Errorf("--backend=llama requires a binary built with -tags=llama")
		}
		return manager.NewLlamaBackend(o.llamaCtx, o.llamaThreads), nil
	default:
		return nil, fmt.Errorf("unknown --backend %q", o.backend)
	}
}

// storageResolver enables the remote repositories requested by flags.
func (o *serveOptions) storageResolver(ctx context.Context, log zerolog.Logger) (*storage.Resolver, func(), error) {
	res := &storage.Resolver{Local: storage.NewLocal(log)}
	closeFn := func() {}
	if o.s3Region != "" {
		sess, err := session.NewSession(&aws.Config{
			Region:                        aws.String(o.s3Region),
			CredentialsChainVerboseErrors: aws.Bool(true),
		})
		if err != nil {
			return nil, closeFn, fmt.Errorf("aws session: %w", err)
		}
		res.S3 = storage.NewS3(s3.New(sess), o.downloadDir, log)
	}
	if o.gcsEnabled {
		var opts []option.ClientOption
		if o.gcsCredentials != "" {
			opts = append(opts, option.WithCredentialsFile(o.gcsCredentials))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, closeFn, fmt.Errorf("gcs client: %w", err)
		}
		res.GCS = storage.NewGCS(client, o.downloadDir, log)
		closeFn = func() { _ = client.Close() }
	}
	return res, closeFn, nil
}

func runServe(ctx context.Context, o *serveOptions, log zerolog.Logger) error {
	if o.configPath == "" {
		return errors.New("--config is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.memoryLimitMB > 0 {
		err, stopWatchdog := watchdog.SystemDriven(uint64(o.memoryLimitMB)<<20, 5*time.Second, watchdog.NewAdaptivePolicy(0.5))
		if err != nil {
			log.Warn().Err(err).Msg("memory watchdog unavailable")
		} else {
			defer stopWatchdog()
		}
	}

	backend, err := o.modelBackend()
	if err != nil {
		return err
	}
	res, closeStorage, err := o.storageResolver(ctx, log)
	if err != nil {
		return err
	}
	defer closeStorage()

	var j *journal.Journal
	if o.journalEnabled {
		if j, err = journal.Open(journal.Config{Dir: o.journalDir, SyncWrites: o.journalDir != "", Logger: log}); err != nil {
			return err
		}
		defer j.Close()
	}

	d := daemon.New(daemon.Config{
		ConfigPath: o.configPath,
		Manager: manager.ManagerConfig{
			Backend:              backend,
			Storage:              res,
			Extensions:           extension.NewRegistry(extension.PluginLoader{}, log),
			Sequences:            sequence.NewViewer(),
			WatchInterval:        o.watchInterval,
			ReconcileConcurrency: o.reconcileConcurrency,
		},
		Journal:                 j,
		SequenceCleanerInterval: o.sequenceCleanerInterval,
		ResourceCleanerInterval: o.resourceCleanerInterval,
		SessionIdleTimeout:      o.sessionIdleTimeout,
		Logger:                  log,
	})

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(int64(o.maxBodyBytes))
	httpapi.SetInferTimeoutSeconds(int64(o.inferTimeout / time.Second))
	httpapi.SetCORSOptions(o.corsEnabled, splitCSV(o.corsOrigins), splitCSV(o.corsMethods), splitCSV(o.corsHeaders))
	srv := &http.Server{Addr: o.addr, Handler: httpapi.NewMux(d), ReadHeaderTimeout: 10 * time.Second}

	// Serve probes while the initial configuration loads; /readyz reports 503
	// until it is applied.
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", o.addr).Str("config", o.configPath).Str("backend", o.backend).Msg("servingd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	if err := d.Start(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			_ = d.Stop(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return d.Stop(sctx)
}

// Autopilotd runs the propose/approve/execute pipeline and the pull request
// lifecycle API.
//
// Configuration is read from ~/.config/autopilot/config.yaml (or -config) and
// overridden by environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults (in-memory store, no code host)
//	autopilotd
//
//	# Manage a repository
//	GITHUB_TOKEN=... GITHUB_REPO=acme/site GIT_PATH=/srv/site autopilotd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/actions"
	"github.com/fyrsmithlabs/autopilot/internal/clock"
	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/drafting"
	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/fyrsmithlabs/autopilot/internal/http"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/pae"
	"github.com/fyrsmithlabs/autopilot/internal/proposal"
	"github.com/fyrsmithlabs/autopilot/internal/secrets"
	"github.com/fyrsmithlabs/autopilot/internal/telemetry"
	"github.com/fyrsmithlabs/autopilot/internal/vcs"
	"github.com/fyrsmithlabs/autopilot/internal/worktree"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/autopilot/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  autopilotd [-config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  autopilotd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("autopilot by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens the proposal store, event publisher and code host
//  4. Wires the orchestrator and the pipeline executors
//  5. Serves HTTP until ctx is cancelled, then shuts down gracefully
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = version
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if degraded, problems := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("problems", problems))
	}

	logger.Info(ctx, "starting autopilot",
		zap.String("version", version),
		zap.String("log_level", logger.Level()),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Duration("token_ttl", cfg.Approval.TokenTTL))

	deps, err := initDependencies(ctx, cfg, tel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info(ctx, "dependencies initialized",
		zap.Bool("nats_connected", deps.natsConnected),
		zap.Bool("code_host", deps.changes != nil),
		zap.Bool("working_copy", deps.workingCopy),
		zap.Bool("redis_lock", deps.redis != nil))

	pipelineOpts := []pae.Option{
		pae.WithEvents(deps.events),
		pae.WithMetrics(deps.metrics),
		pae.WithLogger(logger.Named("pae")),
		pae.WithTracer(tel.Tracer("github.com/fyrsmithlabs/autopilot/internal/pae")),
		pae.WithTokenTTL(cfg.Approval.TokenTTL),
	}
	// A nil *Orchestrator must not reach actions.Options as a non-nil interface.
	var changes actions.Changes
	if deps.changes != nil {
		changes = deps.changes
	}
	pipelineOpts = append(pipelineOpts, actions.Options(changes, deps.events, clock.Real{})...)
	pipeline := pae.New(deps.store, pipelineOpts...)

	serverOpts := []http.Option{http.WithMetrics(deps.metrics), http.WithEvents(deps.events)}
	if deps.changes != nil {
		serverOpts = append(serverOpts, http.WithChanges(deps.changes))
	}
	srv, err := http.NewServer(pipeline, logger.Named("http"), &http.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		AdminToken:    cfg.Server.AdminToken,
		WebhookSecret: cfg.GitHub.WebhookSecret,
	}, serverOpts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	if !cfg.Server.AdminToken.IsSet() {
		logger.Warn(ctx, "server.admin_token is not set; the operator API is unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, stdhttp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	store         proposal.Store
	events        events.Publisher
	natsConnected bool
	metrics       *metrics.Metrics
	redis         *redis.Client
	changes       *orchestrator.Orchestrator
	workingCopy   bool
	logger        *logging.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	ctx := context.Background()
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			d.logger.Warn(ctx, "failed to close event publisher", zap.Error(err))
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Warn(ctx, "failed to close redis client", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn(ctx, "failed to close proposal store", zap.Error(err))
		}
	}
}

func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg, err := logging.FromOperator(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceName != "" {
		logCfg.Fields["service"] = cfg.Telemetry.ServiceName
	}
	if lp := tel.LoggerProvider(); lp != nil {
		logCfg.Output.OTEL = true
		return logging.NewLogger(logCfg, lp)
	}
	return logging.NewLogger(logCfg, nil)
}

// initDependencies opens every backend the configuration names.
//
// The code host is optional: without github.repo the daemon still runs the
// pipeline, and merge and edit proposals fail at execution.
func initDependencies(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *logging.Logger) (deps *dependencies, err error) {
	deps = &dependencies{
		metrics: metrics.New(),
		events:  events.Nop{},
		logger:  logger,
	}
	defer func() {
		if err != nil {
			deps.Close()
			deps = nil
		}
	}()

	deps.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return deps, err
	}
	logger.Info(ctx, "proposal store ready", zap.String("driver", cfg.Store.Driver))

	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return deps, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		deps.events = pub
		deps.natsConnected = true
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	if cfg.GitHub.Repo == "" {
		logger.Warn(ctx, "github.repo is not set; change routes are disabled")
		return deps, nil
	}

	host, err := vcs.NewGitHub(ctx, vcs.GitHubConfig{
		Token:             cfg.GitHub.Token,
		Owner:             cfg.GitHub.Owner(),
		Repo:              cfg.GitHub.Name(),
		APIURL:            cfg.GitHub.APIURL,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
		Burst:             cfg.GitHub.Burst,
	})
	if err != nil {
		return deps, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	logger.Info(ctx, "code host ready", zap.String("repo", host.Repository()))

	orchOpts := []orchestrator.Option{
		orchestrator.WithEvents(deps.events),
		orchestrator.WithMetrics(deps.metrics),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithTracer(tel.Tracer("github.com/fyrsmithlabs/autopilot/internal/orchestrator")),
	}

	if cfg.Git.Path != "" {
		repo, err := openWorkingCopy(ctx, cfg, deps, logger)
		if err != nil {
			return deps, err
		}
		orchOpts = append(orchOpts, orchestrator.WithWorkingCopy(repo))
		deps.workingCopy = true
	}

	guard, err := secrets.NewScanner(secretsConfig(cfg.Secrets))
	if err != nil {
		return deps, fmt.Errorf("invalid secrets configuration: %w", err)
	}
	orchOpts = append(orchOpts, orchestrator.WithSecretGuard(guard))

	if cfg.Drafting.APIKey.IsSet() {
		drafter, err := drafting.NewOpenAI(drafting.OpenAIConfig{
			APIKey:  cfg.Drafting.APIKey.Value(),
			BaseURL: cfg.Drafting.BaseURL,
			Model:   cfg.Drafting.Model,
			Logger:  logger.Named("drafting"),
		})
		if err != nil {
			return deps, fmt.Errorf("failed to create drafter: %w", err)
		}
		orchOpts = append(orchOpts, orchestrator.WithDrafter(drafter))
	}

	deps.changes, err = orchestrator.New(host, orchestrator.Config{
		BaseBranch:   cfg.GitHub.BaseBranch,
		BranchPrefix: cfg.GitHub.BranchPrefix,
		AuthorName:   cfg.Git.AuthorName,
		AuthorEmail:  cfg.Git.AuthorEmail,
		Poll: orchestrator.PollOptions{
			MaxAttempts: cfg.Poll.MaxAttempts,
			Interval:    cfg.Poll.Interval,
		},
		AllowedPaths: cfg.Edit.AllowedPaths,
	}, orchOpts...)
	if err != nil {
		return deps, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return deps, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (proposal.Store, error) {
	if cfg.Driver == "memory" {
		return proposal.NewMemoryStore(), nil
	}
	store, err := proposal.Open(ctx, cfg.Driver, cfg.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s proposal store: %w", cfg.Driver, err)
	}
	return store, nil
}

func openWorkingCopy(ctx context.Context, cfg *config.Config, deps *dependencies, logger *logging.Logger) (*worktree.Repo, error) {
	opts := []worktree.Option{
		worktree.WithRunner(worktree.ExecRunner{Binary: cfg.Git.Binary}),
		worktree.WithLogger(logger.Named("worktree")),
	}
	if cfg.Lock.RedisAddr != "" {
		deps.redis = redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		if err := deps.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Lock.RedisAddr, err)
		}
		opts = append(opts, worktree.WithLocker(worktree.NewRedisLocker(deps.redis, cfg.Lock.Key, cfg.Lock.TTL)))
		logger.Info(ctx, "working copy lock held in redis", zap.String("key", cfg.Lock.Key))
	}

	repo, err := worktree.Open(worktree.Config{
		Path:        cfg.Git.Path,
		Remote:      cfg.Git.Remote,
		AuthorName:  cfg.Git.AuthorName,
		AuthorEmail: cfg.Git.AuthorEmail,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open working copy: %w", err)
	}
	return repo, nil
}

func secretsConfig(cfg config.SecretsConfig) *secrets.Config {
	sc := secrets.DefaultConfig()
	sc.Enabled = !cfg.Disabled
	sc.AllowList = cfg.AllowList
	sc.SkipPaths = cfg.SkipPaths
	return sc
}

// Command querygate serves the reattach and query-cache RPC surface over
// WebSocket and SSE.
//
// The daemon does not produce responses itself. A producer embedded in the
// same process obtains a session from the execution manager, calls
// Session.StartExecution, streams with Execution.Append and finishes with
// Execution.Complete. A producer that owns a long-running query registers its
// handle with querycache.Cache.Register so clients can find it with
// query.lookup; closing the session stops it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/basket/querygate/internal/audit"
	"github.com/basket/querygate/internal/bus"
	"github.com/basket/querygate/internal/config"
	"github.com/basket/querygate/internal/execution"
	"github.com/basket/querygate/internal/gateway"
	otelPkg "github.com/basket/querygate/internal/otel"
	"github.com/basket/querygate/internal/persistence"
	"github.com/basket/querygate/internal/querycache"
	"github.com/basket/querygate/internal/reattach"
	"github.com/basket/querygate/internal/retention"
	"github.com/basket/querygate/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

var quietFlag = flag.Bool("quiet", false, "log to file only, not stdout")

const (
	limiterEvictInterval = time.Minute
	limiterMaxIdle       = 10 * time.Minute
)

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage of %[1]s:

  %[1]s                  Start the gateway daemon
  %[1]s status           Show daemon health status (/healthz)
  %[1]s version          Print the version

FLAGS:
`, filepath.Base(os.Args[0]))
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  QUERYGATE_HOME          Data directory (default: ~/.querygate)
  QUERYGATE_AUTH_TOKEN    Bearer token for RPC and stream clients
  QUERYGATE_BIND_ADDR     Listen address (default: 127.0.0.1:18790)
`)
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	if err := run(ctx, *quietFlag); err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(se.logger, se.reasonCode, se.err)
		}
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

// startupError carries the reason code of a failed startup phase.
type startupError struct {
	logger     *slog.Logger
	reasonCode string
	err        error
}

func (e *startupError) Error() string { return e.reasonCode + ": " + e.err.Error() }

func (e *startupError) Unwrap() error { return e.err }

func startupFailure(logger *slog.Logger, reasonCode string, err error) error {
	return &startupError{logger: logger, reasonCode: reasonCode, err: err}
}

func run(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return startupFailure(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so E_LOGGER_INIT failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return startupFailure(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return startupFailure(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())
	warnOpenBind(logger, cfg)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.WithoutCancel(ctx)) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return startupFailure(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "querygate.db"), nil)
	if err != nil {
		return startupFailure(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// No sender survives a restart, so executions left running are abandoned.
	abandoned, err := store.AbandonRunningExecutions(ctx)
	if err != nil {
		return startupFailure(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "abandoned_executions", abandoned)

	manager := execution.NewManager(execution.Config{
		Store:        store,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		IdleTimeout:  cfg.SessionIdleTimeout(),
		ReapInterval: cfg.ReapInterval(),
	})

	queries := querycache.New(querycache.Config{
		KeepAlive:                     manager.KeepAlive,
		StoppedQueryInactivityTimeout: cfg.QueryTimeout(),
		PollInterval:                  cfg.PollInterval(),
		Logger:                        logger,
		Metrics:                       metrics,
		Bus:                           eventBus,
	})
	defer queries.Shutdown()
	manager.SetOnSessionClosed(func(ctx context.Context, userID, sessionID string) {
		stopped := queries.CleanupRunningQueries(ctx, querycache.Owner{UserID: userID, SessionID: sessionID})
		if stopped > 0 {
			logger.Info("session queries stopped", "user_id", userID, "session_id", sessionID, "stopped", stopped)
		}
	})
	manager.Start(ctx)
	defer manager.Stop()

	coordinator := reattach.New(reattach.Config{
		Registry: reattach.NewRegistry(manager),
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
	})

	pruner, err := retention.NewScheduler(retention.Config{
		Store:    store,
		Logger:   logger,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   cfg.RetentionMaxAge(),
	})
	if err != nil {
		return startupFailure(logger, "E_RETENTION_SCHEDULE", err)
	}
	pruner.Start(ctx)
	defer pruner.Stop()

	authToken, err := loadAuthToken(cfg.HomeDir, cfg.AuthToken)
	if err != nil {
		return startupFailure(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return startupFailure(logger, "E_CONFIG_WATCHER_START", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Manager:           manager,
		Reattach:          coordinator,
		Queries:           queries,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		RateLimit:         cfg.RateLimit,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
	})
	gw.Limiter().StartEviction(ctx, limiterEvictInterval, limiterMaxIdle)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return startupFailure(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		return startupFailure(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws", "sse", "/api/v1/execution/stream")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		watchConfig(gctx, confWatcher.Changes(), queries, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}
		// Stop intake first, then release sessions within the drain budget.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
		if drainTimeout <= 0 {
			drainTimeout = 5 * time.Second
		}
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelDrain()
		closed := manager.CloseAll(drainCtx, "shutdown")
		logger.Info("sessions drained", "closed", closed)
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// watchConfig applies hot-reloadable settings until events closes or ctx ends.
func watchConfig(ctx context.Context, changes <-chan config.Change, queries *querycache.Cache, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			logger.Info("config hot-reload event", "path", ch.Path, "ops", ch.Ops.String(), "edits", ch.Edits)
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			queries.SetInactivityTimeout(newCfg.QueryTimeout())
			logger.Info("config.yaml hot-reloaded", "query_timeout", newCfg.QueryTimeout(), "fingerprint", newCfg.Fingerprint())
		}
	}
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.TrimSpace(strings.ToLower(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser clients will be rejected", "bind_addr", cfg.BindAddr)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", audit.DecisionDeny, reasonCode+": "+message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

// loadAuthToken returns the configured token, or the one in auth.token,
// generating and persisting a new token on first run.
func loadAuthToken(homeDir, configured string) (string, error) {
	if tok := strings.TrimSpace(configured); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/vango-go/tutor-relay/pkg/gateway/config"
	"github.com/vango-go/tutor-relay/pkg/gateway/logging"
	relayserver "github.com/vango-go/tutor-relay/pkg/gateway/server"
)

const defaultEnvFile = ".env"

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newRelay     func(config.Config, *zerolog.Logger) (*relayserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newRelay:   relayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

type cliFlags struct {
	envFile       string
	envFileSet    bool
	addr          string
	sessionConfig string
	logLevel      string
	logFormat     string
}

func parseFlags(args []string, out io.Writer) (cliFlags, error) {
	var f cliFlags
	fs := pflag.NewFlagSet("tutor-relay", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.envFile, "env-file", defaultEnvFile, "dotenv file to load before reading the environment")
	fs.StringVar(&f.addr, "addr", "", "listen address (overrides TUTOR_RELAY_ADDR)")
	fs.StringVar(&f.sessionConfig, "session-config", "", "YAML session config (overrides TUTOR_RELAY_SESSION_CONFIG_FILE)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides TUTOR_RELAY_LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", "", "json or console (overrides TUTOR_RELAY_LOG_FORMAT)")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return cliFlags{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	f.envFileSet = fs.Changed("env-file")
	return f, nil
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func (f cliFlags) apply(cfg config.Config) (config.Config, error) {
	if f.addr != "" {
		cfg.Addr = f.addr
	}
	if f.sessionConfig != "" {
		cfg.SessionConfigFile = f.sessionConfig
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}
	return cfg, cfg.Validate()
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, cfg config.Config, logger *zerolog.Logger, deps relayDeps) error {
	if deps.newRelay == nil {
		return errors.New("missing newRelay dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	relay, err := deps.newRelay(cfg, logger)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info().
		Str("addr", cfg.Addr).
		Str("upstream", cfg.UpstreamURL).
		Int("cors_origins", len(cfg.CORSAllowedOrigins)).
		Msg("starting tutor relay")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info().Msg("context canceled; shutting down")
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	relay.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	// Hijacked WebSocket connections are not tracked by http.Server.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !relay.WaitSessions(waitCtx) {
		n := relay.CancelSessions()
		logger.Warn().Int("sessions", n).Msg("grace period elapsed; canceled remaining sessions")

		finalCtx, finalCancel := context.WithTimeout(context.Background(), cfg.TeardownTimeout+cfg.WSWriteTimeout)
		defer finalCancel()
		if !relay.WaitSessions(finalCtx) {
			logger.Error().Int("sessions", relay.ActiveSessions()).Msg("sessions still running at exit")
		}
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info().Msg("tutor relay stopped")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	flags, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "tutor-relay: %v\n", err)
		return 2
	}
	if err := loadEnvFile(flags.envFile, flags.envFileSet); err != nil {
		fmt.Fprintf(stderr, "tutor-relay: %v\n", err)
		return 1
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "tutor-relay: missing loadConfig dependency")
		return 1
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "tutor-relay: load config: %v\n", err)
		return 1
	}
	if cfg, err = flags.apply(cfg); err != nil {
		fmt.Fprintf(stderr, "tutor-relay: %v\n", err)
		return 1
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
	if err := runRelay(ctx, cfg, logger, deps); err != nil {
		logger.Error().Err(err).Msg("tutor relay failed")
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultRelayDeps()))
}

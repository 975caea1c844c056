package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/lanchat/internal/server"
	"github.com/Tyrowin/lanchat/internal/store"
)

const shutdownTimeout = 5 * time.Second

type flags struct {
	envFile       string
	addr          string
	storeDSN      string
	users         map[string]string
	allowLoopback bool
	history       int
	logLevel      string
	logFormat     string
	trustProxy    bool
	title         string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("[chat] exiting")
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "lanchat",
		Short:         "Single-room chat for a trusted local network",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return run(cmd.Context(), cfg, f.title)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.envFile, "env-file", "", "read CHAT_* variables from this dotenv file")
	fs.StringVar(&f.addr, "addr", ":5000", "listen address")
	fs.StringVar(&f.storeDSN, "store", "pebble://chat.db", "message store (pebble://dir, badger://dir, memory://)")
	fs.StringToStringVar(&f.users, "user", nil, "authorized user as ip=name (repeatable)")
	fs.BoolVar(&f.allowLoopback, "allow-loopback", true, "treat loopback peers as LocalDev")
	fs.IntVar(&f.history, "history", 50, "messages replayed to a joining session")
	fs.StringVar(&f.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "console", "console or json")
	fs.BoolVar(&f.trustProxy, "trust-proxy", false, "take the client address from X-Forwarded-For / X-Real-IP")
	fs.StringVar(&f.title, "title", "LAN Chat", "page title")
	return cmd
}

// loadConfig reads the environment and lets explicitly set flags override it.
func loadConfig(cmd *cobra.Command, f *flags) (*server.Config, error) {
	cfg, err := server.NewConfigFromEnv(f.envFile)
	if err != nil {
		return nil, err
	}

	fs := cmd.Flags()
	if fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if fs.Changed("store") {
		cfg.StoreDSN = f.storeDSN
	}
	if fs.Changed("user") {
		pairs := make([]string, 0, len(f.users))
		for addr, name := range f.users {
			pairs = append(pairs, addr+"="+name)
		}
		if cfg.AuthorizedUsers != "" {
			pairs = append([]string{cfg.AuthorizedUsers}, pairs...)
		}
		cfg.AuthorizedUsers = strings.Join(pairs, ",")
	}
	if fs.Changed("allow-loopback") {
		cfg.AllowLoopback = f.allowLoopback
	}
	if fs.Changed("history") {
		cfg.HistoryLimit = f.history
		if cfg.HistoryLimit <= server.MaxHistoryLimit && cfg.SendQueueSize < cfg.HistoryLimit+1 {
			cfg.SendQueueSize = cfg.HistoryLimit + 1
		}
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = strings.ToLower(f.logLevel)
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = strings.ToLower(f.logFormat)
	}
	if fs.Changed("trust-proxy") {
		cfg.TrustProxy = f.trustProxy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *server.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func run(ctx context.Context, cfg *server.Config, title string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver, err := cfg.Resolver()
	if err != nil {
		return err
	}
	gwCfg, err := server.GatewayConfigFrom(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StoreDSN, store.Options{Retention: cfg.Retention})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("[store] close failed")
		}
	}()

	hub := server.NewHub(server.HubConfig{SendQueueSize: cfg.SendQueueSize, RateLimit: cfg.RateLimit})
	gateway := server.NewGateway(resolver, st, hub, gwCfg)

	origins, allowAll := cfg.Origins()
	handlers := server.NewHandlers(gateway, origins, allowAll, title)
	router := server.SetupRoutes(handlers, server.RouterOptions{TrustProxy: cfg.TrustProxy})
	httpServer := server.CreateServer(cfg.Addr, router)

	log.Info().
		Str("store", cfg.StoreDSN).
		Strs("authorized", resolver.Addresses()).
		Bool("loopback", resolver.AllowLoopback()).
		Int("history", cfg.HistoryLimit).
		Msg("[chat] starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = gateway.Shutdown(shutdownTimeout)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	var shutdownErr error
	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		shutdownErr = err
	}
	if err := gateway.Shutdown(shutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}

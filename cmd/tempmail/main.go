// Package main is the entry point for the tempmail gateway.
package main

import (
	"context"
	"crypto"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shineum/tempmail/internal/auth"
	"github.com/shineum/tempmail/internal/config"
	"github.com/shineum/tempmail/internal/dkim"
	"github.com/shineum/tempmail/internal/email"
	"github.com/shineum/tempmail/internal/imap"
	"github.com/shineum/tempmail/internal/metrics"
	"github.com/shineum/tempmail/internal/ratelimit"
	"github.com/shineum/tempmail/internal/relay"
	"github.com/shineum/tempmail/internal/relay/graph"
	"github.com/shineum/tempmail/internal/relay/ses"
	"github.com/shineum/tempmail/internal/relay/stdout"
	"github.com/shineum/tempmail/internal/server"
	"github.com/shineum/tempmail/internal/smtp"
	"github.com/shineum/tempmail/internal/store"
	tlsutil "github.com/shineum/tempmail/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of the given password and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash password:", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, slog.Default()); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}

	slog.Info("tempmail stopped")
}

// run wires every component from cfg and serves until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	signer, err := buildSigner(cfg.DKIM, logger)
	if err != nil {
		return err
	}

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return err
	}

	tlsConfig, err := buildTLS(cfg)
	if err != nil {
		return err
	}

	var collector metrics.Collector = metrics.NoopCollector{}
	var services []func(context.Context) error
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewPrometheusCollector(reg)
		services = append(services, metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, reg, logger).Start)
	}

	rel, err := selectRelay(ctx, cfg)
	if err != nil {
		return err
	}

	st := store.New()
	limiter := ratelimit.New(ratelimit.Config{
		Submission: ratelimit.Quota{Burst: cfg.RateLimit.SubmissionBurst, Period: cfg.RateLimit.SubmissionPeriod},
		Retrieval:  ratelimit.Quota{Burst: cfg.RateLimit.RetrievalBurst, Period: cfg.RateLimit.RetrievalPeriod},
	})

	smtpCfg := smtp.Config{
		Hostname:       cfg.SMTP.Hostname,
		Store:          st,
		Limiter:        limiter,
		Collector:      collector,
		Logger:         logger,
		IdleTimeout:    cfg.SMTP.IdleTimeout,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	}
	if signer != nil {
		smtpCfg.Signer = signer
	}
	var forwarder *relay.Forwarder
	if rel != nil {
		forwarder = relay.NewForwarder(rel, cfg.Relay.Timeout, collector, logger)
		smtpCfg.Forwarder = forwarder
	}

	smtpSrv := server.New(server.Config{
		Name:       "smtp",
		ListenAddr: cfg.SMTP.Listen,
		TLSConfig:  tlsConfig,
		Handler:    smtp.NewHandler(smtpCfg),
		Logger:     logger,
	})
	imapSrv := server.New(server.Config{
		Name:       "imap",
		ListenAddr: cfg.IMAP.Listen,
		TLSConfig:  tlsConfig,
		Handler: imap.NewHandler(imap.Config{
			Hostname:      cfg.SMTP.Hostname,
			Store:         st,
			Limiter:       limiter,
			Authenticator: authenticator,
			Collector:     collector,
			Logger:        logger,
			IdleTimeout:   cfg.IMAP.IdleTimeout,
		}),
		Logger: logger,
	})
	services = append(services, smtpSrv.ListenAndServe, imapSrv.ListenAndServe)

	addr, err := email.RandomAddress(cfg.DKIM.Domain)
	if err != nil {
		return err
	}

	relayName := config.RelayNone
	if rel != nil {
		relayName = rel.Name()
	}
	logger.Info("starting tempmail",
		"smtp_listen", cfg.SMTP.Listen,
		"imap_listen", cfg.IMAP.Listen,
		"tls", tlsConfig != nil,
		"signing", signer != nil,
		"auth_enabled", cfg.AuthEnabled(),
		"relay", relayName,
		"metrics", cfg.Metrics.Enabled,
		"address", addr,
	)

	err = server.Run(ctx, services...)

	if forwarder != nil {
		forwarder.Wait()
	}
	mailboxes, messages := st.Stats()
	logger.Info("store at shutdown", "mailboxes", mailboxes, "messages", messages)

	return err
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// buildSigner loads the DKIM key, or generates an ephemeral one, and logs the
// TXT record to publish. It returns nil when signing is disabled.
func buildSigner(cfg config.DKIMConfig, logger *slog.Logger) (*dkim.Signer, error) {
	if cfg.Disabled {
		return nil, nil
	}

	var key crypto.Signer
	if cfg.PrivateKeyFile != "" {
		k, err := dkim.LoadPrivateKey(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load dkim key: %w", err)
		}
		key = k
	} else {
		k, err := dkim.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate dkim key: %w", err)
		}
		logger.Warn("no dkim key file configured, using an ephemeral key")
		key = k
	}

	signer, err := dkim.NewSigner(dkim.Options{
		Domain:     cfg.Domain,
		Selector:   cfg.Selector,
		Key:        key,
		Expiration: cfg.Expiration,
	})
	if err != nil {
		return nil, err
	}

	record, err := dkim.Record(key)
	if err != nil {
		return nil, err
	}
	logger.Info("dkim record",
		"name", dkim.RecordName(cfg.Selector, cfg.Domain),
		"record", record,
	)
	return signer, nil
}

func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	if !cfg.AuthEnabled() {
		return auth.AllowAll{}, nil
	}
	a, err := auth.NewStatic(cfg.IMAP.Users)
	if err != nil {
		return nil, fmt.Errorf("imap users: %w", err)
	}
	return a, nil
}

// buildTLS returns nil when TLS is disabled.
func buildTLS(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLS.Enabled {
		return nil, nil
	}
	tlsConfig, err := tlsutil.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return nil, fmt.Errorf("setup tls: %w", err)
	}
	return tlsConfig, nil
}

// selectRelay chooses the outbound relay. It returns nil for RelayNone.
func selectRelay(ctx context.Context, cfg *config.Config) (relay.Relay, error) {
	switch cfg.Relay.Provider {
	case config.RelayNone, "":
		return nil, nil
	case config.RelayStdout:
		return stdout.New(), nil
	case config.RelaySES:
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("ses relay requires SES_REGION and SES_SENDER")
		}
		r, err := ses.New(ctx, ses.Config{
			Region:          cfg.Relay.SES.Region,
			AccessKeyID:     cfg.Relay.SES.AccessKeyID,
			SecretAccessKey: cfg.Relay.SES.SecretAccessKey,
			Sender:          cfg.Relay.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("create ses relay: %w", err)
		}
		return r, nil
	case config.RelayGraph:
		if !cfg.GraphConfigured() {
			return nil, fmt.Errorf("graph relay requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER")
		}
		return graph.New(graph.Config{
			TenantID:     cfg.Relay.Graph.TenantID,
			ClientID:     cfg.Relay.Graph.ClientID,
			ClientSecret: cfg.Relay.Graph.ClientSecret,
			Sender:       cfg.Relay.Graph.Sender,
		}), nil
	default:
		return nil, fmt.Errorf("unknown relay provider %q", cfg.Relay.Provider)
	}
}

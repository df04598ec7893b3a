package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/tempmail/internal/auth"
	"github.com/shineum/tempmail/internal/config"
	"github.com/shineum/tempmail/internal/dkim"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildSigner_Disabled(t *testing.T) {
	t.Parallel()

	s, err := buildSigner(config.DKIMConfig{Disabled: true}, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestBuildSigner_KeyFile(t *testing.T) {
	t.Parallel()

	key, err := dkim.GenerateKey()
	require.NoError(t, err)
	pemBytes, err := dkim.EncodePrivateKey(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "dkim.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	s, err := buildSigner(config.DKIMConfig{
		Domain:         "example.com",
		Selector:       "mail",
		PrivateKeyFile: path,
	}, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "example.com", s.Domain())
	assert.Equal(t, "mail", s.Selector())

	_, err = buildSigner(config.DKIMConfig{
		Domain:         "example.com",
		Selector:       "mail",
		PrivateKeyFile: filepath.Join(t.TempDir(), "missing.pem"),
	}, discardLogger())
	assert.Error(t, err)
}

func TestBuildAuthenticator(t *testing.T) {
	t.Parallel()

	a, err := buildAuthenticator(&config.Config{})
	require.NoError(t, err)
	assert.IsType(t, auth.AllowAll{}, a)

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	a, err = buildAuthenticator(&config.Config{IMAP: config.IMAPConfig{Users: map[string]string{"alice": hash}}})
	require.NoError(t, err)
	assert.NoError(t, a.Authenticate("alice", "secret"))
	assert.ErrorIs(t, a.Authenticate("alice", "wrong"), auth.ErrInvalidCredentials)

	_, err = buildAuthenticator(&config.Config{IMAP: config.IMAPConfig{Users: map[string]string{"bob": "plain"}}})
	assert.Error(t, err)
}

func TestSelectRelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		relay    config.RelayConfig
		wantName string
		wantErr  bool
	}{
		{name: "none", relay: config.RelayConfig{Provider: config.RelayNone}},
		{name: "stdout", relay: config.RelayConfig{Provider: config.RelayStdout}, wantName: "stdout"},
		{name: "ses missing region", relay: config.RelayConfig{Provider: config.RelaySES}, wantErr: true},
		{name: "graph missing credentials", relay: config.RelayConfig{Provider: config.RelayGraph}, wantErr: true},
		{
			name: "graph",
			relay: config.RelayConfig{
				Provider: config.RelayGraph,
				Graph:    config.GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "s@example.com"},
			},
			wantName: "msgraph",
		},
		{name: "unknown", relay: config.RelayConfig{Provider: "smtp"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, err := selectRelay(context.Background(), &config.Config{Relay: tt.relay})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantName == "" {
				assert.Nil(t, r)
				return
			}
			require.NotNil(t, r)
			assert.Equal(t, tt.wantName, r.Name())
		})
	}
}

func TestBuildTLS(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{SMTP: config.SMTPConfig{Hostname: "localhost"}}
	tlsConfig, err := buildTLS(cfg)
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)

	cfg.TLS.Enabled = true
	tlsConfig, err = buildTLS(cfg)
	require.NoError(t, err)
	require.NotNil(t, tlsConfig)
	assert.Len(t, tlsConfig.Certificates, 1)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		SMTP: config.SMTPConfig{Listen: "127.0.0.1:0", Hostname: "localhost", IdleTimeout: time.Second},
		IMAP: config.IMAPConfig{Listen: "127.0.0.1:0", IdleTimeout: time.Second},
		RateLimit: config.RateLimitConfig{
			SubmissionBurst: 1, SubmissionPeriod: time.Second,
			RetrievalBurst: 1, RetrievalPeriod: time.Second,
		},
		DKIM:  config.DKIMConfig{Disabled: true, Domain: "example.com"},
		Relay: config.RelayConfig{Provider: config.RelayStdout},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, discardLogger()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

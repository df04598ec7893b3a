// Package relay forwards accepted messages to an outbound delivery backend.
// Forwarding is best effort: it runs after a message is stored and its
// outcome never changes what the submitting client was told.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/tempmail/internal/email"
	"github.com/shineum/tempmail/internal/metrics"
)

// Relay is an outbound delivery backend.
type Relay interface {
	// Send delivers raw, addressed by env. raw uses "\n" line terminators.
	Send(ctx context.Context, env email.Envelope, raw []byte) error

	// Name returns the human-readable name of this relay.
	Name() string
}

// DefaultTimeout bounds a single forward, retries included.
const DefaultTimeout = 30 * time.Second

// Forwarder runs relay sends in the background.
type Forwarder struct {
	relay     Relay
	timeout   time.Duration
	collector metrics.Collector
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewForwarder creates a Forwarder for r. A nil collector or logger falls back to defaults.
func NewForwarder(r Relay, timeout time.Duration, collector metrics.Collector, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if collector == nil {
		collector = metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		relay:     r,
		timeout:   timeout,
		collector: collector,
		logger:    logger,
	}
}

// Forward sends msg to every recipient in env without blocking the caller.
func (f *Forwarder) Forward(env email.Envelope, msg email.Message) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()

		err := f.relay.Send(ctx, env, msg.Data)
		f.collector.RelayResult(f.relay.Name(), err == nil)
		if err != nil {
			f.logger.Error("relay failed",
				"relay", f.relay.Name(),
				"message_id", msg.ID,
				"error", err,
			)
			return
		}
		f.logger.Info("message relayed",
			"relay", f.relay.Name(),
			"message_id", msg.ID,
			"recipients", len(env.To),
		)
	}()
}

// Wait blocks until all in-flight forwards finish.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

// Package stdout implements a Relay that prints messages to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/tempmail/internal/email"
)

// Relay prints messages in a human-readable frame.
type Relay struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a Relay that writes to os.Stdout.
func New() *Relay {
	return &Relay{writer: os.Stdout}
}

// NewWithWriter creates a Relay that writes to w.
func NewWithWriter(w io.Writer) *Relay {
	return &Relay{writer: w}
}

// Send prints the envelope and raw message.
func (r *Relay) Send(_ context.Context, env email.Envelope, raw []byte) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", env.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(env.To, ", "))
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(raw)))
	b.WriteString("----------------------------------------\n")
	b.Write(raw)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString("========================================\n")

	// Concurrent forwards must not interleave their frames.
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.writer, b.String()); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

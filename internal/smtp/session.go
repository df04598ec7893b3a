package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/shineum/tempmail/internal/dkim"
	"github.com/shineum/tempmail/internal/email"
	"github.com/shineum/tempmail/internal/metrics"
	"github.com/shineum/tempmail/internal/ratelimit"
	"github.com/shineum/tempmail/internal/server"
)

const proto = string(ratelimit.Submission)

// maxCommandLength caps a command line outside DATA.
const maxCommandLength = 4096

// State is a submission session state.
type State int

// Session states for the SMTP state machine.
const (
	StateGreeting State = iota
	StateIdle
	StateHasSender
	StateHasRecipients
	StateReadingBody
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateIdle:
		return "idle"
	case StateHasSender:
		return "has-sender"
	case StateHasRecipients:
		return "has-recipients"
	case StateReadingBody:
		return "reading-body"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	config *Config
	logger *slog.Logger
	remote string
	state  State

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg *Config) *Session {
	remote := ratelimit.SourceAddr(conn.RemoteAddr())
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		config: cfg,
		logger: cfg.Logger.With("proto", proto, "remote", remote),
		remote: remote,
		state:  StateGreeting,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs. The caller owns the connection.
func (s *Session) Handle(ctx context.Context) {
	s.config.Collector.ConnectionOpened(proto)
	defer s.config.Collector.ConnectionClosed(proto)
	defer func() { s.state = StateClosed }()

	stop := server.InterruptReads(ctx, s.conn)
	defer stop()

	if s.config.Limiter != nil {
		if d := s.config.Limiter.Check(ratelimit.Submission, s.remote); !d.Allowed {
			s.config.Collector.RateLimited(proto)
			s.logger.Warn("connection rate limited", "retry_after", d.RetryAfter)
			s.writeLine("421 %s Too many requests, retry in %ds", s.config.Hostname, d.RetrySeconds())
			return
		}
	}

	s.logger.Debug("session started")
	s.writeLine("220 %s ESMTP tempmail ready", s.config.Hostname)
	s.state = StateIdle

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 %s Service shutting down", s.config.Hostname)
			return
		default:
		}

		line, err := s.readLine(ctx, maxCommandLength)
		if errors.Is(err, server.ErrLineTooLong) {
			s.config.Collector.CommandProcessed(proto, "UNKNOWN")
			s.writeLine("500 Line too long")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				s.writeLine("421 %s Service shutting down", s.config.Hostname)
				return
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleHELO(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.config.Collector.CommandProcessed(proto, cmd)
		s.writeLine("221 Bye")
		return true
	default:
		s.config.Collector.CommandProcessed(proto, "UNKNOWN")
		s.writeLine("500 Unrecognized command")
		return false
	}
	s.config.Collector.CommandProcessed(proto, cmd)
	return false
}

// handleHELO acknowledges HELO/EHLO without changing state.
func (s *Session) handleHELO(arg string) {
	s.writeLine("%s", strings.TrimSpace(fmt.Sprintf("250 %s Hello %s", s.config.Hostname, arg)))
}

// handleMAIL records the sender, replacing any earlier one.
func (s *Session) handleMAIL(arg string) {
	if !hasPrefixFold(arg, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	if s.state < StateHasRecipients {
		s.state = StateHasSender
	}
	s.writeLine("250 OK")
}

// handleRCPT adds a recipient. A prior MAIL is not required.
func (s *Session) handleRCPT(arg string) {
	if !hasPrefixFold(arg, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	if !slices.Contains(s.rcptTo, addr) {
		s.rcptTo = append(s.rcptTo, addr)
	}
	s.state = StateHasRecipients
	s.writeLine("250 OK")
}

// handleDATA reads the message body and stores it for every recipient.
// It returns true if the connection failed or shut down while reading the body.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state != StateHasRecipients {
		s.writeLine("503 Bad sequence of commands: RCPT TO required")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")
	s.state = StateReadingBody

	body, oversize, err := s.readBody(ctx)
	if err != nil {
		// Partial bodies are dropped, nothing reaches the store.
		s.logger.Debug("connection lost while reading body", "error", err)
		if ctx.Err() != nil {
			s.writeLine("421 %s Service shutting down", s.config.Hostname)
		}
		return true
	}

	if oversize {
		s.config.Collector.MessageRejected("size")
		s.logger.Warn("message rejected",
			"reason", "size",
			"max_message_size", s.config.MaxMessageSize,
		)
		s.writeLine("552 Message size exceeds limit")
		s.resetTransaction()
		return false
	}

	s.accept(body)
	return false
}

// readBody accumulates body lines until the terminator. Lines past the size
// limit are read and discarded so the session stays in sync with the client.
// A single line never holds more than the remaining allowance in memory.
func (s *Session) readBody(ctx context.Context) (body []byte, oversize bool, err error) {
	var buf bytes.Buffer
	limit := s.config.MaxMessageSize

	for {
		lineLimit := 0
		switch {
		case oversize:
			lineLimit = 1
		case limit > 0:
			lineLimit = max(limit-buf.Len(), 1)
		}

		line, err := s.readLine(ctx, lineLimit)
		if errors.Is(err, server.ErrLineTooLong) {
			oversize = true
			buf.Reset()
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if line == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if oversize {
			continue
		}
		if limit > 0 && buf.Len()+len(line)+1 > limit {
			oversize = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), oversize, nil
}

// accept signs and stores body, replies, then hands the message to the relay.
func (s *Session) accept(body []byte) {
	out := dkim.Seal(s.config.Signer, body)
	switch {
	case out.Err != nil:
		s.config.Collector.SigningResult(metrics.SigningFailed)
		s.logger.Warn("dkim signing failed, storing unsigned", "error", out.Err)
	case out.Signed:
		s.config.Collector.SigningResult(metrics.SigningSigned)
	default:
		s.config.Collector.SigningResult(metrics.SigningDisabled)
	}

	msg := email.NewMessage(out.Data, time.Now(), out.Signed)
	for _, rcpt := range s.rcptTo {
		s.config.Store.Append(rcpt, msg)
	}
	s.config.Collector.MessageAccepted(len(s.rcptTo), msg.Size())

	s.logger.Info("message accepted",
		"message_id", msg.ID,
		"from", s.mailFrom,
		"recipients", len(s.rcptTo),
		"size", msg.Size(),
		"signed", msg.Signed,
	)

	env := email.Envelope{From: s.mailFrom, To: s.rcptTo}
	s.writeLine("250 OK message accepted")
	s.resetTransaction()

	if s.config.Forwarder != nil {
		s.config.Forwarder.Forward(env, msg)
	}
}

// resetTransaction clears the whole envelope, sender included.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.state = StateIdle
}

// readLine reads one line of at most limit bytes with the idle deadline
// applied and strips its terminator.
func (s *Session) readLine(ctx context.Context, limit int) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	// The deadline above may have overwritten a shutdown interrupt.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return server.ReadLine(s.reader, limit)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats. "<>" yields an empty address.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	// Bare address format, ignoring any trailing parameters
	return strings.Fields(s)[0], true
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

package imap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/tempmail/internal/ratelimit"
	"github.com/shineum/tempmail/internal/server"
)

const proto = string(ratelimit.Retrieval)

// maxLineLength caps a command line.
const maxLineLength = 4096

// State is a retrieval session state.
type State int

// Session states for the retrieval state machine.
const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateSelected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one retrieval connection.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	config *Config
	logger *slog.Logger
	remote string

	state    State
	user     string
	selected string
}

// NewSession creates a retrieval session for conn.
func NewSession(conn net.Conn, cfg *Config) *Session {
	remote := ratelimit.SourceAddr(conn.RemoteAddr())
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		config: cfg,
		logger: cfg.Logger.With("proto", proto, "remote", remote),
		remote: remote,
		state:  StateUnauthenticated,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Handle serves commands until LOGOUT, disconnect or idle timeout.
func (s *Session) Handle(ctx context.Context) {
	s.config.Collector.ConnectionOpened(proto)
	defer s.config.Collector.ConnectionClosed(proto)

	stop := server.InterruptReads(ctx, s.conn)
	defer stop()

	s.logger.Debug("session started")
	s.writeLine("* OK %s IMAP ready", s.config.Hostname)

	for s.state != StateClosed {
		select {
		case <-ctx.Done():
			s.writeLine("* BYE Server shutting down")
			s.state = StateClosed
			return
		default:
		}

		line, err := s.readLine(ctx)
		if errors.Is(err, server.ErrLineTooLong) {
			s.writeLine("* BAD Line too long")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				s.writeLine("* BYE Server shutting down")
			} else if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read error", "error", err)
			}
			s.state = StateClosed
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		s.handleLine(line)
	}
}

func (s *Session) handleLine(line string) {
	cmd, err := ParseCommand(line)
	if errors.Is(err, ErrMissingTag) {
		s.writeLine("* BAD Missing command tag or name")
		return
	}

	if s.config.Limiter != nil {
		if d := s.config.Limiter.Check(ratelimit.Retrieval, s.remote); !d.Allowed {
			s.config.Collector.RateLimited(proto)
			s.logger.Warn("command rate limited", "command", cmd.Verb, "retry_after", d.RetryAfter)
			s.writeLine("%s NO [THROTTLED] Too many requests, retry in %ds", cmd.Tag, d.RetrySeconds())
			return
		}
	}

	if err != nil {
		s.writeLine("%s BAD %s", cmd.Tag, capitalize(err.Error()))
		return
	}

	switch cmd.Verb {
	case "LOGIN":
		s.handleLOGIN(cmd)
	case "SELECT":
		s.handleSELECT(cmd)
	case "FETCH":
		s.handleFETCH(cmd)
	case "NOOP":
		s.writeLine("%s OK NOOP completed", cmd.Tag)
	case "LOGOUT":
		s.writeLine("* BYE Logging out")
		s.writeLine("%s OK Logout completed", cmd.Tag)
		s.state = StateClosed
	default:
		s.config.Collector.CommandProcessed(proto, "UNKNOWN")
		s.writeLine("%s BAD Unknown command", cmd.Tag)
		return
	}
	s.config.Collector.CommandProcessed(proto, cmd.Verb)
}

// handleLOGIN is accepted in any state. A repeated LOGIN keeps the selection.
func (s *Session) handleLOGIN(cmd Command) {
	if len(cmd.Args) != 2 {
		s.writeLine("%s BAD LOGIN requires user and password", cmd.Tag)
		return
	}
	user, pass := cmd.Args[0], cmd.Args[1]

	if err := s.config.Authenticator.Authenticate(user, pass); err != nil {
		s.config.Collector.AuthAttempt(false)
		s.logger.Info("login failed", "user", user)
		s.writeLine("%s NO Login failed", cmd.Tag)
		return
	}

	s.config.Collector.AuthAttempt(true)
	s.user = user
	if s.state == StateUnauthenticated {
		s.state = StateAuthenticated
	}
	s.logger.Debug("login succeeded", "user", user)
	s.writeLine("%s OK Login successful", cmd.Tag)
}

func (s *Session) handleSELECT(cmd Command) {
	if s.state != StateAuthenticated && s.state != StateSelected {
		s.writeLine("%s BAD Not authenticated", cmd.Tag)
		return
	}
	if len(cmd.Args) != 1 {
		s.writeLine("%s BAD SELECT requires a mailbox", cmd.Tag)
		return
	}

	mailbox := cmd.Args[0]
	count := s.config.Store.Count(mailbox)

	s.selected = mailbox
	s.state = StateSelected

	s.writeLine(`* FLAGS (\Seen)`)
	s.writeLine("* %d EXISTS", count)
	s.writeLine("* OK [UIDVALIDITY 1]")
	s.writeLine("%s OK [READ-ONLY] Select completed", cmd.Tag)
}

func (s *Session) handleFETCH(cmd Command) {
	if s.state != StateSelected {
		s.writeLine("%s BAD No mailbox selected", cmd.Tag)
		return
	}

	args, err := ParseFetch(cmd.Args)
	if err != nil {
		if errors.Is(err, ErrFetchIndex) {
			s.writeLine("%s BAD Invalid message index", cmd.Tag)
		} else {
			s.writeLine("%s BAD %s", cmd.Tag, err.Error())
		}
		return
	}

	msg, ok := s.config.Store.Fetch(args.Mailbox, args.Index)
	if !ok {
		s.writeLine("%s NO Message does not exist", cmd.Tag)
		return
	}

	s.config.Collector.MessageFetched(msg.Size())
	s.writeLiteral(args.Index, msg.Data)
	s.writeLine("%s OK Fetch completed", cmd.Tag)
}

// writeLiteral writes a FETCH response carrying data as a sized literal.
func (s *Session) writeLiteral(index int, data []byte) {
	fmt.Fprintf(s.writer, "* %d FETCH (BODY[] {%d})\r\n", index, len(data))
	s.writer.Write(data)
	s.writer.WriteString("\r\n")
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
	}
}

// readLine reads one command line with the idle deadline applied.
func (s *Session) readLine(ctx context.Context) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return server.ReadLine(s.reader, maxLineLength)
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

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

package imap_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/tempmail/internal/imap"
	"github.com/shineum/tempmail/internal/ratelimit"
	"github.com/shineum/tempmail/internal/server"
	"github.com/shineum/tempmail/internal/smtp"
	"github.com/shineum/tempmail/internal/store"
)

type gateway struct {
	smtpAddr string
	imapAddr string
}

func startGateway(t *testing.T) *gateway {
	t.Helper()

	st := store.New()
	limiter := ratelimit.New(ratelimit.Config{
		Submission: ratelimit.Quota{Burst: 100, Period: time.Second},
		Retrieval:  ratelimit.Quota{Burst: 100, Period: time.Second},
	})

	smtpSrv := server.New(server.Config{
		Name:    "smtp",
		Handler: smtp.NewHandler(smtp.Config{Hostname: "gw.test", Store: st, Limiter: limiter}),
	})
	imapSrv := server.New(server.Config{
		Name:    "imap",
		Handler: imap.NewHandler(imap.Config{Hostname: "gw.test", Store: st, Limiter: limiter}),
	})

	smtpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	imapLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx,
			func(ctx context.Context) error { return smtpSrv.Serve(ctx, smtpLn) },
			func(ctx context.Context) error { return imapSrv.Serve(ctx, imapLn) },
		)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("gateway did not shut down")
		}
	})

	return &gateway{smtpAddr: smtpLn.Addr().String(), imapAddr: imapLn.Addr().String()}
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) line() string {
	c.t.Helper()
	l, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(l, "\r\n")
}

func (c *client) send(s string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(s + "\r\n"))
	require.NoError(c.t, err)
}

func (c *client) cmd(s, wantPrefix string) {
	c.t.Helper()
	c.send(s)
	got := c.line()
	require.True(c.t, strings.HasPrefix(got, wantPrefix), "%s: got %q, want prefix %q", s, got, wantPrefix)
}

func submit(t *testing.T, addr string, to []string, body []string) {
	t.Helper()
	c := dial(t, addr)
	require.True(t, strings.HasPrefix(c.line(), "220"))
	c.cmd("HELO a", "250")
	c.cmd("MAIL FROM:<x@y>", "250")
	for _, rcpt := range to {
		c.cmd("RCPT TO:<"+rcpt+">", "250")
	}
	c.cmd("DATA", "354")
	for _, l := range body {
		c.send(l)
	}
	c.cmd(".", "250 OK message accepted")
	c.cmd("QUIT", "221")
}

// fetch logs in, selects mailbox and returns the body of message index.
func fetch(t *testing.T, addr, mailbox string, index int) (string, int) {
	t.Helper()
	c := dial(t, addr)
	require.True(t, strings.HasPrefix(c.line(), "* OK"))

	c.cmd("a1 LOGIN user pass", "a1 OK")

	c.send("a2 SELECT " + mailbox)
	var exists int
	for {
		l := c.line()
		if strings.HasSuffix(l, " EXISTS") {
			exists, _ = strconv.Atoi(strings.Fields(l)[1])
		}
		if strings.HasPrefix(l, "a2 ") {
			require.Equal(t, "a2 OK [READ-ONLY] Select completed", l)
			break
		}
	}

	c.send(fmt.Sprintf("a3 FETCH %d BODY[] %s", index, mailbox))
	header := c.line()
	prefix := fmt.Sprintf("* %d FETCH (BODY[] {", index)
	require.True(t, strings.HasPrefix(header, prefix), "FETCH header: %q", header)
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(header, prefix), "})"))
	require.NoError(t, err)

	buf := make([]byte, n)
	_, err = io.ReadFull(c.r, buf)
	require.NoError(t, err)
	require.Equal(t, "", c.line())
	require.Equal(t, "a3 OK Fetch completed", c.line())

	c.send("a4 LOGOUT")
	require.Equal(t, "* BYE Logging out", c.line())
	require.Equal(t, "a4 OK Logout completed", c.line())

	return string(buf), exists
}

func TestGateway_RoundTrip(t *testing.T) {
	t.Parallel()

	gw := startGateway(t)

	recipients := []string{"alice@example.com", "bob@example.com"}
	body := []string{"Subject: round trip", "", "hello", "..dotted", "bye"}
	submit(t, gw.smtpAddr, recipients, body)

	want := "Subject: round trip\n\nhello\n.dotted\nbye\n"
	for _, rcpt := range recipients {
		got, exists := fetch(t, gw.imapAddr, rcpt, 1)
		assert.Equal(t, want, got, "mailbox %s", rcpt)
		assert.Equal(t, 1, exists, "mailbox %s", rcpt)
	}
}

func TestGateway_HappyPath(t *testing.T) {
	t.Parallel()

	gw := startGateway(t)
	submit(t, gw.smtpAddr, []string{"z@y"}, []string{"hello"})

	got, exists := fetch(t, gw.imapAddr, "z@y", 1)
	assert.Equal(t, "hello\n", got)
	assert.Equal(t, 1, exists)
}

func TestGateway_ArrivalOrder(t *testing.T) {
	t.Parallel()

	gw := startGateway(t)
	for i := 1; i <= 3; i++ {
		submit(t, gw.smtpAddr, []string{"order@y"}, []string{fmt.Sprintf("message %d", i)})
	}

	for i := 1; i <= 3; i++ {
		got, exists := fetch(t, gw.imapAddr, "order@y", i)
		assert.Equal(t, fmt.Sprintf("message %d\n", i), got)
		assert.Equal(t, 3, exists)
	}
}

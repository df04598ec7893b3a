package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"time"
)

// ErrLineTooLong is returned by ReadLine when a line exceeds its limit.
var ErrLineTooLong = errors.New("line too long")

// ReadLine reads one LF-terminated line from r and strips the CRLF or LF.
// At most limit content bytes are kept in memory. A longer line is consumed
// through its terminator and reported as ErrLineTooLong, leaving r positioned
// at the next line. A limit <= 0 disables the cap.
func ReadLine(r *bufio.Reader, limit int) (string, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, frag...)
			if limit > 0 && len(line) > limit+2 {
				tooLong = true
				line = nil
			}
		}
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if tooLong || (limit > 0 && len(line) > limit) {
		return "", ErrLineTooLong
	}
	return string(line), nil
}

// InterruptReads makes a read blocked on conn return as soon as ctx is done.
// Callers that extend the read deadline afterwards must check ctx themselves.
// The returned function stops watching ctx.
func InterruptReads(ctx context.Context, conn net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
}

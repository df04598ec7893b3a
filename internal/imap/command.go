package imap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMissingTag is returned for a line without both a tag and a verb.
	ErrMissingTag = errors.New("missing command tag or name")

	// ErrUnterminatedQuote is returned when a quoted argument has no closing quote.
	ErrUnterminatedQuote = errors.New("unterminated quoted string")
)

// Command is one tagged client command.
type Command struct {
	Tag  string
	Verb string // upper-cased
	Args []string
}

// ParseCommand splits a command line into tag, verb and arguments.
// Arguments are separated by spaces; a double-quoted argument may contain
// spaces and backslash-escaped quotes.
func ParseCommand(line string) (Command, error) {
	tokens, err := tokenize(line)
	if len(tokens) < 2 {
		return Command{}, ErrMissingTag
	}
	return Command{
		Tag:  tokens[0],
		Verb: strings.ToUpper(tokens[1]),
		Args: tokens[2:],
	}, err
}

func tokenize(line string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		inTok  bool
		quoted bool
	)

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quoted:
			switch c {
			case '\\':
				if i+1 < len(line) {
					i++
					cur.WriteByte(line[i])
				}
			case '"':
				quoted = false
			default:
				cur.WriteByte(c)
			}
		case c == ' ' || c == '\t':
			if inTok {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inTok = false
			}
		case c == '"' && !inTok:
			quoted = true
			inTok = true
		default:
			cur.WriteByte(c)
			inTok = true
		}
	}
	if inTok {
		tokens = append(tokens, cur.String())
	}
	if quoted {
		return tokens, ErrUnterminatedQuote
	}
	return tokens, nil
}

// FetchArgs are the validated arguments of FETCH <index> <item...> <mailbox>.
type FetchArgs struct {
	Index   int
	Items   []string
	Mailbox string
}

// Errors returned by ParseFetch.
var (
	ErrFetchArgs  = errors.New("FETCH requires index, items and mailbox")
	ErrFetchIndex = errors.New("invalid message index")
)

// ParseFetch validates FETCH arguments.
func ParseFetch(args []string) (FetchArgs, error) {
	if len(args) < 3 {
		return FetchArgs{}, ErrFetchArgs
	}
	index, err := strconv.Atoi(args[0])
	if err != nil || index < 1 {
		return FetchArgs{}, fmt.Errorf("%w: %q", ErrFetchIndex, args[0])
	}
	return FetchArgs{
		Index:   index,
		Items:   args[1 : len(args)-1],
		Mailbox: args[len(args)-1],
	}, nil
}

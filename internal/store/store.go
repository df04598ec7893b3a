// Package store implements the in-memory mailbox store shared by all sessions.
//
// Mailboxes are keyed by the recipient address exactly as received. A mailbox
// is created on first append and is never removed for the lifetime of the
// process.
package store

import (
	"sync"

	"github.com/shineum/tempmail/internal/email"
)

// Store maps recipient addresses to ordered message sequences.
// All methods are safe for concurrent use. The lock is only held while the
// target mailbox is mutated or copied.
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string][]email.Message
	messages  int
}

// New creates an empty Store.
func New() *Store {
	return &Store{mailboxes: make(map[string][]email.Message)}
}

// Append adds msg to the end of address's mailbox.
func (s *Store) Append(address string, msg email.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mailboxes[address] = append(s.mailboxes[address], msg)
	s.messages++
}

// List returns a snapshot of the mailbox at call time.
// An unknown address yields an empty result.
func (s *Store) List(address string) []email.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.mailboxes[address]
	if len(msgs) == 0 {
		return nil
	}
	out := make([]email.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Fetch returns the message at the 1-based index in address's mailbox.
// The second result is false when the mailbox or index does not exist.
func (s *Store) Fetch(address string, index int) (email.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.mailboxes[address]
	if index < 1 || index > len(msgs) {
		return email.Message{}, false
	}
	return msgs[index-1], true
}

// Count returns the number of messages in address's mailbox.
func (s *Store) Count(address string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.mailboxes[address])
}

// Stats returns the number of mailboxes and the total number of stored messages.
func (s *Store) Stats() (mailboxes, messages int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.mailboxes), s.messages
}

// Package email defines the core message data model shared by the gateway.
package email

import (
	"time"

	"github.com/google/uuid"
)

// Message is one accepted message as held by the mailbox store.
// Data is raw protocol payload with line terminators normalized to "\n".
// A Message is never modified after it has been handed to the store.
type Message struct {
	ID       string
	Data     []byte
	Received time.Time
	Signed   bool
}

// NewMessage wraps data in a Message stamped with the given acceptance time.
func NewMessage(data []byte, received time.Time, signed bool) Message {
	return Message{
		ID:       uuid.NewString(),
		Data:     data,
		Received: received,
		Signed:   signed,
	}
}

// Size returns the length of the raw message in bytes.
func (m Message) Size() int {
	return len(m.Data)
}

// Envelope is the sender and recipients of one submission, distinct from the
// message content.
type Envelope struct {
	From string
	To   []string
}

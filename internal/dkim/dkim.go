// Package dkim signs accepted messages with a DKIM-Signature header.
//
// Messages are held with "\n" line terminators. Signing is done over the
// CRLF form of the message, as it would appear on the wire, and the signature
// header is prepended to the stored form.
package dkim

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	msgauth "github.com/emersion/go-msgauth/dkim"
)

// ErrMissingIdentity is returned when a signer is created without a domain or selector.
var ErrMissingIdentity = errors.New("dkim: domain and selector are required")

// MessageSigner produces a signed copy of a raw message.
type MessageSigner interface {
	Sign(raw []byte) ([]byte, error)
}

// Signer signs messages for one domain with one selector and private key.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	expiration time.Duration
}

// Options configures a Signer.
type Options struct {
	Domain   string
	Selector string
	Key      crypto.Signer

	// Expiration, if non-zero, adds an x= tag this long after signing.
	Expiration time.Duration
}

// NewSigner creates a Signer from opts.
func NewSigner(opts Options) (*Signer, error) {
	if opts.Domain == "" || opts.Selector == "" {
		return nil, ErrMissingIdentity
	}
	if opts.Key == nil {
		return nil, fmt.Errorf("dkim: private key is required")
	}
	return &Signer{
		domain:     opts.Domain,
		selector:   opts.Selector,
		key:        opts.Key,
		expiration: opts.Expiration,
	}, nil
}

// Domain returns the signing domain (d= tag).
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the selector (s= tag).
func (s *Signer) Selector() string {
	return s.selector
}

// Sign returns raw with a DKIM-Signature header prepended.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	opts := &msgauth.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: msgauth.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauth.CanonicalizationRelaxed,
	}
	if s.expiration > 0 {
		opts.Expiration = time.Now().Add(s.expiration)
	}

	ds, err := msgauth.NewSigner(opts)
	if err != nil {
		return nil, fmt.Errorf("dkim: creating signer: %w", err)
	}
	if _, err := ds.Write(toCRLF(raw)); err != nil {
		_ = ds.Close()
		return nil, fmt.Errorf("dkim: hashing message: %w", err)
	}
	if err := ds.Close(); err != nil {
		return nil, fmt.Errorf("dkim: signing message: %w", err)
	}

	header := strings.ReplaceAll(ds.Signature(), "\r\n", "\n")
	signed := make([]byte, 0, len(header)+len(raw))
	signed = append(signed, header...)
	signed = append(signed, raw...)
	return signed, nil
}

// Outcome is the result of a best-effort signing attempt.
// Data is always the message to store: the signed copy when Signed is true,
// otherwise the original bytes. Err is set when signing was attempted and failed.
type Outcome struct {
	Data   []byte
	Signed bool
	Err    error
}

// Seal signs raw with s if s is non-nil, falling back to the unsigned message on failure.
func Seal(s MessageSigner, raw []byte) Outcome {
	if s == nil {
		return Outcome{Data: raw}
	}
	signed, err := s.Sign(raw)
	if err != nil {
		return Outcome{Data: raw, Err: err}
	}
	return Outcome{Data: signed, Signed: true}
}

func toCRLF(b []byte) []byte {
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}

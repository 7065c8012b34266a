// Package message holds the normalized inbox record and turns raw MIME
// messages into readable subject/body pairs.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	NoSubject         = "No Subject"
	FallbackSubject   = "Fallback: Check Raw Content"
	UnreadableSubject = "Unreadable Message"
	NoContent         = "No content found"
	UnreadableBody    = "The message could not be read."

	// RawBodyLimit caps the body stored when structured parsing fails.
	RawBodyLimit = 5000

	DefaultTTL = 5 * time.Minute

	inboxNamespace   = "inbox"
	sessionNamespace = "session"
)

var ErrInvalidRecord = errors.New("invalid mail record")

// Record is the unit stored per received message.
type Record struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Encode marshals r for storage.
func (r Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

// Decode parses a stored record. Records written before createdAt existed
// carry "timestamp" instead; either is accepted. A record without an id or
// a creation time is rejected.
func Decode(data []byte) (Record, error) {
	var wire struct {
		Record
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	rec := wire.Record
	if rec.CreatedAt.IsZero() && wire.Timestamp != nil {
		rec.CreatedAt = *wire.Timestamp
	}
	if strings.TrimSpace(rec.ID) == "" {
		return Record{}, fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if rec.CreatedAt.IsZero() {
		return Record{}, fmt.Errorf("%w: missing createdAt", ErrInvalidRecord)
	}
	return rec, nil
}

// NormalizeAddress lowercases and trims an address. Angle brackets from
// SMTP envelope syntax are removed.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return strings.ToLower(strings.TrimSpace(addr))
}

// InDomain reports whether addr is a mailbox at domain.
func InDomain(addr, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	if domain == "" {
		return false
	}
	local, ok := strings.CutSuffix(addr, "@"+domain)
	return ok && local != ""
}

func InboxPrefix(recipient string) string {
	return inboxNamespace + ":" + recipient + ":"
}

func InboxKey(recipient, id string) string {
	return InboxPrefix(recipient) + id
}

func SessionKey(recipient string) string {
	return sessionNamespace + ":" + recipient
}

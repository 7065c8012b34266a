// Package ingest turns inbound messages into stored inbox records. Ingest
// never fails: unreadable input degrades to a placeholder record and a failed
// store write is logged and dropped.
package ingest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/burnbox/internal/kv"
	"github.io/infrasutra/burnbox/internal/message"
)

// Envelope is one delivery handed over by the mail transport.
type Envelope struct {
	Recipient string
	Sender    string
	Raw       io.Reader
	// Headers are the transport's view of the header block, used for the
	// subject when the message cannot be parsed.
	Headers map[string]string
}

// Publisher is notified after a record is stored.
type Publisher interface {
	Publish(recipient string, rec message.Record)
}

type Option func(*Normalizer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithIDGenerator overrides uuid.NewString.
func WithIDGenerator(newID func() string) Option {
	return func(n *Normalizer) { n.newID = newID }
}

// WithPublisher announces new records, e.g. to live inbox streams.
func WithPublisher(p Publisher) Option {
	return func(n *Normalizer) { n.publisher = p }
}

type Normalizer struct {
	store     kv.Store
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	publisher Publisher
}

func New(store kv.Store, ttl time.Duration, logger *slog.Logger, opts ...Option) *Normalizer {
	if ttl <= 0 {
		ttl = message.DefaultTTL
	}
	n := &Normalizer{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Ingest normalizes env and stores it under inbox:<recipient>:<id>.
func (n *Normalizer) Ingest(ctx context.Context, env Envelope) {
	rec := n.Normalize(env)
	logger := n.logger.With("recipient", rec.Recipient, "id", rec.ID)

	data, err := rec.Encode()
	if err != nil {
		logger.Error("encode mail record", "error", err)
		return
	}
	if err := n.store.Put(ctx, message.InboxKey(rec.Recipient, rec.ID), data, n.ttl); err != nil {
		logger.Error("store mail record", "error", err)
		return
	}
	logger.Info("mail stored", "from", rec.From, "bytes", len(data))

	if n.publisher != nil {
		n.publisher.Publish(rec.Recipient, rec)
	}
}

// Normalize builds the record for env without storing it. The envelope
// sender wins over the header From address.
func (n *Normalizer) Normalize(env Envelope) message.Record {
	rec := message.Record{
		ID:        n.newID(),
		Recipient: message.NormalizeAddress(env.Recipient),
		From:      strings.TrimSpace(env.Sender),
		CreatedAt: n.now().UTC(),
	}

	if env.Raw == nil {
		rec.Subject, rec.Body = message.UnreadableSubject, message.UnreadableBody
		return rec
	}
	raw, err := io.ReadAll(env.Raw)
	if err != nil {
		n.logger.Warn("read raw message", "recipient", rec.Recipient, "error", err)
		rec.Subject, rec.Body = message.UnreadableSubject, message.UnreadableBody
		return rec
	}

	content, err := message.Parse(raw)
	if err != nil {
		n.logger.Warn("parse message, storing raw text", "recipient", rec.Recipient, "error", err)
		rec.Subject = message.FallbackSubject
		if subject := strings.TrimSpace(env.Headers["Subject"]); subject != "" {
			rec.Subject = subject
		}
		rec.Body = message.RawText(raw, message.RawBodyLimit)
		if rec.From == "" {
			rec.From = message.HeaderAddress(env.Headers["From"])
		}
		return rec
	}

	rec.Subject, rec.Body = content.Subject, content.Body
	if rec.From == "" {
		rec.From = content.From
	}
	return rec
}

package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.io/infrasutra/burnbox/internal/ingest"
	"github.io/infrasutra/burnbox/internal/kv"
	"github.io/infrasutra/burnbox/internal/kv/memory"
	"github.io/infrasutra/burnbox/internal/message"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newNormalizer(t *testing.T, store kv.Store, opts ...ingest.Option) *ingest.Normalizer {
	t.Helper()
	opts = append([]ingest.Option{
		ingest.WithClock(func() time.Time { return fixedNow }),
		ingest.WithIDGenerator(func() string { return "id-1" }),
	}, opts...)
	return ingest.New(store, 5*time.Minute, testLogger, opts...)
}

func loadRecord(t *testing.T, store kv.Store, key string) message.Record {
	t.Helper()
	data, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get %s: %v", key, err)
	}
	rec, err := message.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return rec
}

type recordingPublisher struct {
	recipients []string
}

func (p *recordingPublisher) Publish(recipient string, _ message.Record) {
	p.recipients = append(p.recipients, recipient)
}

func TestIngestStoresParsedRecord(t *testing.T) {
	store := memory.New(memory.Options{})
	defer store.Close()
	pub := &recordingPublisher{}
	n := newNormalizer(t, store, ingest.WithPublisher(pub))

	raw := "From: s@example.com\r\nSubject: Hi\r\nContent-Type: text/plain\r\n\r\n  code 42  \r\n"
	n.Ingest(context.Background(), ingest.Envelope{
		Recipient: "Box@Burnbox.Test",
		Sender:    "s@example.com",
		Raw:       strings.NewReader(raw),
	})

	rec := loadRecord(t, store, "inbox:box@burnbox.test:id-1")
	if rec.Subject != "Hi" || rec.Body != "code 42" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.From != "s@example.com" || rec.Recipient != "box@burnbox.test" {
		t.Errorf("unexpected addressing %+v", rec)
	}
	if !rec.CreatedAt.Equal(fixedNow) {
		t.Errorf("expected createdAt %v, got %v", fixedNow, rec.CreatedAt)
	}
	if len(pub.recipients) != 1 || pub.recipients[0] != "box@burnbox.test" {
		t.Errorf("expected one publish for box@burnbox.test, got %v", pub.recipients)
	}
}

func TestIngestFallbackOnMalformed(t *testing.T) {
	store := memory.New(memory.Options{})
	defer store.Close()
	n := newNormalizer(t, store)

	raw := "not a header line\n" + strings.Repeat("x", message.RawBodyLimit*2)
	n.Ingest(context.Background(), ingest.Envelope{
		Recipient: "box@burnbox.test",
		Sender:    "s@example.com",
		Raw:       strings.NewReader(raw),
		Headers:   map[string]string{"Subject": "OTP inside"},
	})

	rec := loadRecord(t, store, "inbox:box@burnbox.test:id-1")
	if rec.Subject != "OTP inside" {
		t.Errorf("expected transport subject, got %q", rec.Subject)
	}
	if len([]rune(rec.Body)) > message.RawBodyLimit {
		t.Errorf("body exceeds cap: %d runes", len([]rune(rec.Body)))
	}
	if !strings.HasPrefix(rec.Body, "not a header line") {
		t.Errorf("expected raw text body, got %q", rec.Body[:30])
	}
}

func TestIngestFallbackWithoutHeaderSubject(t *testing.T) {
	store := memory.New(memory.Options{})
	defer store.Close()
	n := newNormalizer(t, store)

	n.Ingest(context.Background(), ingest.Envelope{
		Recipient: "box@burnbox.test",
		Raw:       strings.NewReader("garbage\n"),
	})

	rec := loadRecord(t, store, "inbox:box@burnbox.test:id-1")
	if rec.Subject != message.FallbackSubject {
		t.Errorf("expected %q, got %q", message.FallbackSubject, rec.Subject)
	}
}

func TestNormalizeFromFallsBackToHeader(t *testing.T) {
	store := memory.New(memory.Options{})
	defer store.Close()
	n := newNormalizer(t, store)
	tests := []struct {
		name string
		env  ingest.Envelope
		want string
	}{
		{
			name: "parsed header",
			env: ingest.Envelope{
				Recipient: "box@burnbox.test",
				Raw:       strings.NewReader("From: Alice <Alice@Example.com>\r\nSubject: hi\r\n\r\nbody"),
			},
			want: "alice@example.com",
		},
		{
			name: "raw fallback uses scanned header",
			env: ingest.Envelope{
				Recipient: "box@burnbox.test",
				Raw:       strings.NewReader("garbage\n"),
				Headers:   map[string]string{"From": "\"Bounce Daemon\" <mailer-daemon@example.net>"},
			},
			want: "mailer-daemon@example.net",
		},
		{
			name: "envelope sender wins",
			env: ingest.Envelope{
				Recipient: "box@burnbox.test",
				Sender:    "envelope@example.org",
				Raw:       strings.NewReader("From: Alice <alice@example.com>\r\n\r\nbody"),
			},
			want: "envelope@example.org",
		},
		{
			name: "no sender anywhere",
			env: ingest.Envelope{
				Recipient: "box@burnbox.test",
				Raw:       strings.NewReader("Subject: hi\r\n\r\nbody"),
			},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Normalize(tt.env).From; got != tt.want {
				t.Errorf("expected from %q, got %q", tt.want, got)
			}
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestIngestUnreadableStream(t *testing.T) {
	store := memory.New(memory.Options{})
	defer store.Close()
	n := newNormalizer(t, store)

	n.Ingest(context.Background(), ingest.Envelope{
		Recipient: "box@burnbox.test",
		Raw:       io.MultiReader(strings.NewReader("Subject: x\r\n"), failingReader{}),
	})

	rec := loadRecord(t, store, "inbox:box@burnbox.test:id-1")
	if rec.Subject != message.UnreadableSubject || rec.Body != message.UnreadableBody {
		t.Errorf("unexpected record %+v", rec)
	}
}

type brokenStore struct {
	kv.Store
}

func (brokenStore) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("store unavailable")
}

func TestIngestAbsorbsStoreFailure(t *testing.T) {
	pub := &recordingPublisher{}
	n := newNormalizer(t, brokenStore{}, ingest.WithPublisher(pub))

	n.Ingest(context.Background(), ingest.Envelope{
		Recipient: "box@burnbox.test",
		Raw:       strings.NewReader("Subject: x\r\n\r\nbody\r\n"),
	})

	if len(pub.recipients) != 0 {
		t.Error("expected no publish after a failed write")
	}
}

func TestIngestRecordExpires(t *testing.T) {
	now := fixedNow
	store := memory.New(memory.Options{Now: func() time.Time { return now }})
	defer store.Close()
	n := newNormalizer(t, store)

	n.Ingest(context.Background(), ingest.Envelope{
		Recipient: "box@burnbox.test",
		Raw:       strings.NewReader("Subject: x\r\n\r\nbody\r\n"),
	})

	now = fixedNow.Add(100 * time.Second)
	if _, err := store.Get(context.Background(), "inbox:box@burnbox.test:id-1"); err != nil {
		t.Fatalf("expected record at t+100s: %v", err)
	}
	now = fixedNow.Add(301 * time.Second)
	if _, err := store.Get(context.Background(), "inbox:box@burnbox.test:id-1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected record gone at t+301s, got %v", err)
	}
}

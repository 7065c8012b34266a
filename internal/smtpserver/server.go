package smtpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/burnbox/internal/ingest"
	"github.io/infrasutra/burnbox/internal/message"
)

const (
	maxRecipients   = 100
	ingestTimeout   = 10 * time.Second
	defaultMaxBytes = 10 << 20
)

// Ingester receives one envelope per accepted recipient.
type Ingester interface {
	Ingest(ctx context.Context, env ingest.Envelope)
}

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Config struct {
	Addr            string
	Domain          string
	MaxMessageBytes int64
	Auth            AuthConfig
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(ingester Ingester, logger *slog.Logger, cfg Config) *Server {
	backend := &backend{
		ingester: ingester,
		logger:   logger,
		domain:   cfg.Domain,
		auth:     cfg.Auth,
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	server := smtp.NewServer(backend)
	server.Addr = cfg.Addr
	server.Domain = cfg.Domain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = maxRecipients
	server.MaxMessageBytes = maxBytes

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr, "domain", s.smtp.Domain)
	return s.smtp.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.smtp.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	ingester Ingester
	logger   *slog.Logger
	domain   string
	auth     AuthConfig
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if c != nil && c.Conn() != nil {
		remote = c.Conn().RemoteAddr().String()
	}
	return &session{backend: b, logger: b.logger.With("remote", remote)}, nil
}

type session struct {
	backend       *backend
	logger        *slog.Logger
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.auth.Enabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.auth.Enabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username == s.backend.auth.Username && password == s.backend.auth.Password {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.auth.Enabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = message.NormalizeAddress(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.auth.Enabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	addr := message.NormalizeAddress(to)
	if !message.InDomain(addr, s.backend.domain) {
		s.logger.Debug("reject recipient outside domain", "recipient", addr)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      fmt.Sprintf("No mailbox for %s here", addr),
		}
	}
	for _, existing := range s.to {
		if existing == addr {
			return nil
		}
	}
	s.to = append(s.to, addr)
	return nil
}

// Data accepts the message once for every recipient. A read failure past
// the size limit is returned to the client; anything later is absorbed by
// the ingester.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		s.logger.Warn("read smtp data", "error", err)
		return err
	}
	headers := message.ScanHeaders(raw)

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	for _, rcpt := range s.to {
		s.backend.ingester.Ingest(ctx, ingest.Envelope{
			Recipient: rcpt,
			Sender:    s.from,
			Raw:       bytes.NewReader(raw),
			Headers:   headers,
		})
	}
	s.logger.Debug("smtp message accepted", "from", s.from, "recipients", len(s.to), "bytes", len(raw))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

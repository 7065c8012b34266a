package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTicket = errors.New("invalid stream ticket")

// Ticket is what a stream ticket grants: reading one recipient's live events
// as one device.
type Ticket struct {
	Recipient string
	DeviceID  string
	IssuedAt  time.Time
}

// TicketManager signs short-lived stream tickets, passed in the query string
// where an Authorization header is not available.
type TicketManager struct {
	secret []byte
	maxAge time.Duration
}

// NewTicketManager uses secret, or a random one when secret is empty (tickets
// then do not survive a restart).
func NewTicketManager(secret string, maxAge time.Duration) (*TicketManager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate ticket secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &TicketManager{secret: []byte(secret), maxAge: maxAge}, nil
}

func (m *TicketManager) MaxAge() time.Duration {
	return m.maxAge
}

func (m *TicketManager) Issue(recipient, deviceID string, now time.Time) string {
	payload := strings.Join([]string{
		base64.RawURLEncoding.EncodeToString([]byte(recipient)),
		base64.RawURLEncoding.EncodeToString([]byte(deviceID)),
		strconv.FormatInt(now.Unix(), 10),
	}, "|")
	token := payload + "|" + m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token))
}

func (m *TicketManager) Parse(ticket string, now time.Time) (Ticket, error) {
	if ticket == "" {
		return Ticket{}, ErrInvalidTicket
	}
	raw, err := base64.RawURLEncoding.DecodeString(ticket)
	if err != nil {
		return Ticket{}, ErrInvalidTicket
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return Ticket{}, ErrInvalidTicket
	}
	payload := strings.Join(parts[:3], "|")
	if !m.verify(payload, parts[3]) {
		return Ticket{}, ErrInvalidTicket
	}
	timestamp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Ticket{}, ErrInvalidTicket
	}
	issuedAt := time.Unix(timestamp, 0)
	if now.Sub(issuedAt) > m.maxAge {
		return Ticket{}, fmt.Errorf("%w: expired", ErrInvalidTicket)
	}
	recipient, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Ticket{}, ErrInvalidTicket
	}
	deviceID, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Ticket{}, ErrInvalidTicket
	}
	return Ticket{Recipient: string(recipient), DeviceID: string(deviceID), IssuedAt: issuedAt}, nil
}

func (m *TicketManager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *TicketManager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

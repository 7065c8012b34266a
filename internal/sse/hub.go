// Package sse fans new-mail events out to live inbox streams.
package sse

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.io/infrasutra/burnbox/internal/message"
)

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

func (h *Hub) Subscribe(recipient string) (chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[recipient]; !ok {
		h.subs[recipient] = make(map[chan []byte]struct{})
	}
	h.subs[recipient][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[recipient]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, recipient)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns how many streams are open for recipient.
func (h *Hub) Subscribers(recipient string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[recipient])
}

// Publish announces rec to the recipient's streams. Slow subscribers miss
// events rather than block ingestion.
func (h *Hub) Publish(recipient string, rec message.Record) {
	h.Broadcast(recipient, buildEvent(rec))
}

func (h *Hub) Broadcast(recipient string, payload []byte) {
	if recipient == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[recipient] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// buildEvent carries only the summary; clients refetch the inbox for bodies.
func buildEvent(rec message.Record) []byte {
	payload := map[string]any{
		"id":        rec.ID,
		"from":      rec.From,
		"subject":   rec.Subject,
		"createdAt": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: message\ndata: %s\n\n", data))
}

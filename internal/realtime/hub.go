package realtime

import (
	"context"
	"sync"
)

const subscriptionBuffer = 16

// Hub is the in-process Broker used when no Redis is configured. It only reaches sessions
// connected to the same process.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*hubSubscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[*hubSubscription]struct{}{}}
}

// Publish never blocks: subscribers with a full buffer miss the payload.
func (h *Hub) Publish(_ context.Context, userID string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for sub := range h.subs[Channel(userID)] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.out <- msg:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, userID string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	channel := Channel(userID)
	sub := &hubSubscription{hub: h, channel: channel, out: make(chan []byte, subscriptionBuffer)}
	if h.subs[channel] == nil {
		h.subs[channel] = map[*hubSubscription]struct{}{}
	}
	h.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Close ends every open subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for channel, set := range h.subs {
		for sub := range set {
			close(sub.out)
		}
		delete(h.subs, channel)
	}
	return nil
}

func (h *Hub) subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[Channel(userID)])
}

type hubSubscription struct {
	hub     *Hub
	channel string
	out     chan []byte
}

func (s *hubSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *hubSubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	set, ok := s.hub.subs[s.channel]
	if !ok {
		return nil
	}
	if _, ok := set[s]; !ok {
		return nil
	}
	delete(set, s)
	if len(set) == 0 {
		delete(s.hub.subs, s.channel)
	}
	close(s.out)
	return nil
}

// Package memoryhost is the single-process sessions.Host: records live in a
// map and each session carries an append-only message log with replayable
// subscriptions. It is the default host when no Redis address is configured.
package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/vantagedata/vantage-mcp/sessions"
)

type message struct {
	id   string
	data []byte
}

type sessionData struct {
	mu          sync.Mutex
	record      []byte
	hasRecord   bool
	messages    []message
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	ch chan message
}

// Host implements sessions.Host in process memory.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*sessionData
	counter  atomic.Int64
}

var _ sessions.Host = (*Host)(nil)

func New() *Host {
	return &Host{sessions: make(map[string]*sessionData)}
}

func (h *Host) ensure(sessID string) *sessionData {
	h.mu.Lock()
	defer h.mu.Unlock()
	sd, ok := h.sessions[sessID]
	if !ok {
		sd = &sessionData{subscribers: make(map[*subscriber]struct{})}
		h.sessions[sessID] = sd
	}
	return sd
}

func (h *Host) PutRecord(ctx context.Context, sessID string, data []byte) error {
	sd := h.ensure(sessID)
	sd.mu.Lock()
	sd.record = append([]byte(nil), data...)
	sd.hasRecord = true
	sd.mu.Unlock()
	return nil
}

func (h *Host) GetRecord(ctx context.Context, sessID string) ([]byte, error) {
	h.mu.Lock()
	sd, ok := h.sessions[sessID]
	h.mu.Unlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.hasRecord {
		return nil, sessions.ErrSessionNotFound
	}
	return append([]byte(nil), sd.record...), nil
}

func (h *Host) DeleteRecord(ctx context.Context, sessID string) error {
	h.mu.Lock()
	sd, ok := h.sessions[sessID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	sd.mu.Lock()
	sd.record = nil
	sd.hasRecord = false
	sd.mu.Unlock()
	return nil
}

func (h *Host) Publish(ctx context.Context, sessID string, payload []byte) (string, error) {
	msgID := strconv.FormatInt(h.counter.Add(1), 10)
	msg := message{id: msgID, data: append([]byte(nil), payload...)}

	sd := h.ensure(sessID)
	sd.mu.Lock()
	sd.messages = append(sd.messages, msg)
	subs := make([]*subscriber, 0, len(sd.subscribers))
	for sub := range sd.subscribers {
		subs = append(subs, sub)
	}
	sd.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			// A stalled subscriber falls behind; it will resume via
			// Last-Event-ID replay on its next connect.
		}
	}
	return msgID, nil
}

func (h *Host) Subscribe(ctx context.Context, sessID string, lastMsgID string, fn sessions.MessageFunc) error {
	sd := h.ensure(sessID)

	sub := &subscriber{ch: make(chan message, 64)}

	sd.mu.Lock()
	var replay []message
	if lastMsgID == "" {
		replay = append(replay, sd.messages...)
	} else {
		found := false
		for i := range sd.messages {
			if sd.messages[i].id == lastMsgID {
				replay = append(replay, sd.messages[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			sd.mu.Unlock()
			return fmt.Errorf("last message id %s not found", lastMsgID)
		}
	}
	sd.subscribers[sub] = struct{}{}
	sd.mu.Unlock()

	defer func() {
		sd.mu.Lock()
		delete(sd.subscribers, sub)
		sd.mu.Unlock()
	}()

	seen := make(map[string]struct{}, len(replay))
	for _, m := range replay {
		if err := fn(ctx, m.id, m.data); err != nil {
			return err
		}
		seen[m.id] = struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-sub.ch:
			// A message published during registration may appear in both the
			// replay slice and the live channel.
			if _, dup := seen[m.id]; dup {
				continue
			}
			if err := fn(ctx, m.id, m.data); err != nil {
				return err
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessID string) error {
	h.mu.Lock()
	delete(h.sessions, sessID)
	h.mu.Unlock()
	return nil
}

func (h *Host) Close() error { return nil }

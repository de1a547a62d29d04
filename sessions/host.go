package sessions

import "context"

// MessageFunc receives one replayed or live message from a session stream.
// Returning an error stops the subscription and propagates out of Subscribe.
type MessageFunc func(ctx context.Context, msgID string, payload []byte) error

// Host is the storage and messaging substrate behind the session manager.
// Implementations must be safe for concurrent use across sessions.
//
// Record operations store opaque signed blobs keyed by session id. Stream
// operations provide an ordered per-session message log with resumable
// delivery: Subscribe replays messages after lastMsgID (all retained
// messages when lastMsgID is empty) and then follows the live tail until
// ctx is canceled.
type Host interface {
	PutRecord(ctx context.Context, sessID string, data []byte) error
	// GetRecord returns ErrSessionNotFound when no record exists.
	GetRecord(ctx context.Context, sessID string) ([]byte, error)
	DeleteRecord(ctx context.Context, sessID string) error

	// Publish appends a message to the session's stream and returns its id.
	Publish(ctx context.Context, sessID string, payload []byte) (string, error)
	Subscribe(ctx context.Context, sessID string, lastMsgID string, fn MessageFunc) error
	// CleanupSession drops the stream and any retained messages.
	CleanupSession(ctx context.Context, sessID string) error

	Close() error
}

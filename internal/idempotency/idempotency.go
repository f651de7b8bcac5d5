// Package idempotency makes transition attempts safe to retry. A client key
// is reserved before any side effect runs; a repeat of the same key either
// replays the stored response or is told the first attempt is still running.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInProgress = errors.New("request with this idempotency key is still in progress")
	// ErrMismatch means the key was reused for a different request.
	ErrMismatch = errors.New("idempotency key reused with a different request")
)

const (
	StatePending = "pending"
	StateDone    = "done"
)

// Record is what is stored per key.
type Record struct {
	State       string          `json:"state"`
	Fingerprint string          `json:"fingerprint"`
	IntentID    string          `json:"intent_id,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Store interface {
	// Reserve stores rec under key unless the key exists. When it exists the
	// stored record is returned with reserved=false.
	Reserve(ctx context.Context, key string, rec Record, ttl time.Duration) (existing Record, reserved bool, err error)
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Scope namespaces a client key by actor and operation so two users cannot
// collide on the same key.
func Scope(actorID, operation, clientKey string) string {
	return strings.Join([]string{actorID, operation, strings.TrimSpace(clientKey)}, ":")
}

// Check interprets the result of Reserve for a caller about to run the
// operation identified by fingerprint. replay is non-nil when a finished
// response should be returned as-is.
func Check(existing Record, reserved bool, fingerprint string) (replay *Record, err error) {
	if reserved {
		return nil, nil
	}
	if existing.Fingerprint != "" && existing.Fingerprint != fingerprint {
		return nil, ErrMismatch
	}
	if existing.State != StateDone {
		return nil, ErrInProgress
	}
	return &existing, nil
}

type ctxKey struct{}

// WithKey attaches a client idempotency key to ctx.
func WithKey(ctx context.Context, key string) context.Context {
	if strings.TrimSpace(key) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, strings.TrimSpace(key))
}

func KeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(ctxKey{}).(string)
	return key
}

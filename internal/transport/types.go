package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type TargetKind string

const (
	KindContact TargetKind = "contact"
	KindGroup   TargetKind = "group"
)

// Target is one recipient of a campaign. Recipient is the transport address
// (chat id for Telegram).
type Target struct {
	ID        string     `json:"id"`
	Kind      TargetKind `json:"kind"`
	Recipient string     `json:"recipient"`
	Name      string     `json:"name"`
}

// Media is a local video file plus its caption.
type Media struct {
	Path     string
	Caption  string
	MimeType string
}

// MessageRef identifies an uploaded message so it can be forwarded.
type MessageRef struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// Valid reports whether the ref carries a usable identifier.
func (r MessageRef) Valid() bool { return r.MessageID != "" && r.ChatID != "" }

// Messenger is the send/forward surface the dispatch engine relies on.
type Messenger interface {
	Send(ctx context.Context, to Target, m Media) (MessageRef, error)
	Forward(ctx context.Context, to Target, ref MessageRef) error
	Ready() bool
}

// ErrRecipientUnavailable marks a failure that concerns one recipient only
// (blocked the bot, left or deactivated, chat gone). It never signals an
// account-level restriction.
var ErrRecipientUnavailable = errors.New("recipient unavailable")

// StatusError is a transport failure that carries a status code.
// RetryAfter is an optional server-provided hint.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transport status %d: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transport status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf extracts the status code and retry hint from err, if any.
func StatusOf(err error) (code int, retryAfter time.Duration, ok bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, se.RetryAfter, true
	}
	return 0, 0, false
}

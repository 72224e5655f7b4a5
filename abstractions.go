package main

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("timer not found")
	ErrNotPending = errors.New("timer is not pending")
	ErrDuplicate  = errors.New("timer id already exists")
)

// ListFilter narrows and pages the List operation. Sort must be one of
// "created_at" or "execute_at"; Order "asc" or "desc". Validation happens at
// the API boundary; the store trusts the shape.
type ListFilter struct {
	Status *Status
	Limit  int
	Offset int
	Sort   string
	Order  string
}

// TimerPatch carries the mutable fields of an update. Kind and Callback are
// set together or not at all, keeping the variant coherent with the tag.
type TimerPatch struct {
	ExecuteAt *time.Time
	Kind      *CallbackKind
	Callback  *CallbackConfig
	Metadata  json.RawMessage
}

// TimerStore is the authoritative persistent store. Every mutation passes
// through it, and it is the sole input to recovery after a restart.
type TimerStore interface {
	Insert(ctx context.Context, timer *Timer) error
	LoadByID(ctx context.Context, id uuid.UUID) (*Timer, error)
	List(ctx context.Context, filter ListFilter) ([]Timer, int64, error)
	UpdateMutable(ctx context.Context, id uuid.UUID, patch TimerPatch) (*Timer, error)
	Cancel(ctx context.Context, id uuid.UUID) (*Timer, error)

	// ClaimForFiring atomically transitions pending -> executing and reports
	// whether this caller won the claim. It is the only serialization point
	// that must survive process restart.
	ClaimForFiring(ctx context.Context, id uuid.UUID) (bool, error)

	// Finalize records the terminal outcome of a firing. Calling it on a row
	// that is already terminal is a no-op; the mismatch is logged, not raised.
	Finalize(ctx context.Context, id uuid.UUID, outcome Status, executedAt time.Time, lastError string) error

	// LoadActivationWindow returns every pending timer with execute_at in
	// (now - recoveryLookback, now + activationLookahead]; the lower bound is
	// exclusive.
	LoadActivationWindow(ctx context.Context, now time.Time) ([]Timer, error)

	// UnstickExecuting demotes executing rows inside the recovery lookback
	// back to pending. Runs once at startup, before the first refresh tick.
	UnstickExecuting(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// PublishGateway is the outbound broker connection shared by all dispatchers.
// Publishing is fire-and-forget: success means the broker accepted the
// message, not that anybody consumed it.
type PublishGateway interface {
	Publish(ctx context.Context, topic string, key string, headers map[string]string, body []byte) error
	Close() error
}

// TimerDispatcher executes one firing attempt for a claimed timer.
type TimerDispatcher interface {
	Dispatch(timer Timer)
}

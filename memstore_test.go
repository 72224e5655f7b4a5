package main

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore is an in-memory TimerStore for tests. It mirrors the store
// contract including the conditional transitions, so the scheduler and
// dispatcher can be exercised without a database.
type memoryStore struct {
	mu        sync.Mutex
	timers    map[uuid.UUID]*Timer
	lookback  time.Duration
	lookahead time.Duration

	windowErr error
	claimErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		timers:    make(map[uuid.UUID]*Timer),
		lookback:  DefaultRecoveryLookback,
		lookahead: DefaultActivationLookahead,
	}
}

func (store *memoryStore) put(timer Timer) {
	store.mu.Lock()
	defer store.mu.Unlock()
	copied := timer
	store.timers[timer.ID] = &copied
}

func (store *memoryStore) get(id uuid.UUID) Timer {
	store.mu.Lock()
	defer store.mu.Unlock()
	return *store.timers[id]
}

func (store *memoryStore) Insert(ctx context.Context, timer *Timer) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.timers[timer.ID]; exists {
		return ErrDuplicate
	}
	copied := *timer
	store.timers[timer.ID] = &copied
	return nil
}

func (store *memoryStore) LoadByID(ctx context.Context, id uuid.UUID) (*Timer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	timer, exists := store.timers[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *timer
	return &copied, nil
}

func (store *memoryStore) List(ctx context.Context, filter ListFilter) ([]Timer, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]Timer, 0, len(store.timers))
	for _, timer := range store.timers {
		if filter.Status != nil && timer.Status != *filter.Status {
			continue
		}
		matched = append(matched, *timer)
	}
	sort.Slice(matched, func(i, j int) bool {
		var before bool
		if filter.Sort == "execute_at" {
			before = matched[i].ExecuteAt.Before(matched[j].ExecuteAt)
		} else {
			before = matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		if filter.Order == "desc" {
			return !before
		}
		return before
	})
	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []Timer{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (store *memoryStore) UpdateMutable(ctx context.Context, id uuid.UUID, patch TimerPatch) (*Timer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	timer, exists := store.timers[id]
	if !exists {
		return nil, ErrNotFound
	}
	if timer.Status != StatusPending {
		return nil, ErrNotPending
	}
	if patch.ExecuteAt != nil {
		timer.ExecuteAt = *patch.ExecuteAt
	}
	if patch.Kind != nil {
		timer.CallbackKind = *patch.Kind
	}
	if patch.Callback != nil {
		timer.Callback = *patch.Callback
	}
	if patch.Metadata != nil {
		timer.Metadata = patch.Metadata
	}
	timer.UpdatedAt = time.Now().UTC()
	copied := *timer
	return &copied, nil
}

func (store *memoryStore) Cancel(ctx context.Context, id uuid.UUID) (*Timer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	timer, exists := store.timers[id]
	if !exists {
		return nil, ErrNotFound
	}
	if timer.Status != StatusPending {
		return nil, ErrNotPending
	}
	timer.Status = StatusCanceled
	timer.UpdatedAt = time.Now().UTC()
	copied := *timer
	return &copied, nil
}

func (store *memoryStore) ClaimForFiring(ctx context.Context, id uuid.UUID) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.claimErr != nil {
		return false, store.claimErr
	}
	timer, exists := store.timers[id]
	if !exists || timer.Status != StatusPending {
		return false, nil
	}
	timer.Status = StatusExecuting
	timer.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (store *memoryStore) Finalize(ctx context.Context, id uuid.UUID, outcome Status, executedAt time.Time, lastError string) error {
	if outcome != StatusCompleted && outcome != StatusFailed {
		return errors.New("bad outcome")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	timer, exists := store.timers[id]
	if !exists || timer.Status != StatusExecuting {
		// Benign race per the store contract.
		return nil
	}
	timer.Status = outcome
	timer.ExecutedAt = &executedAt
	if outcome == StatusFailed {
		timer.LastError = &lastError
	}
	timer.UpdatedAt = time.Now().UTC()
	return nil
}

func (store *memoryStore) LoadActivationWindow(ctx context.Context, now time.Time) ([]Timer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.windowErr != nil {
		return nil, store.windowErr
	}
	var window []Timer
	for _, timer := range store.timers {
		if timer.Status != StatusPending {
			continue
		}
		if timer.ExecuteAt.After(now.Add(-store.lookback)) && !timer.ExecuteAt.After(now.Add(store.lookahead)) {
			window = append(window, *timer)
		}
	}
	return window, nil
}

func (store *memoryStore) UnstickExecuting(ctx context.Context, now time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var unstuck int64
	for _, timer := range store.timers {
		if timer.Status == StatusExecuting && timer.ExecuteAt.After(now.Add(-store.lookback)) {
			timer.Status = StatusPending
			unstuck++
		}
	}
	return unstuck, nil
}

func (store *memoryStore) Ping(ctx context.Context) error { return nil }
func (store *memoryStore) Close() error                   { return nil }

func pendingHTTPTimer(executeAt time.Time) Timer {
	now := time.Now().UTC()
	return Timer{
		ID:           NewTimerID(),
		CreatedAt:    now,
		UpdatedAt:    now,
		ExecuteAt:    executeAt,
		CallbackKind: CallbackHTTP,
		Callback: CallbackConfig{
			Kind: CallbackHTTP,
			HTTP: &HTTPCallback{URL: "http://127.0.0.1:1/hook"},
		},
		Status: StatusPending,
	}
}

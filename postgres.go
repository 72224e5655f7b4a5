package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PostgresStore is the authoritative TimerStore. The activation window bounds
// are fixed at construction so every caller sees the same window shape.
type PostgresStore struct {
	db        *gorm.DB
	lookback  time.Duration
	lookahead time.Duration
}

func NewPostgresStore(dsn string, lookback, lookahead time.Duration) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(5)

	if err := db.AutoMigrate(&Timer{}); err != nil {
		return nil, fmt.Errorf("cannot migrate timers table: %w", err)
	}
	return &PostgresStore{db: db, lookback: lookback, lookahead: lookahead}, nil
}

func (store *PostgresStore) Insert(ctx context.Context, timer *Timer) error {
	err := store.db.WithContext(ctx).Create(timer).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (store *PostgresStore) LoadByID(ctx context.Context, id uuid.UUID) (*Timer, error) {
	var timer Timer
	err := store.db.WithContext(ctx).First(&timer, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &timer, nil
}

func (store *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Timer, int64, error) {
	query := store.db.WithContext(ctx).Model(&Timer{})
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	timers := make([]Timer, 0, filter.Limit)
	err := query.
		Order(fmt.Sprintf("%s %s", filter.Sort, filter.Order)).
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&timers).Error
	if err != nil {
		return nil, 0, err
	}
	return timers, total, nil
}

func (store *PostgresStore) UpdateMutable(ctx context.Context, id uuid.UUID, patch TimerPatch) (*Timer, error) {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if patch.ExecuteAt != nil {
		updates["execute_at"] = *patch.ExecuteAt
	}
	if patch.Kind != nil {
		updates["callback_type"] = *patch.Kind
	}
	if patch.Callback != nil {
		updates["callback_config"] = *patch.Callback
	}
	if patch.Metadata != nil {
		updates["metadata"] = patch.Metadata
	}

	result := store.db.WithContext(ctx).
		Model(&Timer{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, store.explainMissedUpdate(ctx, id)
	}
	return store.LoadByID(ctx, id)
}

func (store *PostgresStore) Cancel(ctx context.Context, id uuid.UUID) (*Timer, error) {
	result := store.db.WithContext(ctx).
		Model(&Timer{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusCanceled,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, store.explainMissedUpdate(ctx, id)
	}
	return store.LoadByID(ctx, id)
}

// explainMissedUpdate distinguishes "no such row" from "row exists but is no
// longer pending" after a zero-row conditional update.
func (store *PostgresStore) explainMissedUpdate(ctx context.Context, id uuid.UUID) error {
	if _, err := store.LoadByID(ctx, id); err != nil {
		return err
	}
	return ErrNotPending
}

func (store *PostgresStore) ClaimForFiring(ctx context.Context, id uuid.UUID) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Timer{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusExecuting,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (store *PostgresStore) Finalize(ctx context.Context, id uuid.UUID, outcome Status, executedAt time.Time, lastError string) error {
	if outcome != StatusCompleted && outcome != StatusFailed {
		return fmt.Errorf("finalize outcome must be completed or failed, got %q", outcome)
	}
	updates := map[string]interface{}{
		"status":      outcome,
		"executed_at": executedAt,
		"updated_at":  time.Now().UTC(),
	}
	if outcome == StatusFailed {
		updates["last_error"] = lastError
	}
	result := store.db.WithContext(ctx).
		Model(&Timer{}).
		Where("id = ? AND status = ?", id, StatusExecuting).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Benign race: the row is gone or already terminal. Log, don't raise.
		timer, err := store.LoadByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			log.Warn().Stringer("timer_id", id).Msg("finalize: timer not found")
			return nil
		}
		if err != nil {
			return err
		}
		log.Warn().
			Stringer("timer_id", id).
			Str("status", string(timer.Status)).
			Str("outcome", string(outcome)).
			Msg("finalize: timer is not executing, leaving it untouched")
	}
	return nil
}

func (store *PostgresStore) LoadActivationWindow(ctx context.Context, now time.Time) ([]Timer, error) {
	timers := make([]Timer, 0, 64)
	err := store.db.WithContext(ctx).
		Where(
			"status = ? AND execute_at > ? AND execute_at <= ?",
			StatusPending, now.Add(-store.lookback), now.Add(store.lookahead),
		).
		Order("execute_at asc").
		Find(&timers).Error
	if err != nil {
		return nil, err
	}
	return timers, nil
}

func (store *PostgresStore) UnstickExecuting(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&Timer{}).
		Where(
			"status = ? AND execute_at > ?",
			StatusExecuting, now.Add(-store.lookback),
		).
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (store *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (store *PostgresStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

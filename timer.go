package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal states are never exited.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(raw)) {
	case StatusPending:
		return StatusPending, nil
	case StatusExecuting:
		return StatusExecuting, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusCanceled:
		return StatusCanceled, nil
	}
	return "", fmt.Errorf("invalid timer status %q", raw)
}

type CallbackKind string

const (
	CallbackHTTP    CallbackKind = "http"
	CallbackPublish CallbackKind = "publish"
)

type HTTPCallback struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

type PublishCallback struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// CallbackConfig is the tagged union stored in the callback_config column.
// The wire and persisted form is internally tagged: {"type":"http",...} or
// {"type":"publish",...}. Exactly one variant is set, and it always matches
// Kind.
type CallbackConfig struct {
	Kind    CallbackKind
	HTTP    *HTTPCallback
	Publish *PublishCallback
}

func (c CallbackConfig) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case CallbackHTTP:
		return json.Marshal(struct {
			Type CallbackKind `json:"type"`
			*HTTPCallback
		}{c.Kind, c.HTTP})
	case CallbackPublish:
		return json.Marshal(struct {
			Type CallbackKind `json:"type"`
			*PublishCallback
		}{c.Kind, c.Publish})
	}
	return nil, fmt.Errorf("callback config has no variant (kind %q)", c.Kind)
}

func (c *CallbackConfig) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type CallbackKind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case CallbackHTTP:
		variant := &HTTPCallback{}
		if err := json.Unmarshal(data, variant); err != nil {
			return err
		}
		*c = CallbackConfig{Kind: CallbackHTTP, HTTP: variant}
		return nil
	case CallbackPublish:
		variant := &PublishCallback{}
		if err := json.Unmarshal(data, variant); err != nil {
			return err
		}
		*c = CallbackConfig{Kind: CallbackPublish, Publish: variant}
		return nil
	case "":
		return errors.New("callback config is missing the type tag")
	}
	return fmt.Errorf("unknown callback type %q", probe.Type)
}

// Value implements driver.Valuer so gorm can persist the tagged JSON.
func (c CallbackConfig) Value() (interface{}, error) {
	data, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for reading the jsonb column back.
func (c *CallbackConfig) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return c.UnmarshalJSON(v)
	case string:
		return c.UnmarshalJSON([]byte(v))
	}
	return fmt.Errorf("cannot scan %T into CallbackConfig", src)
}

// Validate checks structural coherence of the union. It does not reach the
// network; reachability of the URL or broker is the dispatcher's problem.
func (c CallbackConfig) Validate() error {
	switch c.Kind {
	case CallbackHTTP:
		if c.HTTP == nil {
			return errors.New("http callback config is missing its variant")
		}
		if !strings.HasPrefix(c.HTTP.URL, "http://") && !strings.HasPrefix(c.HTTP.URL, "https://") {
			return errors.New("http callback URL must start with http:// or https://")
		}
		return nil
	case CallbackPublish:
		if c.Publish == nil {
			return errors.New("publish callback config is missing its variant")
		}
		if strings.TrimSpace(c.Publish.Topic) == "" {
			return errors.New("publish topic cannot be empty")
		}
		return nil
	}
	return fmt.Errorf("unknown callback kind %q", c.Kind)
}

// Timer is the persistent record. The (status, execute_at) composite index
// serves the activation-window query.
type Timer struct {
	ID           uuid.UUID       `gorm:"primaryKey;type:uuid" json:"id"`
	CreatedAt    time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"not null" json:"updated_at"`
	ExecuteAt    time.Time       `gorm:"not null;index:idx_timers_status_execute_at,priority:2" json:"execute_at"`
	CallbackKind CallbackKind    `gorm:"column:callback_type;type:varchar(16);not null" json:"callback_type"`
	Callback     CallbackConfig  `gorm:"column:callback_config;type:jsonb;not null" json:"callback"`
	Status       Status          `gorm:"type:varchar(16);not null;index:idx_timers_status_execute_at,priority:1" json:"status"`
	LastError    *string         `gorm:"column:last_error" json:"last_error,omitempty"`
	ExecutedAt   *time.Time      `gorm:"column:executed_at" json:"executed_at,omitempty"`
	Metadata     json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
}

func (Timer) TableName() string { return "timers" }

// Due reports whether the timer should fire at instant now.
func (t *Timer) Due(now time.Time) bool {
	return !t.ExecuteAt.After(now)
}

func NewTimerID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		log.Error().Err(err).Msg("cannot generate UUIDv7")
		return uuid.Nil
	}
	return id
}

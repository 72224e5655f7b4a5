package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TimerSummary is the condensed view returned by create, list and update.
type TimerSummary struct {
	ID         uuid.UUID    `json:"id"`
	CreatedAt  time.Time    `json:"created_at"`
	ExecuteAt  time.Time    `json:"execute_at"`
	Kind       CallbackKind `json:"callback_type"`
	Status     Status       `json:"status"`
	ExecutedAt *time.Time   `json:"executed_at,omitempty"`
}

// TimerDetail is the full record view returned by get.
type TimerDetail struct {
	ID         uuid.UUID       `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ExecuteAt  time.Time       `json:"execute_at"`
	Callback   json.RawMessage `json:"callback"`
	Status     Status          `json:"status"`
	LastError  *string         `json:"last_error,omitempty"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

func summarize(timer *Timer) TimerSummary {
	return TimerSummary{
		ID:         timer.ID,
		CreatedAt:  timer.CreatedAt,
		ExecuteAt:  timer.ExecuteAt,
		Kind:       timer.CallbackKind,
		Status:     timer.Status,
		ExecutedAt: timer.ExecutedAt,
	}
}

func detail(timer *Timer) (TimerDetail, error) {
	callback, err := json.Marshal(timer.Callback)
	if err != nil {
		return TimerDetail{}, err
	}
	return TimerDetail{
		ID:         timer.ID,
		CreatedAt:  timer.CreatedAt,
		UpdatedAt:  timer.UpdatedAt,
		ExecuteAt:  timer.ExecuteAt,
		Callback:   callback,
		Status:     timer.Status,
		LastError:  timer.LastError,
		ExecutedAt: timer.ExecutedAt,
		Metadata:   timer.Metadata,
	}, nil
}

type CreateTimerInput struct {
	Body struct {
		ExecuteAt time.Time       `json:"execute_at"`
		Callback  json.RawMessage `json:"callback"`
		Metadata  json.RawMessage `json:"metadata,omitempty" required:"false"`
	}
}

type CreateTimerOutput struct {
	Location string `header:"Location"`
	Body     TimerSummary
}

type GetTimerInput struct {
	ID string `path:"id"`
}

type GetTimerOutput struct {
	Body TimerDetail
}

type ListTimersInput struct {
	Status string `query:"status" required:"false"`
	Limit  int    `query:"limit" required:"false"`
	Offset int    `query:"offset" required:"false"`
	Sort   string `query:"sort" required:"false"`
	Order  string `query:"order" required:"false"`
}

type ListTimersOutput struct {
	Body struct {
		Timers []TimerSummary `json:"timers"`
		Total  int64          `json:"total"`
		Limit  int            `json:"limit"`
		Offset int            `json:"offset"`
	}
}

type UpdateTimerInput struct {
	ID   string `path:"id"`
	Body struct {
		ExecuteAt *time.Time      `json:"execute_at,omitempty" required:"false"`
		Callback  json.RawMessage `json:"callback,omitempty" required:"false"`
		Metadata  json.RawMessage `json:"metadata,omitempty" required:"false"`
	}
}

type UpdateTimerOutput struct {
	Body TimerSummary
}

type CancelTimerInput struct {
	ID string `path:"id"`
}

type CancelTimerOutput struct {
	Body struct {
		ID     uuid.UUID `json:"id"`
		Status Status    `json:"status"`
	}
}

type HealthOutput struct {
	Body struct {
		Status    string    `json:"status"`
		Database  string    `json:"database"`
		Timestamp time.Time `json:"timestamp"`
	}
}

func parseTimerID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, huma.Error400BadRequest("timer id must be a valid UUID", err)
	}
	return id, nil
}

// parseCallback decodes and validates the tagged callback union from a
// request. Publish callbacks are rejected up front when no broker is
// configured, so such timers cannot be created only to fail at dispatch.
func parseCallback(raw json.RawMessage, publishEnabled bool) (CallbackConfig, error) {
	var callback CallbackConfig
	if err := json.Unmarshal(raw, &callback); err != nil {
		return callback, huma.Error400BadRequest("invalid callback config", err)
	}
	if err := callback.Validate(); err != nil {
		return callback, huma.Error400BadRequest(err.Error())
	}
	if callback.Kind == CallbackPublish && !publishEnabled {
		return callback, huma.Error400BadRequest("publish callbacks not available (no broker configured)")
	}
	return callback, nil
}

func storeError(err error, action string) error {
	switch err {
	case ErrNotFound:
		return huma.Error404NotFound("timer not found")
	case ErrNotPending:
		return huma.Error409Conflict(fmt.Sprintf("cannot %s a timer that is not pending", action))
	case ErrDuplicate:
		return huma.Error400BadRequest("timer id already exists")
	}
	log.Error().Err(err).Str("action", action).Msg("store error")
	return huma.Error500InternalServerError("database error", err)
}

func registerAPI(api huma.API, store TimerStore, config Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-timer",
		Method:        http.MethodPost,
		Path:          "/timers",
		Summary:       "Create a one-shot timer",
		Tags:          []string{"timers"},
		DefaultStatus: http.StatusCreated,
		// The callback union is validated by parseCallback, not by the
		// generated schema.
		SkipValidateBody: true,
	}, func(ctx context.Context, input *CreateTimerInput) (*CreateTimerOutput, error) {
		now := time.Now().UTC()
		if !input.Body.ExecuteAt.After(now.Add(config.MinCreationDelay)) {
			return nil, huma.Error400BadRequest(
				fmt.Sprintf("execute_at must be at least %s in the future", config.MinCreationDelay))
		}
		callback, err := parseCallback(input.Body.Callback, config.PublishEnabled())
		if err != nil {
			return nil, err
		}
		timer := &Timer{
			ID:           NewTimerID(),
			CreatedAt:    now,
			UpdatedAt:    now,
			ExecuteAt:    input.Body.ExecuteAt.UTC(),
			CallbackKind: callback.Kind,
			Callback:     callback,
			Status:       StatusPending,
			Metadata:     input.Body.Metadata,
		}
		if err := store.Insert(ctx, timer); err != nil {
			return nil, storeError(err, "create")
		}
		resp := &CreateTimerOutput{
			Location: "/timers/" + timer.ID.String(),
			Body:     summarize(timer),
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-timer",
		Method:      http.MethodGet,
		Path:        "/timers/{id}",
		Summary:     "Get a timer by id",
		Tags:        []string{"timers"},
	}, func(ctx context.Context, input *GetTimerInput) (*GetTimerOutput, error) {
		id, err := parseTimerID(input.ID)
		if err != nil {
			return nil, err
		}
		timer, err := store.LoadByID(ctx, id)
		if err != nil {
			return nil, storeError(err, "get")
		}
		body, err := detail(timer)
		if err != nil {
			return nil, huma.Error500InternalServerError("cannot encode timer", err)
		}
		return &GetTimerOutput{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-timers",
		Method:      http.MethodGet,
		Path:        "/timers",
		Summary:     "List timers",
		Tags:        []string{"timers"},
	}, func(ctx context.Context, input *ListTimersInput) (*ListTimersOutput, error) {
		filter := ListFilter{
			Limit:  50,
			Offset: 0,
			Sort:   "created_at",
			Order:  "desc",
		}
		if input.Limit != 0 {
			filter.Limit = input.Limit
		}
		if filter.Limit < 1 || filter.Limit > 200 {
			return nil, huma.Error400BadRequest("limit must be between 1 and 200")
		}
		if input.Offset < 0 {
			return nil, huma.Error400BadRequest("offset must not be negative")
		}
		filter.Offset = input.Offset
		if input.Sort != "" {
			filter.Sort = input.Sort
		}
		if filter.Sort != "created_at" && filter.Sort != "execute_at" {
			return nil, huma.Error400BadRequest("sort field must be 'created_at' or 'execute_at'")
		}
		if input.Order != "" {
			filter.Order = input.Order
		}
		if filter.Order != "asc" && filter.Order != "desc" {
			return nil, huma.Error400BadRequest("order must be 'asc' or 'desc'")
		}
		if input.Status != "" {
			status, err := ParseStatus(input.Status)
			if err != nil {
				return nil, huma.Error400BadRequest(err.Error())
			}
			filter.Status = &status
		}

		timers, total, err := store.List(ctx, filter)
		if err != nil {
			return nil, storeError(err, "list")
		}
		resp := &ListTimersOutput{}
		resp.Body.Timers = make([]TimerSummary, 0, len(timers))
		for i := range timers {
			resp.Body.Timers = append(resp.Body.Timers, summarize(&timers[i]))
		}
		resp.Body.Total = total
		resp.Body.Limit = filter.Limit
		resp.Body.Offset = filter.Offset
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:      "update-timer",
		Method:           http.MethodPut,
		Path:             "/timers/{id}",
		Summary:          "Update a pending timer",
		Tags:             []string{"timers"},
		SkipValidateBody: true,
	}, func(ctx context.Context, input *UpdateTimerInput) (*UpdateTimerOutput, error) {
		id, err := parseTimerID(input.ID)
		if err != nil {
			return nil, err
		}
		patch := TimerPatch{Metadata: input.Body.Metadata}
		if input.Body.ExecuteAt != nil {
			now := time.Now().UTC()
			if !input.Body.ExecuteAt.After(now.Add(config.MinCreationDelay)) {
				return nil, huma.Error400BadRequest(
					fmt.Sprintf("execute_at must be at least %s in the future", config.MinCreationDelay))
			}
			executeAt := input.Body.ExecuteAt.UTC()
			patch.ExecuteAt = &executeAt
		}
		if len(input.Body.Callback) > 0 {
			callback, err := parseCallback(input.Body.Callback, config.PublishEnabled())
			if err != nil {
				return nil, err
			}
			patch.Kind = &callback.Kind
			patch.Callback = &callback
		}
		timer, err := store.UpdateMutable(ctx, id, patch)
		if err != nil {
			return nil, storeError(err, "update")
		}
		return &UpdateTimerOutput{Body: summarize(timer)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-timer",
		Method:      http.MethodDelete,
		Path:        "/timers/{id}",
		Summary:     "Cancel a pending timer",
		Tags:        []string{"timers"},
	}, func(ctx context.Context, input *CancelTimerInput) (*CancelTimerOutput, error) {
		id, err := parseTimerID(input.ID)
		if err != nil {
			return nil, err
		}
		timer, err := store.Cancel(ctx, id)
		if err != nil {
			return nil, storeError(err, "cancel")
		}
		resp := &CancelTimerOutput{}
		resp.Body.ID = timer.ID
		resp.Body.Status = timer.Status
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Service health",
		Tags:        []string{"health"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		resp := &HealthOutput{}
		resp.Body.Timestamp = time.Now().UTC()
		if err := store.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("health check failed")
			return nil, huma.Error500InternalServerError("database connection failed", err)
		}
		resp.Body.Status = "up"
		resp.Body.Database = "connected"
		return resp, nil
	})
}

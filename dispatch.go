package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const userAgent = "timerd/0.1.0"

// Dispatcher executes one callback attempt per claimed timer and writes the
// terminal outcome. There are no retries: exactly one attempt per firing.
// Each Dispatch call is an isolated failure domain; a panic inside it is
// converted to a failed outcome and never reaches the scanner.
type Dispatcher struct {
	store      TimerStore
	gateway    PublishGateway // nil when no publish broker is configured
	httpClient *http.Client
	deadline   time.Duration
}

func NewDispatcher(store TimerStore, gateway PublishGateway, deadline time.Duration) *Dispatcher {
	return &Dispatcher{
		store:      store,
		gateway:    gateway,
		httpClient: &http.Client{Timeout: deadline},
		deadline:   deadline,
	}
}

func (d *Dispatcher) Dispatch(timer Timer) {
	// Last-resort containment: a panic past the callback branch (finalize
	// included) must not escape to the scanner's goroutine and take the
	// process down with it.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Stringer("timer_id", timer.ID).Interface("panic", r).Msg("dispatch: panic while finalizing")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.deadline)
	defer cancel()

	dispatchErr := d.execute(ctx, timer)
	executedAt := time.Now().UTC()

	outcome := StatusCompleted
	lastError := ""
	if dispatchErr != nil {
		outcome = StatusFailed
		lastError = dispatchErr.Error()
		log.Warn().Stringer("timer_id", timer.ID).Str("error", lastError).Msg("dispatch: callback failed")
	} else {
		log.Info().Stringer("timer_id", timer.ID).Msg("dispatch: callback completed")
	}

	// Finalize gets its own context: the outbound deadline may already have
	// expired, and the outcome write must still be attempted.
	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalizeCancel()
	if err := d.store.Finalize(finalizeCtx, timer.ID, outcome, executedAt, lastError); err != nil {
		// The row stays executing; the startup recovery sweep handles it.
		log.Error().Err(err).Stringer("timer_id", timer.ID).Msg("dispatch: cannot finalize outcome")
	}
}

// execute runs the callback branch for the timer's kind. A panic in either
// branch surfaces as an error, which becomes the failed outcome.
func (d *Dispatcher) execute(ctx context.Context, timer Timer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	switch timer.CallbackKind {
	case CallbackHTTP:
		return d.sendHTTP(ctx, timer.Callback.HTTP)
	case CallbackPublish:
		return d.publish(ctx, timer.Callback.Publish)
	}
	return fmt.Errorf("unknown callback kind %q", timer.CallbackKind)
}

func (d *Dispatcher) sendHTTP(ctx context.Context, config *HTTPCallback) error {
	if config == nil {
		return errors.New("http callback config is missing")
	}
	var body bytes.Reader
	if len(config.Payload) > 0 {
		body.Reset(config.Payload)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, config.URL, &body)
	if err != nil {
		return fmt.Errorf("cannot build HTTP request: %w", err)
	}
	request.Header.Set("User-Agent", userAgent)
	for key, value := range config.Headers {
		request.Header.Set(key, value)
	}
	// The body is always JSON; a client-supplied Content-Type cannot override
	// that.
	request.Header.Set("Content-Type", "application/json")

	response, err := d.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("HTTP %s from %s", response.Status, config.URL)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, config *PublishCallback) error {
	if config == nil {
		return errors.New("publish callback config is missing")
	}
	if d.gateway == nil {
		return errors.New("publish transport not available")
	}
	var body []byte
	if len(config.Payload) > 0 {
		body = config.Payload
	}
	if err := d.gateway.Publish(ctx, config.Topic, config.Key, config.Headers, body); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

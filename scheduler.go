package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs the two periodic tasks of the engine: the refresh loader,
// which rebuilds the hot set from the store, and the fire scanner, which
// claims due timers and launches dispatchers. Both stop after their current
// tick when Stop is called; in-flight dispatchers are waited for, bounded by
// the dispatch deadline.
type Scheduler struct {
	store      TimerStore
	dispatcher TimerDispatcher
	hot        *HotSet

	refreshEvery time.Duration
	scanEvery    time.Duration

	stopChannel chan struct{}
	loops       sync.WaitGroup
	inflight    sync.WaitGroup
}

func NewScheduler(store TimerStore, dispatcher TimerDispatcher, refreshEvery, scanEvery time.Duration) *Scheduler {
	return &Scheduler{
		store:        store,
		dispatcher:   dispatcher,
		hot:          NewHotSet(),
		refreshEvery: refreshEvery,
		scanEvery:    scanEvery,
		stopChannel:  make(chan struct{}),
	}
}

// Start performs the one-shot recovery sweep, loads the initial hot set, and
// launches the two periodic loops. The sweep must precede the first refresh
// so that executing rows orphaned by a crash re-enter the window as pending.
func (s *Scheduler) Start(ctx context.Context) error {
	now := time.Now().UTC()
	unstuck, err := s.store.UnstickExecuting(ctx, now)
	if err != nil {
		return err
	}
	if unstuck > 0 {
		log.Info().Int64("count", unstuck).Msg("recovered executing timers back to pending")
	}

	s.refreshOnce(ctx, now)

	s.loops.Add(2)
	go s.refreshLoop()
	go s.scanLoop()
	log.Info().
		Dur("refresh_every", s.refreshEvery).
		Dur("scan_every", s.scanEvery).
		Msg("scheduler started")
	return nil
}

// Stop signals both loops, waits for them to finish their current tick, then
// waits for in-flight dispatchers.
func (s *Scheduler) Stop() {
	close(s.stopChannel)
	s.loops.Wait()
	s.inflight.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) refreshLoop() {
	defer s.loops.Done()
	ticker := NewPeriodTicker(s.refreshEvery)
	defer ticker.Destroy()
	for {
		select {
		case <-s.stopChannel:
			return
		case now := <-ticker.Ticks:
			s.refreshOnce(context.Background(), now)
		}
	}
}

// refreshOnce replaces the entire hot set with the activation window read
// from the store. On query failure the previous hot set is retained; the
// period itself is the retry pacing.
func (s *Scheduler) refreshOnce(ctx context.Context, now time.Time) {
	timers, err := s.store.LoadActivationWindow(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("refresh: cannot load activation window, keeping previous hot set")
		return
	}
	s.hot.Replace(timers)
	log.Debug().Int("count", len(timers)).Time("now", now).Msg("refresh: hot set replaced")
}

func (s *Scheduler) scanLoop() {
	defer s.loops.Done()
	ticker := NewPeriodTicker(s.scanEvery)
	defer ticker.Destroy()
	for {
		select {
		case <-s.stopChannel:
			return
		case now := <-ticker.Ticks:
			s.scanOnce(context.Background(), now)
		}
	}
}

// scanOnce collects due entries under the read lock, then claims each one in
// the store. A won claim launches a dispatcher with the captured copy and
// evicts the entry; a lost claim just evicts (the winner, or the terminal
// state, is correct). A failed claim call leaves the entry in place for the
// next tick.
func (s *Scheduler) scanOnce(ctx context.Context, now time.Time) {
	due := s.hot.Due(now)
	if len(due) == 0 {
		return
	}
	log.Debug().Int("count", len(due)).Time("now", now).Msg("scan: due timers found")

	for _, timer := range due {
		claimed, err := s.store.ClaimForFiring(ctx, timer.ID)
		if err != nil {
			log.Warn().Err(err).Stringer("timer_id", timer.ID).Msg("scan: claim failed, will retry next tick")
			continue
		}
		if claimed {
			s.inflight.Add(1)
			captured := timer
			go func() {
				defer s.inflight.Done()
				s.dispatcher.Dispatch(captured)
			}()
		}
		s.hot.Remove(timer.ID)
	}
}

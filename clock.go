package main

import "time"

// PeriodTicker wraps time.Ticker with an owned goroutine so that consumers
// receive tick instants aligned to full seconds and the channel closes
// cleanly on Destroy, even if nobody is draining it.
type PeriodTicker struct {
	realTicker     *time.Ticker
	destroyChannel chan struct{}
	Ticks          chan time.Time
}

func NewPeriodTicker(period time.Duration) *PeriodTicker {
	c := &PeriodTicker{
		realTicker:     time.NewTicker(period),
		destroyChannel: make(chan struct{}),
		Ticks:          make(chan time.Time, 1),
	}
	go func() {
		defer c.realTicker.Stop()
		defer close(c.Ticks)
		for {
			select {
			case now := <-c.realTicker.C:
				select {
				case c.Ticks <- now.Truncate(time.Second):
				case <-c.destroyChannel:
					return
				}
			case <-c.destroyChannel:
				return
			}
		}
	}()
	return c
}

func (c *PeriodTicker) Destroy() {
	close(c.destroyChannel)
}

package trigger

import (
	"context"
	"sync"
	"time"
)

// Poller notifies on a fixed interval. It backs rule stores without a
// native change feed.
type Poller struct {
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPoller creates a Poller ticking every interval.
func NewPoller(interval time.Duration) *Poller {
	return &Poller{interval: interval}
}

func (p *Poller) Name() string {
	return "poll"
}

func (p *Poller) Start(notify func()) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				notify()
			}
		}
	}()
	return nil
}

func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

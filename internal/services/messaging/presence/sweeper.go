package presence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Sweeper periodically expires stale presence entries and reports the
// users that went offline.
type Sweeper struct {
	cache    *Cache
	interval time.Duration
	onExpire func(userIDs []string)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper builds a sweeper over the cache. onExpire receives the ids
// of users that aged out on each pass; it may be nil.
func NewSweeper(cache *Cache, interval time.Duration, onExpire func(userIDs []string)) (*Sweeper, error) {
	if cache == nil {
		return nil, fmt.Errorf("presence cache is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be greater than zero")
	}
	return &Sweeper{
		cache:    cache,
		interval: interval,
		onExpire: onExpire,
	}, nil
}

// Start launches the sweep loop. It returns immediately; Stop shuts the
// loop down and waits for it to exit.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				expired := s.cache.Sweep()
				if len(expired) > 0 {
					log.Printf("presence sweep expired %d users", len(expired))
					if s.onExpire != nil {
						s.onExpire(expired)
					}
				}
			}
		}
	}()
}

// Stop cancels the sweep loop and blocks until it has exited.
func (s *Sweeper) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
